package agent

import (
	"regexp"
	"strings"

	"github.com/cohortstack/cohort-engine/internal/utils"
)

// blockedKeywords are statement kinds that must never reach the store, even
// though the session is read-only. Matched as whole words, case-insensitive.
var blockedKeywords = regexp.MustCompile(`(?i)\b(insert|update|delete|drop|truncate|alter|create|grant|revoke|copy|vacuum|reindex|merge|call|do|execute|prepare|listen|notify|lock)\b`)

// ValidateSQL accepts a single read-only statement: SELECT or WITH, no
// mutation keywords, no statement stacking.
func ValidateSQL(sql string) error {
	trimmed := strings.TrimSpace(sql)
	if trimmed == "" {
		return utils.NewValidationError("empty SQL statement")
	}

	upper := strings.ToUpper(trimmed)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return utils.NewValidationError("only SELECT and WITH statements are allowed")
	}

	body := strings.TrimRight(trimmed, "; \t\n\r")
	if strings.Contains(body, ";") {
		return utils.NewValidationError("multiple statements are not allowed")
	}
	if match := blockedKeywords.FindString(body); match != "" {
		return utils.NewValidationError("statement contains blocked keyword " + strings.ToUpper(match))
	}
	return nil
}
