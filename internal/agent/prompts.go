package agent

import (
	"fmt"
	"strings"
)

const responseContract = `Respond with a single JSON object and nothing else. The object has one of
these shapes:

1. Plain data question:
{"response_type": "sql",
 "thinking": "<brief reasoning>",
 "sql": "<one read-only SELECT or WITH statement>",
 "explanation": "<one sentence for the user>"}

2. Statistical question:
{"response_type": "analysis",
 "thinking": "<brief reasoning>",
 "explanation": "<one sentence for the user>",
 "analysis": {"type": "<procedure>", "params": {...}}}

3. You cannot find a needed concept ID in the catalog:
{"response_type": "concept_search",
 "search_term": "<clinical term to look up>"}

Procedures and their params:
- survival: concept_ids (list), time_horizon_years (default 5)
- pre_post: drug_concept_ids, measurement_concept_ids, window_days (default 180)
- comparative: group_a_concept_ids, group_b_concept_ids, outcome_concept_ids
- odds_ratio: exposure_concept_ids, outcome_concept_ids, optional sex/min_age/max_age
- correlation: measurement_a_concept_ids, measurement_b_concept_ids, mode ("same_day" or "average")

All concept IDs must come from the concept catalog below. SQL must be a
single read-only statement against the OMOP CDM schema %q.`

// systemPrompt renders the interpreter instructions with the live concept
// catalog. An empty catalog still produces a usable prompt; the model then
// leans on concept_search.
func systemPrompt(schema, catalogText string) string {
	var b strings.Builder
	b.WriteString("You are a clinical data analyst answering questions over an OMOP CDM database.\n\n")
	fmt.Fprintf(&b, responseContract, schema)
	b.WriteString("\n\n# Concept catalog\n")
	if catalogText == "" {
		b.WriteString("(catalog still loading; use concept_search to find concept IDs)\n")
	} else {
		b.WriteString(catalogText)
		b.WriteByte('\n')
	}
	return b.String()
}

// concisePrompt asks for a shorter second attempt after truncation.
func concisePrompt(question string) string {
	return question + "\n\nYour previous answer was cut off before it finished. Answer again as ONE compact JSON object with minimal thinking text."
}

// searchFollowupPrompt feeds concept search results back for one re-answer.
func searchFollowupPrompt(question, term string, results string) string {
	return fmt.Sprintf("%s\n\nConcept search results for %q:\n%s\nAnswer the original question now using these concept IDs. Do not request another search.", question, term, results)
}

// sqlFallbackPrompt asks for a plain SQL answer after a failed procedure.
func sqlFallbackPrompt(question, reason string) string {
	return fmt.Sprintf("%s\n\nThe statistical procedure could not run: %s. Answer the question as well as possible with a single read-only SQL query instead (response_type \"sql\").", question, reason)
}
