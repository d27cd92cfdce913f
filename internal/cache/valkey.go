package cache

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cohortstack/cohort-engine/internal/config"
)

// ValkeyProvider implements Provider backed by a Valkey/Redis-compatible
// server, used to memoise resolved cohort labels between questions.
type ValkeyProvider struct {
	cfg config.CacheConfig
}

// NewValkeyProvider creates a Provider using the supplied configuration and
// pings the target so bad credentials or connectivity fail fast.
func NewValkeyProvider(cfg config.CacheConfig) (*ValkeyProvider, error) {
	if cfg.Addr == "" {
		return nil, errors.New("valkey addr is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 500 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 500 * time.Millisecond
	}

	provider := &ValkeyProvider{cfg: cfg}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := provider.ping(ctx); err != nil {
		return nil, err
	}
	return provider, nil
}

// Get fetches bytes by key, returning ErrCacheMiss when the key is absent.
func (p *ValkeyProvider) Get(ctx context.Context, key string) ([]byte, error) {
	var payload []byte
	err := p.withConn(ctx, func(vc *valkeyConn) error {
		if err := vc.writeCommand("GET", key); err != nil {
			return err
		}
		reply, err := vc.readReply()
		if err != nil {
			return err
		}
		if reply.isNil {
			return ErrCacheMiss
		}
		payload = reply.data
		return nil
	})
	return payload, err
}

// Set stores bytes with the provided TTL.
func (p *ValkeyProvider) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return p.withConn(ctx, func(vc *valkeyConn) error {
		args := []string{"SET", key, string(value)}
		if ttl > 0 {
			args = append(args, "PX", strconv.FormatInt(ttl.Milliseconds(), 10))
		}
		if err := vc.writeCommand(args...); err != nil {
			return err
		}
		_, err := vc.readReply()
		return err
	})
}

// Close releases no persistent resources; connections are per-operation.
func (p *ValkeyProvider) Close() error { return nil }

func (p *ValkeyProvider) ping(ctx context.Context) error {
	return p.withConn(ctx, func(vc *valkeyConn) error {
		if err := vc.writeCommand("PING"); err != nil {
			return err
		}
		reply, err := vc.readReply()
		if err != nil {
			return err
		}
		if !strings.EqualFold(string(reply.data), "PONG") {
			return fmt.Errorf("unexpected ping reply %q", reply.data)
		}
		return nil
	})
}

type valkeyConn struct {
	conn         net.Conn
	reader       *bufio.Reader
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func (p *ValkeyProvider) withConn(ctx context.Context, fn func(*valkeyConn) error) error {
	dialer := net.Dialer{Timeout: p.cfg.DialTimeout}

	var (
		conn net.Conn
		err  error
	)
	if p.cfg.TLS {
		td := tls.Dialer{NetDialer: &dialer}
		conn, err = td.DialContext(ctx, "tcp", p.cfg.Addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", p.cfg.Addr)
	}
	if err != nil {
		return fmt.Errorf("dial valkey: %w", err)
	}
	defer conn.Close()

	vc := &valkeyConn{
		conn:         conn,
		reader:       bufio.NewReader(conn),
		readTimeout:  p.cfg.ReadTimeout,
		writeTimeout: p.cfg.WriteTimeout,
	}

	if err := vc.handshake(p.cfg); err != nil {
		return err
	}
	return fn(vc)
}

func (vc *valkeyConn) handshake(cfg config.CacheConfig) error {
	if cfg.Password != "" {
		args := []string{"AUTH", cfg.Password}
		if cfg.Username != "" {
			args = []string{"AUTH", cfg.Username, cfg.Password}
		}
		if err := vc.writeCommand(args...); err != nil {
			return err
		}
		if _, err := vc.readReply(); err != nil {
			return fmt.Errorf("valkey auth: %w", err)
		}
	}
	if cfg.DB != 0 {
		if err := vc.writeCommand("SELECT", strconv.Itoa(cfg.DB)); err != nil {
			return err
		}
		if _, err := vc.readReply(); err != nil {
			return fmt.Errorf("valkey select db: %w", err)
		}
	}
	return nil
}

func (vc *valkeyConn) writeCommand(args ...string) error {
	if vc.writeTimeout > 0 {
		_ = vc.conn.SetWriteDeadline(time.Now().Add(vc.writeTimeout))
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "*%d\r\n", len(args))
	for _, arg := range args {
		fmt.Fprintf(&sb, "$%d\r\n%s\r\n", len(arg), arg)
	}
	_, err := vc.conn.Write([]byte(sb.String()))
	return err
}

type valkeyReply struct {
	data  []byte
	isNil bool
}

func (vc *valkeyConn) readReply() (valkeyReply, error) {
	if vc.readTimeout > 0 {
		_ = vc.conn.SetReadDeadline(time.Now().Add(vc.readTimeout))
	}

	line, err := vc.readLine()
	if err != nil {
		return valkeyReply{}, err
	}
	if len(line) == 0 {
		return valkeyReply{}, errors.New("empty valkey reply")
	}

	switch line[0] {
	case '+':
		return valkeyReply{data: line[1:]}, nil
	case ':':
		return valkeyReply{data: line[1:]}, nil
	case '-':
		return valkeyReply{}, fmt.Errorf("valkey error: %s", line[1:])
	case '_':
		return valkeyReply{isNil: true}, nil
	case '$':
		size, err := strconv.Atoi(string(line[1:]))
		if err != nil {
			return valkeyReply{}, fmt.Errorf("bad bulk length %q", line[1:])
		}
		if size < 0 {
			return valkeyReply{isNil: true}, nil
		}
		buf := make([]byte, size+2)
		if _, err := readFull(vc.reader, buf); err != nil {
			return valkeyReply{}, err
		}
		return valkeyReply{data: buf[:size]}, nil
	default:
		return valkeyReply{}, fmt.Errorf("unsupported valkey reply type %q", line[0])
	}
}

func (vc *valkeyConn) readLine() ([]byte, error) {
	line, err := vc.reader.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	line = bytesTrimCRLF(line)
	return line, nil
}

func bytesTrimCRLF(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	read := 0
	for read < len(buf) {
		n, err := r.Read(buf[read:])
		read += n
		if err != nil {
			return read, err
		}
	}
	return read, nil
}
