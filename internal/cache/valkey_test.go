package cache

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/cohortstack/cohort-engine/internal/config"
)

// fakeValkey answers PING, GET and SET for a single in-memory key space.
func fakeValkey(t *testing.T) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	store := make(map[string]string)
	done := make(chan struct{})

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				select {
				case <-done:
					return
				default:
					return
				}
			}
			go serveConn(conn, store)
		}
	}()

	return ln.Addr().String(), func() { close(done); ln.Close() }
}

func serveConn(conn net.Conn, store map[string]string) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	for {
		args, err := readCommand(reader)
		if err != nil {
			return
		}
		switch strings.ToUpper(args[0]) {
		case "PING":
			fmt.Fprint(conn, "+PONG\r\n")
		case "SET":
			store[args[1]] = args[2]
			fmt.Fprint(conn, "+OK\r\n")
		case "GET":
			if v, ok := store[args[1]]; ok {
				fmt.Fprintf(conn, "$%d\r\n%s\r\n", len(v), v)
			} else {
				fmt.Fprint(conn, "$-1\r\n")
			}
		default:
			fmt.Fprintf(conn, "-ERR unknown command %s\r\n", args[0])
		}
	}
}

func readCommand(r *bufio.Reader) ([]string, error) {
	header, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	var n int
	if _, err := fmt.Sscanf(strings.TrimSpace(header), "*%d", &n); err != nil {
		return nil, err
	}
	args := make([]string, 0, n)
	for i := 0; i < n; i++ {
		sizeLine, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		var size int
		if _, err := fmt.Sscanf(strings.TrimSpace(sizeLine), "$%d", &size); err != nil {
			return nil, err
		}
		buf := make([]byte, size+2)
		for read := 0; read < len(buf); {
			m, err := r.Read(buf[read:])
			if err != nil {
				return nil, err
			}
			read += m
		}
		args = append(args, string(buf[:size]))
	}
	return args, nil
}

func TestValkeyProviderRoundTrip(t *testing.T) {
	addr, stop := fakeValkey(t)
	defer stop()

	provider, err := NewValkeyProvider(config.CacheConfig{
		Addr:        addr,
		DialTimeout: time.Second,
		ReadTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer provider.Close()

	ctx := context.Background()
	if _, err := provider.Get(ctx, "label:201826"); err != ErrCacheMiss {
		t.Fatalf("expected cache miss, got %v", err)
	}

	if err := provider.Set(ctx, "label:201826", []byte("Type 2 diabetes"), time.Minute); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	got, err := provider.Get(ctx, "label:201826")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if string(got) != "Type 2 diabetes" {
		t.Fatalf("got %q", got)
	}
}

func TestValkeyProviderRequiresAddr(t *testing.T) {
	if _, err := NewValkeyProvider(config.CacheConfig{}); err == nil {
		t.Fatal("expected error without addr")
	}
}
