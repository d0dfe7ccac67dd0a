package server

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/louisbranch/roomrelay/internal/services/relay/room"
)

const waitTimeout = 3 * time.Second

// lineClient reads newline-terminated frames from conn in the background so
// relay writes never block on the test.
type lineClient struct {
	conn  io.ReadWriteCloser
	lines chan string
}

func newLineClient(t *testing.T, conn io.ReadWriteCloser) *lineClient {
	t.Helper()
	c := &lineClient{conn: conn, lines: make(chan string, 256)}
	go func() {
		defer close(c.lines)
		reader := bufio.NewReader(conn)
		for {
			line, err := reader.ReadString('\n')
			if line != "" {
				c.lines <- strings.TrimRight(line, "\n")
			}
			if err != nil {
				return
			}
		}
	}()
	t.Cleanup(func() { _ = conn.Close() })
	return c
}

func dialTCP(t *testing.T, addr string) *lineClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	return newLineClient(t, conn)
}

func (c *lineClient) send(t *testing.T, text string) {
	t.Helper()
	if _, err := c.conn.Write([]byte(text)); err != nil {
		t.Fatalf("send %q: %v", text, err)
	}
}

// next returns the next line, failing the test on timeout or close.
func (c *lineClient) next(t *testing.T) string {
	t.Helper()
	select {
	case line, ok := <-c.lines:
		if !ok {
			t.Fatal("connection closed while waiting for a line")
		}
		return line
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a line")
	}
	return ""
}

func (c *lineClient) expect(t *testing.T, want string) {
	t.Helper()
	if got := c.next(t); got != want {
		t.Fatalf("expected line %q, got %q", want, got)
	}
}

// skipUntil discards lines until one satisfies match and returns it.
func (c *lineClient) skipUntil(t *testing.T, match func(string) bool) string {
	t.Helper()
	for {
		line := c.next(t)
		if match(line) {
			return line
		}
	}
}

func (c *lineClient) awaitWelcome(t *testing.T) []string {
	t.Helper()
	var lines []string
	for {
		line := c.next(t)
		lines = append(lines, line)
		if strings.HasPrefix(line, "Join with") {
			return lines
		}
	}
}

// join completes the handshake and returns the room description lines.
func (c *lineClient) join(t *testing.T, request string, name string) []string {
	t.Helper()
	c.awaitWelcome(t)
	c.send(t, request+"\n")
	var block []string
	for {
		line := c.next(t)
		block = append(block, line)
		if line == "- "+name {
			return block
		}
	}
}

func (c *lineClient) expectClosed(t *testing.T) {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case _, ok := <-c.lines:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("expected connection to close")
		}
	}
}

func (c *lineClient) expectSilence(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case line, ok := <-c.lines:
		if ok {
			t.Fatalf("expected no output, got %q", line)
		}
	case <-time.After(d):
	}
}

func startTestServer(t *testing.T, config Config) *Server {
	t.Helper()
	if config.TCPAddr == "" {
		config.TCPAddr = "127.0.0.1:0"
	}
	srv, err := NewServer(context.Background(), config)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.ListenAndServe(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("listen and serve: %v", err)
			}
		case <-time.After(waitTimeout):
			t.Error("timed out waiting for server shutdown")
		}
		srv.Close()
	})
	return srv
}

// pipeSession runs a session over net.Pipe with a chosen address.
func pipeSession(t *testing.T, rooms *room.Manager, address string, config sessionConfig) (*lineClient, <-chan struct{}) {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	if config.joinAttempts == 0 {
		config.joinAttempts = DefaultJoinAttempts
	}
	if config.readBufferBytes == 0 {
		config.readBufferBytes = DefaultReadBufferBytes
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		newSession(address, serverSide, rooms, config).run(context.Background())
		_ = serverSide.Close()
	}()
	return newLineClient(t, clientSide), done
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for session to finish")
	}
}
