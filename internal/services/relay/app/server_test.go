package server

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/louisbranch/roomrelay/internal/services/relay/room"
)

func TestNewServerRequiresContext(t *testing.T) {
	if _, err := NewServer(nil, Config{}); err == nil {
		t.Fatal("expected error for nil context")
	}
}

func TestNewServerRejectsBusyAddress(t *testing.T) {
	first := startTestServer(t, Config{})
	if _, err := NewServer(context.Background(), Config{TCPAddr: first.Addr()}); err == nil {
		t.Fatal("expected listen error for busy address")
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.TCPAddr != ":8000" {
		t.Fatalf("expected default tcp addr, got %q", cfg.TCPAddr)
	}
	if cfg.JoinAttempts != 4 {
		t.Fatalf("expected 4 join attempts, got %d", cfg.JoinAttempts)
	}
	if cfg.ReadBufferBytes != 1024 {
		t.Fatalf("expected 1024 byte reads, got %d", cfg.ReadBufferBytes)
	}
	if cfg.ReadHeaderTimeout <= 0 || cfg.ShutdownTimeout <= 0 {
		t.Fatal("expected positive timeouts")
	}
}

func TestWelcomeListsRooms(t *testing.T) {
	srv := startTestServer(t, Config{})
	srv.Rooms().Create(5)
	srv.Rooms().Create(1)

	client := dialTCP(t, srv.Addr())
	welcome := client.awaitWelcome(t)
	if !slices.Contains(welcome, "Available rooms: 1, 5") {
		t.Fatalf("expected room list in welcome, got %q", welcome)
	}
	if !slices.Contains(welcome, "Welcome to the server! Select the room you want to connect.") {
		t.Fatalf("expected greeting in welcome, got %q", welcome)
	}
}

func TestWelcomeWithoutRooms(t *testing.T) {
	srv := startTestServer(t, Config{})
	client := dialTCP(t, srv.Addr())
	if welcome := client.awaitWelcome(t); !slices.Contains(welcome, "Available rooms: none") {
		t.Fatalf("expected empty room list, got %q", welcome)
	}
}

func TestChatBetweenTwoMembers(t *testing.T) {
	srv := startTestServer(t, Config{})

	alice := dialTCP(t, srv.Addr())
	alice.join(t, "5 alice", "alice")

	bob := dialTCP(t, srv.Addr())
	block := bob.join(t, "5 bob", "bob")
	if want := []string{"Room ID: 5", "- alice", "- bob"}; !slices.Equal(block, want) {
		t.Fatalf("expected room block %q, got %q", want, block)
	}
	alice.expect(t, "bob joined the room 5")

	alice.send(t, "hi\n")
	bob.expect(t, "alice > hi")

	bob.send(t, "hello alice\n")
	// The next line alice sees is bob's reply, never her own message.
	alice.expect(t, "bob > hello alice")
}

func TestJoinUnknownRoomCreatesIt(t *testing.T) {
	srv := startTestServer(t, Config{})

	alice := dialTCP(t, srv.Addr())
	block := alice.join(t, "9 alice", "alice")
	if want := []string{"Room ID: 9", "- alice"}; !slices.Equal(block, want) {
		t.Fatalf("expected room block %q, got %q", want, block)
	}

	r, ok := srv.Rooms().Get(9)
	if !ok {
		t.Fatal("expected room 9 to be registered")
	}
	if names := r.Names(); !slices.Equal(names, []string{"alice"}) {
		t.Fatalf("expected only alice, got %v", names)
	}
}

func TestDisconnectNotifiesRemainingMembers(t *testing.T) {
	srv := startTestServer(t, Config{})

	alice := dialTCP(t, srv.Addr())
	alice.join(t, "5 alice", "alice")
	bob := dialTCP(t, srv.Addr())
	bob.join(t, "5 bob", "bob")
	alice.expect(t, "bob joined the room 5")

	_ = alice.conn.Close()
	bob.expect(t, "alice left the room")

	r, ok := srv.Rooms().Get(5)
	if !ok {
		t.Fatal("expected room 5 to remain registered")
	}
	if names := r.Names(); !slices.Equal(names, []string{"bob"}) {
		t.Fatalf("expected only bob to remain, got %v", names)
	}
}

func TestLastMemberLeavingDeletesRoom(t *testing.T) {
	srv := startTestServer(t, Config{})

	alice := dialTCP(t, srv.Addr())
	alice.join(t, "12 alice", "alice")
	_ = alice.conn.Close()

	waitFor(t, "room 12 to be deleted", func() bool {
		return !slices.Contains(srv.Rooms().ListIDs(), 12)
	})
}

func TestConcurrentJoinsShareOneRoom(t *testing.T) {
	srv := startTestServer(t, Config{})

	const clients = 8
	joined := make([]*lineClient, clients)
	for i := range clients {
		joined[i] = dialTCP(t, srv.Addr())
		joined[i].awaitWelcome(t)
	}

	var wg sync.WaitGroup
	for i, c := range joined {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.conn.Write([]byte(fmt.Sprintf("77 user%d\n", i))); err != nil {
				t.Errorf("send join %d: %v", i, err)
			}
		}()
	}
	wg.Wait()

	waitFor(t, "all clients to join room 77", func() bool {
		r, ok := srv.Rooms().Get(77)
		return ok && r.Len() == clients
	})
	if ids := srv.Rooms().ListIDs(); !slices.Equal(ids, []room.ID{77}) {
		t.Fatalf("expected exactly one room, got %v", ids)
	}
}

func TestJoinRetryBudgetExhausted(t *testing.T) {
	srv := startTestServer(t, Config{})

	client := dialTCP(t, srv.Addr())
	client.awaitWelcome(t)
	for remaining := 3; remaining >= 1; remaining-- {
		client.send(t, "not-a-room\n")
		line := client.next(t)
		if !strings.HasPrefix(line, "Join failed:") || !strings.HasSuffix(line, fmt.Sprintf("(%d attempts left)", remaining)) {
			t.Fatalf("unexpected retry hint %q", line)
		}
	}
	client.send(t, "x y\n")
	client.expect(t, "Too many failed join attempts, closing connection.")
	client.expectClosed(t)

	if ids := srv.Rooms().ListIDs(); len(ids) != 0 {
		t.Fatalf("expected no rooms after failed joins, got %v", ids)
	}
}

func TestJoinRetryThenSucceed(t *testing.T) {
	srv := startTestServer(t, Config{JoinAttempts: 2})

	client := dialTCP(t, srv.Addr())
	client.awaitWelcome(t)
	client.send(t, "3\n")
	if line := client.next(t); !strings.Contains(line, "1 attempts left") {
		t.Fatalf("unexpected retry hint %q", line)
	}
	client.send(t, "3 carol\n")
	client.expect(t, "Room ID: 3")
	client.expect(t, "- carol")
}

func TestCreateNewRoomUsesCounter(t *testing.T) {
	srv := startTestServer(t, Config{})
	srv.Rooms().Create(1)

	first := dialTCP(t, srv.Addr())
	if block := first.join(t, "new alice", "alice"); block[0] != "Room ID: 2" {
		t.Fatalf("expected counter to skip taken id 1, got %q", block)
	}
	second := dialTCP(t, srv.Addr())
	if block := second.join(t, "new bob", "bob"); block[0] != "Room ID: 3" {
		t.Fatalf("expected next counter id, got %q", block)
	}
}

func TestCreateNewRoomCounterPersists(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "state", "relay.db")

	srv, err := NewServer(context.Background(), Config{TCPAddr: "127.0.0.1:0", StatePath: statePath})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	for range 2 {
		if _, err := srv.Rooms().CreateNext(context.Background()); err != nil {
			t.Fatalf("create next: %v", err)
		}
	}
	srv.Close()

	restarted := startTestServer(t, Config{StatePath: statePath})
	client := dialTCP(t, restarted.Addr())
	if block := client.join(t, "new alice", "alice"); block[0] != "Room ID: 3" {
		t.Fatalf("expected counter to resume after restart, got %q", block)
	}
}

func TestShutdownClosesClients(t *testing.T) {
	srv, err := NewServer(context.Background(), Config{TCPAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx) }()

	client := dialTCP(t, srv.Addr())
	client.join(t, "4 alice", "alice")

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("listen and serve: %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for shutdown")
	}
	client.expectClosed(t)
	if ids := srv.Rooms().ListIDs(); len(ids) != 0 {
		t.Fatalf("expected rooms to empty on shutdown, got %v", ids)
	}
}
