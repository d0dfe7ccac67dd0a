package room

import (
	"cmp"
	"context"
	"errors"
	"io"
	"slices"
	"strings"
	"sync"

	apperrors "github.com/louisbranch/roomrelay/internal/platform/errors"
	relayotel "github.com/louisbranch/roomrelay/internal/platform/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrDuplicateMember reports a join from an address already in the room.
	ErrDuplicateMember = apperrors.New(apperrors.CodeDuplicateMember, "address already joined room")
	// ErrRoomClosed reports a join into a room that was removed from the registry.
	ErrRoomClosed = apperrors.New(apperrors.CodeRoomClosed, "room is closed")
	// ErrWriteFailure matches every per-member delivery failure of a broadcast.
	ErrWriteFailure = apperrors.New(apperrors.CodeWriteFailure, "write to member failed")
)

// Member describes one joined connection.
type Member struct {
	Address string
	Name    string
}

type member struct {
	Member
	joinSeq uint64
	out     *Handle
}

// Room is one broadcast group.
type Room struct {
	id ID

	mu      sync.Mutex
	closed  bool
	joinSeq uint64
	members map[string]*member
}

// New returns an empty room. Rooms are normally obtained from a Manager.
func New(id ID) *Room {
	return &Room{
		id:      id,
		members: make(map[string]*member),
	}
}

// ID returns the room id.
func (r *Room) ID() ID {
	return r.id
}

// AddMember registers address with its display name and output stream.
// The stream is wrapped in a Handle unless it already is one.
func (r *Room) AddMember(address string, name string, out io.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	meta := map[string]string{"room_id": r.id.String(), "address": address}
	if r.closed {
		return apperrors.WithMetadata(apperrors.CodeRoomClosed, "room "+r.id.String()+" is closed", meta)
	}
	if _, ok := r.members[address]; ok {
		return apperrors.WithMetadata(apperrors.CodeDuplicateMember, "address "+address+" already joined room "+r.id.String(), meta)
	}

	r.joinSeq++
	r.members[address] = &member{
		Member:  Member{Address: address, Name: name},
		joinSeq: r.joinSeq,
		out:     NewHandle(out),
	}
	return nil
}

// RemoveMember removes address and returns the removed member.
func (r *Room) RemoveMember(address string) (Member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[address]
	if !ok {
		return Member{}, false
	}
	delete(r.members, address)
	return m.Member, true
}

// Broadcast writes message to every member except exclude. Writes to
// different members run concurrently; writes to one member are serialized by
// its Handle. Failed writes are joined into the returned error, each matching
// ErrWriteFailure, and never change membership.
func (r *Room) Broadcast(ctx context.Context, message []byte, exclude string) error {
	recipients := r.recipients(exclude)

	_, span := relayotel.Tracer().Start(ctx, "relay.broadcast",
		trace.WithAttributes(
			attribute.Int64("relay.room_id", int64(r.id)),
			attribute.Int("relay.recipients", len(recipients)),
		),
	)
	defer span.End()

	failures := make([]error, len(recipients))
	var wg sync.WaitGroup
	for i, m := range recipients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.out.Write(message); err != nil {
				failures[i] = apperrors.WrapWithMetadata(
					apperrors.CodeWriteFailure,
					"write to "+m.Name+" ("+m.Address+")",
					map[string]string{"room_id": r.id.String(), "address": m.Address},
					err,
				)
			}
		}()
	}
	wg.Wait()

	err := errors.Join(failures...)
	if err != nil {
		failed := 0
		for _, f := range failures {
			if f != nil {
				failed++
			}
		}
		span.SetAttributes(attribute.Int("relay.failures", failed))
		span.SetStatus(codes.Error, "partial delivery")
	}
	return err
}

func (r *Room) recipients(exclude string) []*member {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*member, 0, len(r.members))
	for address, m := range r.members {
		if address == exclude {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Describe renders the room id followed by one line per member in join order.
func (r *Room) Describe() string {
	var b strings.Builder
	b.WriteString("Room ID: ")
	b.WriteString(r.id.String())
	b.WriteByte('\n')
	for _, name := range r.Names() {
		b.WriteString("- ")
		b.WriteString(name)
		b.WriteByte('\n')
	}
	return b.String()
}

// Names returns member display names in join order.
func (r *Room) Names() []string {
	r.mu.Lock()
	ordered := make([]*member, 0, len(r.members))
	for _, m := range r.members {
		ordered = append(ordered, m)
	}
	r.mu.Unlock()

	slices.SortFunc(ordered, func(a, b *member) int {
		return cmp.Compare(a.joinSeq, b.joinSeq)
	})
	names := make([]string, len(ordered))
	for i, m := range ordered {
		names[i] = m.Name
	}
	return names
}

// Member looks up a member by address.
func (r *Room) Member(address string) (Member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[address]
	if !ok {
		return Member{}, false
	}
	return m.Member, true
}

// Len returns the member count.
func (r *Room) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// IsEmpty reports whether the room has no members.
func (r *Room) IsEmpty() bool {
	return r.Len() == 0
}

// closeIfEmpty marks an empty room closed so no member can join it after it
// leaves the registry.
func (r *Room) closeIfEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.members) != 0 {
		return false
	}
	r.closed = true
	return true
}
