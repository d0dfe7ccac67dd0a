package server

import (
	"context"
	"errors"
	"io"
	"log"
	"unicode/utf8"

	apperrors "github.com/louisbranch/roomrelay/internal/platform/errors"
	"github.com/louisbranch/roomrelay/internal/platform/id"
	relayotel "github.com/louisbranch/roomrelay/internal/platform/otel"
	"github.com/louisbranch/roomrelay/internal/services/relay/room"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// maxResolveRetries bounds how often a join re-resolves a room that was
// deleted between lookup and AddMember.
const maxResolveRetries = 8

type sessionState int

const (
	stateConnected sessionState = iota
	stateAwaitingJoin
	stateInRoom
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateConnected:
		return "connected"
	case stateAwaitingJoin:
		return "awaiting_join"
	case stateInRoom:
		return "in_room"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type sessionConfig struct {
	joinAttempts    int
	readBufferBytes int
}

// session drives one client connection through the relay protocol.
type session struct {
	id      string
	address string
	in      io.Reader
	out     *room.Handle
	rooms   *room.Manager
	config  sessionConfig

	state sessionState
	room  *room.Room
	name  string

	readErr error
}

func newSession(address string, conn io.ReadWriter, rooms *room.Manager, config sessionConfig) *session {
	sessionID, err := id.NewID()
	if err != nil {
		sessionID = address
	}
	return &session{
		id:      sessionID,
		address: address,
		in:      conn,
		out:     room.NewHandle(conn),
		rooms:   rooms,
		config:  config,
		state:   stateConnected,
	}
}

// run executes the state machine until the connection closes.
func (s *session) run(ctx context.Context) {
	ctx, span := relayotel.Tracer().Start(ctx, "relay.session",
		trace.WithAttributes(
			attribute.String("relay.session_id", s.id),
			attribute.String("relay.address", s.address),
		),
	)
	defer span.End()

	for s.state != stateClosed {
		var next sessionState
		switch s.state {
		case stateConnected:
			next = s.welcome()
		case stateAwaitingJoin:
			next = s.awaitJoin(ctx)
		case stateInRoom:
			next = s.relay(ctx)
		}
		span.AddEvent("relay.state", trace.WithAttributes(attribute.String("relay.state", next.String())))
		s.state = next
	}
	s.leave(ctx)
}

func (s *session) welcome() sessionState {
	if _, err := s.out.Write([]byte(welcomeText(s.rooms.ListIDs()))); err != nil {
		log.Printf("relay: session %s (%s) left before welcome: %v", s.id, s.address, err)
		return stateClosed
	}
	return stateAwaitingJoin
}

func (s *session) awaitJoin(ctx context.Context) sessionState {
	for attempt := 1; attempt <= s.config.joinAttempts; attempt++ {
		payload, err := s.read()
		if err != nil {
			log.Printf("relay: session %s (%s) disconnected without joining a room", s.id, s.address)
			return stateClosed
		}

		err = s.join(ctx, payload)
		if err == nil {
			return s.confirmJoin(ctx)
		}

		remaining := s.config.joinAttempts - attempt
		log.Printf("relay: session %s (%s) join attempt %d failed [%s]: %v", s.id, s.address, attempt, apperrors.CodeOf(err), err)
		if remaining > 0 {
			if _, err := s.out.Write(retryHint(joinFailureReason(err), remaining)); err != nil {
				return stateClosed
			}
		}
	}

	log.Printf("relay: session %s (%s) exhausted %d join attempts", s.id, s.address, s.config.joinAttempts)
	_, _ = s.out.Write(exhaustedFrame)
	return stateClosed
}

func joinFailureReason(err error) string {
	switch apperrors.CodeOf(err) {
	case apperrors.CodeDuplicateMember:
		return "this connection is already in that room"
	case apperrors.CodeDecodeFailure:
		return "request is not valid UTF-8"
	case apperrors.CodeMalformedJoinRequest:
		var domainErr *apperrors.Error
		if errors.As(err, &domainErr) {
			return domainErr.Message
		}
	}
	return "room unavailable, try again"
}

// join parses payload and adds this connection to the requested room.
func (s *session) join(ctx context.Context, payload []byte) error {
	ctx, span := relayotel.Tracer().Start(ctx, "relay.join")
	defer span.End()

	req, err := parseJoinRequest(payload)
	if err != nil {
		span.SetStatus(codes.Error, string(apperrors.CodeOf(err)))
		return err
	}

	for range maxResolveRetries {
		target, err := s.resolve(ctx, req)
		if err != nil {
			span.SetStatus(codes.Error, "resolve room")
			return err
		}
		err = target.AddMember(s.address, req.name, s.out)
		if errors.Is(err, room.ErrRoomClosed) {
			continue
		}
		if err != nil {
			span.SetStatus(codes.Error, string(apperrors.CodeOf(err)))
			return err
		}
		s.room = target
		s.name = req.name
		span.SetAttributes(attribute.Int64("relay.room_id", int64(target.ID())))
		return nil
	}
	return apperrors.New(apperrors.CodeRoomClosed, "room closed repeatedly during join")
}

func (s *session) resolve(ctx context.Context, req joinRequest) (*room.Room, error) {
	if req.createNew {
		created, err := s.rooms.CreateNext(ctx)
		if err != nil {
			return nil, err
		}
		log.Printf("relay: session %s created room %d", s.id, created.ID())
		return created, nil
	}
	if existing, ok := s.rooms.Get(req.roomID); ok {
		return existing, nil
	}
	log.Printf("relay: session %s requested room %d [%s], creating it", s.id, req.roomID, apperrors.CodeUnknownRoom)
	return s.rooms.Create(req.roomID), nil
}

func (s *session) confirmJoin(ctx context.Context) sessionState {
	if _, err := s.out.Write([]byte(s.room.Describe())); err != nil {
		log.Printf("relay: session %s (%s) left right after joining room %d: %v", s.id, s.address, s.room.ID(), err)
		return stateClosed
	}
	log.Printf("relay: %s joined room %d from %s", s.name, s.room.ID(), s.address)
	if err := s.room.Broadcast(ctx, joinedFrame(s.name, s.room.ID()), s.address); err != nil {
		log.Printf("relay: room %d join announcement: %v", s.room.ID(), err)
	}
	return stateInRoom
}

func (s *session) relay(ctx context.Context) sessionState {
	for {
		payload, err := s.read()
		if err != nil {
			return stateClosed
		}
		if !utf8.Valid(payload) {
			log.Printf("relay: session %s dropped message [%s]", s.id, apperrors.CodeDecodeFailure)
			continue
		}
		if err := s.room.Broadcast(ctx, chatFrame(s.name, payload), s.address); err != nil {
			log.Printf("relay: room %d broadcast from %s: %v", s.room.ID(), s.name, err)
		}
	}
}

// leave removes the member and deletes the room once it is empty.
func (s *session) leave(ctx context.Context) {
	if s.room == nil {
		return
	}
	s.room.RemoveMember(s.address)
	if err := s.room.Broadcast(ctx, leftFrame(s.name), ""); err != nil {
		log.Printf("relay: room %d departure notice: %v", s.room.ID(), err)
	}
	log.Printf("relay: %s left room %d", s.name, s.room.ID())
	if s.room.IsEmpty() {
		s.rooms.Delete(s.room.ID())
	}
}

// read returns the next chunk from the client. A chunk delivered together
// with an error is returned first; the error surfaces on the next call.
func (s *session) read() ([]byte, error) {
	if s.readErr != nil {
		return nil, s.readErr
	}
	buf := make([]byte, s.config.readBufferBytes)
	n, err := s.in.Read(buf)
	if n > 0 {
		s.readErr = err
		return buf[:n], nil
	}
	if err == nil {
		err = io.EOF
	}
	s.readErr = err
	return nil, err
}
