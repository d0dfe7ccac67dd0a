package server

import (
	"strings"
	"unicode"
	"unicode/utf8"

	apperrors "github.com/louisbranch/roomrelay/internal/platform/errors"
	"github.com/louisbranch/roomrelay/internal/services/relay/room"
	"golang.org/x/text/unicode/norm"
)

const (
	// newRoomToken in place of a room id asks for the next counter id.
	newRoomToken = "new"

	maxNameRunes = 64
)

type joinRequest struct {
	roomID    room.ID
	createNew bool
	name      string
}

// parseJoinRequest parses "<room id> <name>". The first run of whitespace
// separates the fields; the rest of the line is the display name.
func parseJoinRequest(payload []byte) (joinRequest, error) {
	if !utf8.Valid(payload) {
		return joinRequest{}, apperrors.New(apperrors.CodeDecodeFailure, "join request is not valid UTF-8")
	}

	line := strings.TrimSpace(string(payload))
	split := strings.IndexFunc(line, unicode.IsSpace)
	if split < 0 {
		return joinRequest{}, malformed("expected \"<room id> <name>\"")
	}
	idField, rest := line[:split], line[split:]

	name := normalizeName(rest)
	if name == "" {
		return joinRequest{}, malformed("display name is required")
	}
	if utf8.RuneCountInString(name) > maxNameRunes {
		return joinRequest{}, malformed("display name is too long")
	}

	if strings.EqualFold(idField, newRoomToken) {
		return joinRequest{createNew: true, name: name}, nil
	}
	id, err := room.ParseID(idField)
	if err != nil {
		return joinRequest{}, apperrors.Wrap(apperrors.CodeMalformedJoinRequest, "room id must be a number or \""+newRoomToken+"\"", err)
	}
	return joinRequest{roomID: id, name: name}, nil
}

// normalizeName trims, drops control characters and applies NFC so visually
// identical names compare equal.
func normalizeName(raw string) string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, raw)
	return norm.NFC.String(strings.TrimSpace(cleaned))
}

func malformed(message string) error {
	return apperrors.New(apperrors.CodeMalformedJoinRequest, message)
}
