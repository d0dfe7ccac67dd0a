package server

import (
	"fmt"
	"strings"

	"github.com/louisbranch/roomrelay/internal/services/relay/room"
)

const banner = `                                     _
 _ __ ___   ___  _ __ ___  _ __ ___| | __ _ _   _
| '__/ _ \ / _ \| '_ ' _ \| '__/ _ \ |/ _' | | | |
| | | (_) | (_) | | | | | | | |  __/ | (_| | |_| |
|_|  \___/ \___/|_| |_| |_|_|  \___|_|\__,_|\__, |
                                            |___/`

// frame terminates text with exactly one newline.
func frame(text string) []byte {
	return []byte(strings.TrimRight(text, "\r\n") + "\n")
}

func welcomeText(ids []room.ID) string {
	available := "none"
	if len(ids) > 0 {
		parts := make([]string, len(ids))
		for i, id := range ids {
			parts[i] = id.String()
		}
		available = strings.Join(parts, ", ")
	}
	return fmt.Sprintf("%s\nWelcome to the server! Select the room you want to connect.\nAvailable rooms: %s\nJoin with \"<room id> <name>\", or \"%s <name>\" to open a new room.\n",
		banner, available, newRoomToken)
}

func chatFrame(name string, payload []byte) []byte {
	return frame(name + " > " + string(payload))
}

func joinedFrame(name string, id room.ID) []byte {
	return frame(fmt.Sprintf("%s joined the room %d", name, id))
}

func leftFrame(name string) []byte {
	return frame(name + " left the room")
}

func retryHint(reason string, remaining int) []byte {
	return frame(fmt.Sprintf("Join failed: %s (%d attempts left)", reason, remaining))
}

var exhaustedFrame = frame("Too many failed join attempts, closing connection.")
