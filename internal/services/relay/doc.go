// Package relay is the TCP chat relay service.
//
// Clients connect over TCP (or the optional WebSocket gateway), pick or create
// a numbered room, and exchange text with the other members of that room.
// Subpackages:
//
//   - room: registry, membership and fan-out delivery
//   - app: listeners, connection state machine and ops endpoints
//   - storage/sqlite: persistence of the room id counter
package relay
