// Package room owns chat room membership and fan-out delivery.
//
// A Manager maps numeric room ids to Rooms. The registry lock covers map
// operations only; each Room guards its member set with its own lock and
// never holds it while writing to members. Every member's output goes
// through a Handle so writes from the member's own connection and from any
// number of concurrent broadcasts never interleave.
package room
