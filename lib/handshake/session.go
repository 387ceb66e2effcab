package handshake

import (
	"net/netip"
	"time"

	"github.com/go-i2p/go-shield/lib/crypto/chacha20"
	"github.com/go-i2p/go-shield/lib/crypto/types"
	"github.com/go-i2p/go-shield/lib/packet"
	"github.com/go-i2p/go-shield/lib/pow"
)

// Role is the side of the handshake this node plays.
type Role uint8

const (
	// RoleInitiator sent HReq1.
	RoleInitiator Role = iota
	// RoleResponder answered it.
	RoleResponder
)

func (r Role) String() string {
	if r == RoleResponder {
		return "responder"
	}
	return "initiator"
}

// State is the position in the three-round exchange.
type State uint8

const (
	StateInit State = iota
	StateAwaitingResp1
	StateAwaitingReq2
	StateAwaitingResp2
	StateAwaitingReq3
	StateAwaitingResp3
	StateEstablished
)

var stateNames = [...]string{
	StateInit:          "init",
	StateAwaitingResp1: "awaiting_hresp1",
	StateAwaitingReq2:  "awaiting_hreq2",
	StateAwaitingResp2: "awaiting_hresp2",
	StateAwaitingReq3:  "awaiting_hreq3",
	StateAwaitingResp3: "awaiting_hresp3",
	StateEstablished:   "established",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "invalid"
}

// expects maps a state to the only message type it will accept.
var expects = map[State]packet.MsgType{
	StateAwaitingResp1: packet.TypeHResp1,
	StateAwaitingReq2:  packet.TypeHReq2,
	StateAwaitingResp2: packet.TypeHResp2,
	StateAwaitingReq3:  packet.TypeHReq3,
	StateAwaitingResp3: packet.TypeHResp3,
}

// SessionIDLen is the size of the random session identifier.
const SessionIDLen = 16

// Session is one handshake, and later one established session, with a peer
// address. It lives inside the peer's UserLog and is only touched under that
// entry's shard lock.
type Session struct {
	Role    Role
	State   State
	Peer    netip.AddrPort
	Created time.Time
	Updated time.Time

	// YourCode is the code the peer issued to us, mixed into our PoW when sending.
	YourCode pow.Code
	// MyCode is the code we issued to the peer; its packets to us must carry it.
	MyCode pow.Code
	// SignWith is the old key of ours the peer asked us to sign with.
	SignWith *types.PublicKey
	// PendingKey is the new key the peer's HReq1 introduced. It replaces the
	// key on record only when this session's HReq2 is signed with the old key.
	PendingKey *types.PublicKey

	kemName string
	kemPriv []byte
	kemPub  []byte

	key chacha20.Key
	sid [SessionIDLen]byte
}

// NewSession creates a session in StateInit.
func NewSession(role Role, peer netip.AddrPort, now time.Time) *Session {
	return &Session{Role: role, Peer: peer, Created: now, Updated: now}
}

// Expects reports whether typ is the message this session waits for.
func (s *Session) Expects(typ packet.MsgType) bool {
	if s.State == StateEstablished {
		return typ >= packet.TypeSession
	}
	want, ok := expects[s.State]
	return ok && want == typ
}

// Established reports whether the handshake has completed.
func (s *Session) Established() bool {
	return s.State == StateEstablished
}

// ID returns the session identifier, zero until HResp2 has been exchanged.
func (s *Session) ID() [SessionIDLen]byte {
	return s.sid
}

func (s *Session) advance(next State, now time.Time) {
	s.State = next
	s.Updated = now
}
