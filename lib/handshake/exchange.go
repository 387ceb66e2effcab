package handshake

import (
	"crypto/subtle"
	"net/netip"
	"time"

	"github.com/go-i2p/crypto/rand"
	"github.com/go-i2p/go-shield/lib/crypto/chacha20"
	"github.com/go-i2p/go-shield/lib/crypto/kem"
	"github.com/go-i2p/go-shield/lib/crypto/types"
	"github.com/go-i2p/go-shield/lib/packet"
	"github.com/go-i2p/go-shield/lib/pow"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

var log = logger.GetGoI2PLogger()

const wrapInfo = "go-shield handshake wrap"

// Associated data binding each sealed value to its place in the exchange.
var (
	adEncKey  = []byte("go-shield hresp2 esk")
	adEncID   = []byte("go-shield hresp2 esid")
	adReq3    = []byte("go-shield hreq3")
	adResp3   = []byte("go-shield hresp3")
	adDataI2R = []byte("go-shield sess i2r")
	adDataR2I = []byte("go-shield sess r2i")
)

// NewCode draws a fresh PoW code.
func NewCode() (pow.Code, error) {
	var c pow.Code
	if _, err := rand.Read(c[:]); err != nil {
		return c, oops.Errorf("failed to generate code: %w", err)
	}
	return c, nil
}

// NewInitiator creates the session for an HReq1 we are about to send.
func NewInitiator(peer netip.AddrPort, now time.Time) *Session {
	s := NewSession(RoleInitiator, peer, now)
	s.advance(StateAwaitingResp1, now)
	return s
}

// NewResponder creates the session for an HResp1 we are about to send.
func NewResponder(peer netip.AddrPort, now time.Time) *Session {
	s := NewSession(RoleResponder, peer, now)
	s.advance(StateAwaitingReq2, now)
	return s
}

func (s *Session) expect(typ packet.MsgType) error {
	if !s.Expects(typ) {
		return oops.Wrapf(ErrUnexpectedState, "%s in state %s", typ, s.State)
	}
	return nil
}

// AcceptHResp1 records the responder's code and old-key request and generates
// the ephemeral KEM key pair for HReq2. It returns the public half.
func (s *Session) AcceptHResp1(m HResp1, k types.KEM, now time.Time) ([]byte, error) {
	if err := s.expect(packet.TypeHResp1); err != nil {
		return nil, err
	}
	pub, priv, err := k.GenerateKeyPair()
	if err != nil {
		return nil, oops.Errorf("failed to generate %s key pair: %w", k.Name(), err)
	}
	s.YourCode = m.Code
	s.SignWith = m.YourOldKey
	s.kemName = k.Name()
	s.kemPub = pub
	s.kemPriv = priv
	s.advance(StateAwaitingResp2, now)
	return pub, nil
}

// AcceptHReq2 encapsulates to the initiator's ephemeral key, picks the session
// key and id, and returns the HResp2 payload.
func (s *Session) AcceptHReq2(m HReq2, now time.Time) (HResp2, error) {
	var out HResp2
	if err := s.expect(packet.TypeHReq2); err != nil {
		return out, err
	}
	k, err := kem.ByName(m.KEM)
	if err != nil {
		return out, err
	}
	ct, secret, err := k.Encapsulate(m.KEMPub)
	if err != nil {
		return out, oops.Errorf("failed to encapsulate: %w", err)
	}
	wrap, err := chacha20.DeriveKey(secret, wrapSalt(m.KEMPub, ct), wrapInfo)
	if err != nil {
		return out, err
	}

	key, err := chacha20.GenerateKey()
	if err != nil {
		return out, err
	}
	var sid [SessionIDLen]byte
	if _, err := rand.Read(sid[:]); err != nil {
		return out, oops.Errorf("failed to generate session id: %w", err)
	}
	if out.EncKey, err = wrap.Seal(key[:], adEncKey); err != nil {
		return out, err
	}
	if out.EncID, err = key.Seal(sid[:], adEncID); err != nil {
		return out, err
	}
	out.KEMCT = ct

	s.YourCode = m.Code
	s.kemName = k.Name()
	s.key = key
	s.sid = sid
	s.advance(StateAwaitingReq3, now)
	return out, nil
}

// AcceptHResp2 unwraps the session key and id and returns the HReq3 proof.
func (s *Session) AcceptHResp2(m HResp2, h types.Hasher, now time.Time) ([]byte, error) {
	if err := s.expect(packet.TypeHResp2); err != nil {
		return nil, err
	}
	k, err := kem.ByName(s.kemName)
	if err != nil {
		return nil, err
	}
	secret, err := k.Decapsulate(s.kemPriv, m.KEMCT)
	if err != nil {
		return nil, oops.Wrapf(ErrKeyUnwrap, "decapsulate: %v", err)
	}
	wrap, err := chacha20.DeriveKey(secret, wrapSalt(s.kemPub, m.KEMCT), wrapInfo)
	if err != nil {
		return nil, err
	}
	rawKey, err := wrap.Open(m.EncKey, adEncKey)
	if err != nil {
		return nil, oops.Wrapf(ErrKeyUnwrap, "session key: %v", err)
	}
	key, err := chacha20.KeyFromBytes(rawKey)
	if err != nil {
		return nil, oops.Wrapf(ErrKeyUnwrap, "session key: %v", err)
	}
	rawID, err := key.Open(m.EncID, adEncID)
	if err != nil || len(rawID) != SessionIDLen {
		return nil, oops.Wrapf(ErrKeyUnwrap, "session id")
	}

	proof, err := key.Seal(h.Digest(rawID), adReq3)
	if err != nil {
		return nil, err
	}
	s.key = key
	copy(s.sid[:], rawID)
	s.kemPriv = nil
	s.advance(StateAwaitingResp3, now)
	return proof, nil
}

// AcceptHReq3 checks the initiator's proof of H(sid), establishes the session
// and returns the HResp3 proof of H(H(sid)).
func (s *Session) AcceptHReq3(m Proof, h types.Hasher, now time.Time) ([]byte, error) {
	if err := s.expect(packet.TypeHReq3); err != nil {
		return nil, err
	}
	want := h.Digest(s.sid[:])
	if err := s.checkProof(m.Proof, want, adReq3); err != nil {
		return nil, err
	}
	reply, err := s.key.Seal(h.Digest(want), adResp3)
	if err != nil {
		return nil, err
	}
	s.advance(StateEstablished, now)
	s.logEstablished()
	return reply, nil
}

// AcceptHResp3 checks the responder's proof of H(H(sid)) and establishes the session.
func (s *Session) AcceptHResp3(m Proof, h types.Hasher, now time.Time) error {
	if err := s.expect(packet.TypeHResp3); err != nil {
		return err
	}
	if err := s.checkProof(m.Proof, h.Digest(h.Digest(s.sid[:])), adResp3); err != nil {
		return err
	}
	s.advance(StateEstablished, now)
	s.logEstablished()
	return nil
}

func (s *Session) checkProof(sealed, want, ad []byte) error {
	got, err := s.key.Open(sealed, ad)
	if err != nil {
		return oops.Wrapf(ErrBadProof, "%v", err)
	}
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return ErrBadProof
	}
	return nil
}

func (s *Session) logEstablished() {
	log.WithFields(logger.Fields{
		"at":   "(Session) advance",
		"peer": s.Peer.String(),
		"role": s.Role.String(),
		"kem":  s.kemName,
		"took": s.Updated.Sub(s.Created),
	}).Info("session_established")
}

// Seal encrypts application data for the peer.
func (s *Session) Seal(data []byte) ([]byte, error) {
	if !s.Established() {
		return nil, oops.Wrapf(ErrUnexpectedState, "seal in state %s", s.State)
	}
	return s.key.Seal(data, s.outboundAD())
}

// Open decrypts application data from the peer.
func (s *Session) Open(data []byte) ([]byte, error) {
	if !s.Established() {
		return nil, oops.Wrapf(ErrUnexpectedState, "open in state %s", s.State)
	}
	return s.key.Open(data, s.inboundAD())
}

func (s *Session) outboundAD() []byte {
	if s.Role == RoleInitiator {
		return adDataI2R
	}
	return adDataR2I
}

func (s *Session) inboundAD() []byte {
	if s.Role == RoleInitiator {
		return adDataR2I
	}
	return adDataI2R
}

func wrapSalt(pub, ct []byte) []byte {
	salt := make([]byte, 0, len(pub)+len(ct))
	salt = append(salt, pub...)
	return append(salt, ct...)
}
