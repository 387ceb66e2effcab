package protocol

import (
	"context"
	"net/netip"

	"github.com/go-i2p/go-shield/lib/crypto/types"
	"github.com/go-i2p/go-shield/lib/guard"
	"github.com/go-i2p/go-shield/lib/handshake"
	"github.com/go-i2p/go-shield/lib/packet"
	"github.com/go-i2p/go-shield/lib/pow"
	"github.com/samber/oops"
)

// Peer names a remote node. Key may be zero when the user guard already holds
// a record for ID.
type Peer struct {
	ID  packet.UserID
	Key types.PublicKey
}

// Connect starts a handshake with the responder at dst by sending HReq1. The
// exchange continues as responses arrive through Handle; use Established to
// observe completion.
func (h *Handler) Connect(ctx context.Context, dst netip.AddrPort, peer Peer) error {
	if !peer.Key.IsZero() {
		h.ugrd.Register(peer.ID, peer.Key)
	}
	now := h.nowFunc()
	var yourKey *types.PublicKey
	h.ugrd.Update(peer.ID, func(ulog *guard.UserLog) {
		// a provisional key is not ours to address the peer by
		rec := ulog.Key
		if ulog.OldKey != nil {
			rec = ulog.OldKey
		}
		if rec == nil {
			return
		}
		k := rec.Key
		yourKey = &k
		ulog.Handshakes[dst] = handshake.NewInitiator(dst, now)
	})
	if yourKey == nil {
		return oops.Wrapf(ErrUnknownPeer, "%s", peer.ID)
	}

	addr := dst.Addr().Unmap()
	h.agrd.RegisterOutbound(addr, packet.TypeHReq1)
	my, your := h.zbitsFor(addr)

	return h.send(ctx, outbound{
		typ:   packet.TypeHReq1,
		dst:   dst,
		body:  handshake.HReq1{ZBits: my, YourKey: yourKey}.Msg(),
		zbits: your,
		embed: true,
	})
}

// Established reports whether the session with peer at dst has completed its handshake.
func (h *Handler) Established(dst netip.AddrPort, peer packet.UserID) bool {
	up := false
	h.ugrd.View(peer, func(ulog *guard.UserLog) {
		if s := ulog.Sessions[dst]; s != nil {
			up = s.Established()
		}
	})
	return up
}

// SessionState reports the state of the exchange with peer at dst. A
// handshake in progress is reported over an established session it will replace.
func (h *Handler) SessionState(dst netip.AddrPort, peer packet.UserID) (handshake.State, bool) {
	var st handshake.State
	ok := false
	h.ugrd.View(peer, func(ulog *guard.UserLog) {
		s := ulog.Handshakes[dst]
		if s == nil {
			s = ulog.Sessions[dst]
		}
		if s != nil {
			st, ok = s.State, true
		}
	})
	return st, ok
}

// SendSession seals data for an established session and sends it.
func (h *Handler) SendSession(ctx context.Context, dst netip.AddrPort, peer packet.UserID, data []byte) error {
	return h.sendSession(ctx, dst, peer, func(s *handshake.Session, m *handshake.SessionMsg) error {
		sealed, err := s.Seal(data)
		m.Data = sealed
		return err
	})
}

// RefreshCode issues a new PoW code to the peer. Packets the peer solved with
// the previous code stop validating once this is sent.
func (h *Handler) RefreshCode(ctx context.Context, dst netip.AddrPort, peer packet.UserID) error {
	code, err := handshake.NewCode()
	if err != nil {
		return err
	}
	return h.sendSession(ctx, dst, peer, func(_ *handshake.Session, m *handshake.SessionMsg) error {
		m.Code = &code
		return nil
	})
}

func (h *Handler) sendSession(ctx context.Context, dst netip.AddrPort, peer packet.UserID, fill func(*handshake.Session, *handshake.SessionMsg) error) error {
	addr := dst.Addr().Unmap()
	my, your := h.zbitsFor(addr)
	m := handshake.SessionMsg{ZBits: my}

	var yourCode pow.Code
	var err error
	found := h.ugrd.Update(peer, func(ulog *guard.UserLog) {
		s := ulog.Sessions[dst]
		if s == nil || !s.Established() {
			err = ErrNoSession
			return
		}
		if err = fill(s, &m); err != nil {
			return
		}
		if m.Code != nil {
			s.MyCode = *m.Code
		}
		yourCode = s.YourCode
	})
	if !found {
		err = ErrNoSession
	}
	if err != nil {
		return oops.Wrapf(err, "session with %s at %s", peer, dst)
	}
	return h.send(ctx, outbound{
		typ:   packet.TypeSession,
		dst:   dst,
		body:  m.Msg(),
		code:  yourCode,
		zbits: your,
	})
}
