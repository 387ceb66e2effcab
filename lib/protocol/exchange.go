package protocol

import (
	"context"

	"github.com/go-i2p/go-shield/lib/crypto/kem"
	"github.com/go-i2p/go-shield/lib/crypto/types"
	"github.com/go-i2p/go-shield/lib/guard"
	"github.com/go-i2p/go-shield/lib/handshake"
	"github.com/go-i2p/go-shield/lib/packet"
	"github.com/go-i2p/go-shield/lib/pow"
	"github.com/go-i2p/go-shield/lib/syntax"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

// learnZBits stores the difficulty the peer announced in a message.
func (h *Handler) learnZBits(in inbound, msg *syntax.Msg) (my, your pow.ZeroBits) {
	h.agrd.Update(in.addr, func(alog *guard.AddressLog) {
		alog.YourZBits = handshake.ZBits(msg, alog.YourZBits)
		my, your = alog.MyZBits, alog.YourZBits
	})
	return my, your
}

// relax lowers what we demand from addr once a session is up.
func (h *Handler) relax(in inbound) pow.ZeroBits {
	var my pow.ZeroBits
	h.agrd.Update(in.addr, func(alog *guard.AddressLog) {
		alog.MyZBits = h.cfg.SessionZBits
		my = alog.MyZBits
	})
	return my
}

// withSession runs fn on the exchange with in.src under the user's lock:
// the established session for session traffic, the pending handshake for
// everything else. A missing session or a state error drops the packet
// silently and ok is false; err is only set when the user entry itself is gone.
func (h *Handler) withSession(in inbound, fn func(*guard.UserLog, *handshake.Session) error) (ok bool, err error) {
	var dropErr error
	found := h.ugrd.Update(in.meta.UserID, func(ulog *guard.UserLog) {
		sessions := ulog.Handshakes
		if in.meta.Type == packet.TypeSession {
			sessions = ulog.Sessions
		}
		s := sessions[in.src]
		if s == nil {
			dropErr = ErrNoSession
			return
		}
		dropErr = fn(ulog, s)
	})
	if !found {
		return false, oops.Wrapf(ErrBug, "admitted user %s has no entry", in.meta.UserID)
	}
	if dropErr != nil {
		h.debug("(Handler) withSession", in.meta, in.src, dropErr.Error(), nil)
		return false, nil
	}
	return true, nil
}

func malformed(err error) error {
	return oops.Wrapf(syntax.ErrMalformedBody, "%v", err)
}

// onHReq1 answers a session initiation with our code for the initiator.
func (h *Handler) onHReq1(ctx context.Context, in inbound, msg *syntax.Msg) error {
	req, err := handshake.ParseHReq1(msg)
	if err != nil {
		return malformed(err)
	}
	my, your := h.learnZBits(in, msg)

	current := h.id.Current()
	signer := current
	var myKey *types.PublicKey
	if req.YourKey != nil {
		signer = h.signerFor(req.YourKey)
		if !req.YourKey.Equal(current.Public()) {
			pub := current.Public()
			myKey = &pub
		}
	}

	code, err := handshake.NewCode()
	if err != nil {
		return err
	}
	result := guard.RotationNone
	var peerKey types.PublicKey
	var oldKey *types.PublicKey
	found := h.ugrd.Update(in.meta.UserID, func(ulog *guard.UserLog) {
		s := handshake.NewResponder(in.src, in.now)
		s.MyCode = code
		if nk := in.res.NewKey; nk != nil {
			result = ulog.ObserveKey(*nk, in.now)
			// Only this exchange may confirm the new key, by signing its
			// HReq2 with the old one.
			if ulog.Rotating() && ulog.Key.Key.Equal(*nk) {
				pending := *nk
				s.PendingKey = &pending
				if ulog.RequestOldSignature {
					old := ulog.OldKey.Key
					oldKey = &old
				}
			}
		}
		if ulog.Key != nil {
			peerKey = ulog.Key.Key
		}
		ulog.Handshakes[in.src] = s
	})
	if !found {
		return oops.Wrapf(ErrBug, "admitted user %s has no entry", in.meta.UserID)
	}
	h.keyUpdated(in.meta.UserID, result, peerKey)

	return h.send(ctx, outbound{
		typ:   packet.TypeHResp1,
		dst:   in.src,
		body:  handshake.HResp1{ZBits: my, Code: code, MyKey: myKey, YourOldKey: oldKey}.Msg(),
		zbits: your,
		key:   signer,
	})
}

// onHResp1 issues our code to the responder and opens the key exchange.
func (h *Handler) onHResp1(ctx context.Context, in inbound, msg *syntax.Msg) error {
	resp, err := handshake.ParseHResp1(msg)
	if err != nil {
		return malformed(err)
	}
	k, err := kem.ByName(h.cfg.KEM)
	if err != nil {
		return oops.Wrapf(ErrBug, "configured kem: %v", err)
	}
	code, err := handshake.NewCode()
	if err != nil {
		return err
	}

	var kpk []byte
	var yourCode pow.Code
	var signWith *types.PublicKey
	replaced := false
	ok, err := h.withSession(in, func(ulog *guard.UserLog, s *handshake.Session) error {
		pub, err := s.AcceptHResp1(resp, k, in.now)
		if err != nil {
			return err
		}
		if resp.MyKey != nil && in.signer != nil {
			// vouched for by the key we had on record
			replaced = ulog.ReplaceKey(*resp.MyKey, in.now)
		}
		s.MyCode = code
		kpk, yourCode, signWith = pub, s.YourCode, s.SignWith
		return nil
	})
	if !ok {
		return err
	}
	if replaced {
		h.keyUpdated(in.meta.UserID, guard.RotationConfirmed, *resp.MyKey)
	}
	my, your := h.learnZBits(in, msg)
	h.agrd.RegisterOutbound(in.addr, packet.TypeHReq2)

	return h.send(ctx, outbound{
		typ:   packet.TypeHReq2,
		dst:   in.src,
		body:  handshake.HReq2{ZBits: my, Code: code, KEM: k.Name(), KEMPub: kpk}.Msg(),
		code:  yourCode,
		zbits: your,
		key:   h.signerFor(signWith),
	})
}

// onHReq2 transports a session key to the initiator.
func (h *Handler) onHReq2(ctx context.Context, in inbound, msg *syntax.Msg) error {
	req, err := handshake.ParseHReq2(msg)
	if err != nil {
		return malformed(err)
	}
	var resp handshake.HResp2
	var yourCode pow.Code
	result := guard.RotationNone
	var current types.PublicKey
	ok, err := h.withSession(in, func(ulog *guard.UserLog, s *handshake.Session) error {
		resp, err = s.AcceptHReq2(req, in.now)
		if err != nil {
			return err
		}
		yourCode = s.YourCode
		if s.PendingKey != nil && in.signer != nil && ulog.OldKey != nil && in.signer.Equal(ulog.OldKey.Key) {
			result = ulog.Confirm(*s.PendingKey, in.now)
			current = *s.PendingKey
			s.PendingKey = nil
		}
		return nil
	})
	if !ok {
		return err
	}
	h.keyUpdated(in.meta.UserID, result, current)
	my, your := h.learnZBits(in, msg)
	resp.ZBits = my

	return h.send(ctx, outbound{
		typ:   packet.TypeHResp2,
		dst:   in.src,
		body:  resp.Msg(),
		code:  yourCode,
		zbits: your,
	})
}

// onHResp2 unwraps the session key and proves possession of the session id.
func (h *Handler) onHResp2(ctx context.Context, in inbound, msg *syntax.Msg) error {
	resp, err := handshake.ParseHResp2(msg)
	if err != nil {
		return malformed(err)
	}
	var proof []byte
	var yourCode pow.Code
	ok, err := h.withSession(in, func(_ *guard.UserLog, s *handshake.Session) error {
		proof, err = s.AcceptHResp2(resp, h.hasher, in.now)
		yourCode = s.YourCode
		return err
	})
	if !ok {
		return err
	}
	my, your := h.learnZBits(in, msg)
	h.agrd.RegisterOutbound(in.addr, packet.TypeHReq3)

	return h.send(ctx, outbound{
		typ:   packet.TypeHReq3,
		dst:   in.src,
		body:  handshake.Proof{ZBits: my, Proof: proof}.Msg(packet.TypeHReq3),
		code:  yourCode,
		zbits: your,
	})
}

// onHReq3 checks the initiator's proof and establishes the session.
func (h *Handler) onHReq3(ctx context.Context, in inbound, msg *syntax.Msg) error {
	req, err := handshake.ParseProof(msg, packet.TypeHReq3)
	if err != nil {
		return malformed(err)
	}
	var reply []byte
	var yourCode pow.Code
	ok, err := h.withSession(in, func(ulog *guard.UserLog, s *handshake.Session) error {
		if reply, err = s.AcceptHReq3(req, h.hasher, in.now); err != nil {
			return err
		}
		yourCode = s.YourCode
		ulog.Establish(in.src)
		return nil
	})
	if !ok {
		return err
	}
	_, your := h.learnZBits(in, msg)
	my := h.relax(in)

	return h.send(ctx, outbound{
		typ:   packet.TypeHResp3,
		dst:   in.src,
		body:  handshake.Proof{ZBits: my, Proof: reply}.Msg(packet.TypeHResp3),
		code:  yourCode,
		zbits: your,
	})
}

// onHResp3 completes the initiator side.
func (h *Handler) onHResp3(in inbound, msg *syntax.Msg) error {
	resp, err := handshake.ParseProof(msg, packet.TypeHResp3)
	if err != nil {
		return malformed(err)
	}
	ok, err := h.withSession(in, func(ulog *guard.UserLog, s *handshake.Session) error {
		if err := s.AcceptHResp3(resp, h.hasher, in.now); err != nil {
			return err
		}
		ulog.Establish(in.src)
		return nil
	})
	if !ok {
		return err
	}
	h.learnZBits(in, msg)
	h.relax(in)
	return nil
}

// onSession applies code and difficulty updates and delivers sealed data.
func (h *Handler) onSession(in inbound, msg *syntax.Msg) error {
	sm, err := handshake.ParseSession(msg)
	if err != nil {
		return malformed(err)
	}
	if sm.NewZBits != nil && *sm.NewZBits > h.cfg.PeerZBitsMax {
		h.debug("(Handler) onSession", in.meta, in.src, "peer difficulty above ceiling", logger.Fields{
			"zbits": int(*sm.NewZBits),
			"max":   int(h.cfg.PeerZBitsMax),
		})
		return nil
	}
	var data []byte
	ok, err := h.withSession(in, func(_ *guard.UserLog, s *handshake.Session) error {
		if !s.Established() {
			return handshake.ErrUnexpectedState
		}
		if sm.Data != nil {
			if data, err = s.Open(sm.Data); err != nil {
				return err
			}
		}
		if sm.Code != nil {
			s.YourCode = *sm.Code
		}
		s.Updated = in.now
		return nil
	})
	if !ok {
		return err
	}
	h.learnZBits(in, msg)
	if sm.NewZBits != nil {
		h.agrd.Update(in.addr, func(alog *guard.AddressLog) { alog.YourZBits = *sm.NewZBits })
	}
	if data != nil && h.onData != nil {
		h.onData(in.meta.UserID, in.src, data)
	}
	return nil
}
