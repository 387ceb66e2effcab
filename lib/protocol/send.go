package protocol

import (
	"context"
	"net/netip"

	"github.com/go-i2p/go-shield/lib/crypto/types"
	"github.com/go-i2p/go-shield/lib/guard"
	"github.com/go-i2p/go-shield/lib/packet"
	"github.com/go-i2p/go-shield/lib/pow"
	"github.com/go-i2p/go-shield/lib/syntax"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

// outbound is a reply planned under the locks and sent after they are released.
type outbound struct {
	typ   packet.MsgType
	dst   netip.AddrPort
	body  *syntax.Msg
	code  pow.Code
	zbits pow.ZeroBits
	key   types.SigningPrivateKey
	embed bool
}

func (h *Handler) send(ctx context.Context, o outbound) error {
	body, err := h.syn.Encode(o.body)
	if err != nil {
		return oops.Wrapf(ErrBug, "encode %s: %v", o.typ, err)
	}
	if o.key == nil {
		o.key = h.id.Current()
	}
	pkts, err := h.builder.Build(ctx, packet.Outbound{
		Type:     o.typ,
		UserID:   h.id.ID,
		Body:     body,
		From:     h.cfg.PublicAddr,
		Code:     o.code,
		ZBits:    o.zbits,
		Key:      o.key,
		EmbedKey: o.embed,
	})
	if err != nil {
		return oops.Errorf("failed to build %s: %w", o.typ, err)
	}
	if err := h.sender.Send(o.dst, pkts); err != nil {
		return oops.Errorf("failed to send %s to %s: %w", o.typ, o.dst, err)
	}
	log.WithFields(logger.Fields{
		"at":      "(Handler) send",
		"type":    o.typ.String(),
		"dst":     o.dst.String(),
		"packets": len(pkts),
		"zbits":   o.zbits,
	}).Debug("message_sent")
	return nil
}

// signerFor picks our key whose public half is want, falling back to the current key.
func (h *Handler) signerFor(want *types.PublicKey) types.SigningPrivateKey {
	if want != nil {
		if k, ok := h.id.Lookup(*want); ok {
			return k
		}
		log.WithFields(logger.Fields{
			"at":     "(Handler) signerFor",
			"key":    want.String(),
			"reason": "requested key not in keyring",
		}).Warn("signing_with_current_key")
	}
	return h.id.Current()
}

// zbitsFor reads the difficulties for addr: what we demand and what it demands.
func (h *Handler) zbitsFor(addr netip.Addr) (my, your pow.ZeroBits) {
	my, your = h.cfg.Address.InitialZBits, h.cfg.Address.InitialZBits
	h.agrd.View(addr, func(alog *guard.AddressLog) {
		my, your = alog.MyZBits, alog.YourZBits
	})
	return my, your
}
