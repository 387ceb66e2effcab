// Package protocol drives the handshake and session protocol for raw datagrams.
//
// Handle runs the admission pipeline for one datagram: frame decode, address
// guard, user guard, proof-of-work and signature validation, key rotation
// reassembly and command dispatch. Key rotation is handled by the commands
// themselves once a body has parsed. All shared state lives in the
// guards' and assembler's sharded maps and is only touched inside their
// callbacks; replies are built and sent once every lock is released.
package protocol

import (
	"context"
	"errors"
	"net/netip"
	"time"

	"github.com/go-i2p/go-shield/lib/assemble"
	"github.com/go-i2p/go-shield/lib/crypto/types"
	"github.com/go-i2p/go-shield/lib/guard"
	"github.com/go-i2p/go-shield/lib/handshake"
	"github.com/go-i2p/go-shield/lib/packet"
	"github.com/go-i2p/go-shield/lib/pow"
	"github.com/go-i2p/go-shield/lib/syntax"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"golang.org/x/sync/errgroup"
)

// Handler is the per-node protocol state. It is safe for concurrent use; the
// receive loop calls Handle from one goroutine per datagram.
type Handler struct {
	cfg    Config
	id     *Identity
	hasher types.Hasher

	agrd  *guard.AddressGuard
	ugrd  *guard.UserGuard
	asm   *assemble.Assembler
	timer *guard.GlobalTimer

	validator packet.Validator
	builder   packet.Builder
	syn       *syntax.Syntax

	sender  Sender
	store   UserStore
	onData  DataFunc
	nowFunc func() time.Time
}

// NewHandler wires a handler from opts.
func NewHandler(opts Options) (*Handler, error) {
	if opts.Identity == nil || opts.Identity.Current() == nil {
		return nil, ErrIdentity
	}
	if opts.Hasher == nil || opts.Sender == nil {
		return nil, oops.Errorf("hasher and sender are required")
	}
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	h := &Handler{
		cfg:    cfg,
		id:     opts.Identity,
		hasher: opts.Hasher,
		agrd:   guard.NewAddressGuard(cfg.Address),
		ugrd:   guard.NewUserGuard(cfg.User),
		asm:    assemble.New(cfg.Assembly),
		timer:  guard.NewGlobalTimer(cfg.GlobalTimerLen, cfg.GlobalMinSamples),
		validator: packet.Validator{
			Hasher:           opts.Hasher,
			Horizon:          cfg.Horizon,
			FutureSkew:       cfg.FutureSkew,
			RequireSignature: true,
			Now:              now,
		},
		builder: packet.Builder{
			Solver: pow.Solver{
				Hasher:    opts.Hasher,
				Workers:   cfg.SolverWorkers,
				TimeLimit: cfg.SolveTimeout,
			},
			ChunkBytes: cfg.ChunkBytes,
			PadLast:    cfg.PadLast,
			Now:        now,
		},
		syn:     handshake.NewSyntax(),
		sender:  opts.Sender,
		store:   opts.Store,
		onData:  opts.OnData,
		nowFunc: now,
	}
	h.agrd.SetClock(now)
	h.ugrd.SetClock(now)
	h.asm.SetClock(now)
	return h, nil
}

// Syntax is the body registry the handler encodes with.
func (h *Handler) Syntax() *syntax.Syntax { return h.syn }

// Identity is this node's identity.
func (h *Handler) Identity() *Identity { return h.id }

// AddressGuard exposes the address guard for whitelisting and stats.
func (h *Handler) AddressGuard() *guard.AddressGuard { return h.agrd }

// UserGuard exposes the user guard for registration and stats.
func (h *Handler) UserGuard() *guard.UserGuard { return h.ugrd }

// Assembler exposes the message assembler for stats.
func (h *Handler) Assembler() *assemble.Assembler { return h.asm }

// GlobalZBits is the difficulty the current load demands from everyone.
func (h *Handler) GlobalZBits() pow.ZeroBits {
	return h.cfg.Difficulty.RequiredGlobalZBits(h.timer.AvgRPS())
}

// RunGC runs the guard and assembler sweepers until ctx is done.
func (h *Handler) RunGC(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.agrd.Run(ctx) })
	g.Go(func() error { return h.ugrd.Run(ctx, h.cfg.Address.HandshakeExpiry) })
	g.Go(func() error { return h.asm.Run(ctx) })
	return g.Wait()
}

// inbound is one admitted, validated packet on its way through dispatch.
type inbound struct {
	meta packet.Meta
	src  netip.AddrPort
	addr netip.Addr
	res  packet.Validation
	// signer is the key on record that verified the packet, nil when the
	// packet was signed with the key it embeds.
	signer *types.PublicKey
	now    time.Time
}

// Handle processes one datagram from src. Silent drops return nil; malformed
// framing or bodies return the structural error; ErrUnimplemented and ErrBug
// mark unsupported messages and internal faults.
func (h *Handler) Handle(ctx context.Context, datagram []byte, src netip.AddrPort, syn *syntax.Syntax) error {
	if syn == nil {
		syn = h.syn
	}
	now := h.nowFunc()
	h.timer.Update(now)

	meta, idx, err := packet.Parse(datagram)
	if err != nil {
		return err
	}
	addr := src.Addr().Unmap()
	uid := meta.UserID

	if h.agrd.DropPacket(meta.Type, addr) {
		return nil
	}
	if h.ugrd.DropPacket(uid, h.cfg.AcceptUnknownUsers) {
		return nil
	}

	vars, found, ok := h.powVars(meta, src)
	if !found {
		return oops.Wrapf(ErrBug, "admitted user %s has no entry", uid)
	}
	if !ok {
		h.debug("(Handler) Handle", meta, src, "no handshake or session", nil)
		return nil
	}
	res := h.validator.Validate(datagram, meta.PayloadEnd(), idx, vars, meta.Type)
	if !res.Valid {
		h.debug("(Handler) Handle", meta, src, "validation failed", logger.Fields{
			"pow": res.PoW.String(),
			"sig": res.Sig.String(),
		})
		return nil
	}
	if res.PoW != packet.StatePass {
		return oops.Wrapf(ErrBug, "valid packet without passing work")
	}
	in := inbound{meta: meta, src: src, addr: addr, res: res, now: now}
	if res.SignedWith >= 0 {
		if res.SignedWith >= len(vars.Keys) {
			return oops.Wrapf(ErrBug, "signed with key %d of %d", res.SignedWith, len(vars.Keys))
		}
		in.signer = &vars.Keys[res.SignedWith]
	}

	drop, body := h.asm.GetMsg(meta, datagram[packet.HeaderLen:meta.PayloadEnd()])
	if drop || body == nil {
		return nil
	}
	msg, err := syn.Parse(body)
	if err != nil {
		if errors.Is(err, syntax.ErrUnknownCommand) {
			return oops.Wrapf(ErrUnimplemented, "%v", err)
		}
		return err
	}
	return h.dispatch(ctx, in, msg)
}

// powVars snapshots what the guards know about the sender. found is false
// when the user has no entry; ok is false when the packet type needs a
// handshake or session with src that does not exist.
func (h *Handler) powVars(meta packet.Meta, src netip.AddrPort) (vars packet.Vars, found, ok bool) {
	addr := src.Addr().Unmap()
	vars = packet.Vars{Addr: addr, Timestamp: meta.Timestamp}
	var my pow.ZeroBits
	h.agrd.View(addr, func(alog *guard.AddressLog) { my = alog.MyZBits })
	vars.ZBits = h.cfg.Difficulty.Effective(my, h.timer.AvgRPS())

	found = h.ugrd.View(meta.UserID, func(ulog *guard.UserLog) {
		vars.Keys = ulog.VerifyKeys()
		switch meta.Type {
		case packet.TypeHReq1, packet.TypeHResp1:
			// the first round is solved before any code has been issued
			ok = true
		case packet.TypeSession:
			if s := ulog.Sessions[src]; s != nil {
				vars.Code, ok = s.MyCode, true
			}
		default:
			if s := ulog.Handshakes[src]; s != nil {
				vars.Code, ok = s.MyCode, true
			}
		}
	})
	return vars, found, ok
}

// keyUpdated logs a change to uid's key record and persists the settled ones.
func (h *Handler) keyUpdated(uid packet.UserID, result guard.RotationResult, current types.PublicKey) {
	if result == guard.RotationNone {
		return
	}
	log.WithFields(logger.Fields{
		"at":     "(Handler) keyUpdated",
		"uid":    uid.String(),
		"result": result.String(),
		"key":    current.String(),
	}).Info("user_key_update")

	if h.store != nil && (result == guard.RotationInitial || result == guard.RotationConfirmed) {
		if err := h.store.PutUser(uid, current); err != nil {
			log.WithError(err).WithField("uid", uid.String()).Warn("failed_to_persist_user")
		}
	}
}

func (h *Handler) dispatch(ctx context.Context, in inbound, msg *syntax.Msg) error {
	if zb := handshake.ZBits(msg, 0); zb > h.cfg.PeerZBitsMax {
		h.debug("(Handler) dispatch", in.meta, in.src, "peer difficulty above ceiling", logger.Fields{
			"zbits": int(zb),
			"max":   int(h.cfg.PeerZBitsMax),
		})
		return nil
	}
	switch in.meta.Type {
	case packet.TypeHReq1:
		return h.onHReq1(ctx, in, msg)
	case packet.TypeHResp1:
		return h.onHResp1(ctx, in, msg)
	case packet.TypeHReq2:
		return h.onHReq2(ctx, in, msg)
	case packet.TypeHResp2:
		return h.onHResp2(ctx, in, msg)
	case packet.TypeHReq3:
		return h.onHReq3(ctx, in, msg)
	case packet.TypeHResp3:
		return h.onHResp3(in, msg)
	case packet.TypeSession:
		return h.onSession(in, msg)
	}
	return oops.Wrapf(ErrUnimplemented, "message type %s", in.meta.Type)
}

func (h *Handler) debug(at string, meta packet.Meta, src netip.AddrPort, reason string, extra logger.Fields) {
	fields := logger.Fields{
		"at":     at,
		"type":   meta.Type.String(),
		"uid":    meta.UserID.String(),
		"src":    src.String(),
		"reason": reason,
	}
	for k, v := range extra {
		fields[k] = v
	}
	log.WithFields(fields).Debug("packet_dropped")
}
