package handshake

import (
	"github.com/go-i2p/go-shield/lib/crypto/types"
	"github.com/go-i2p/go-shield/lib/packet"
	"github.com/go-i2p/go-shield/lib/pow"
	"github.com/go-i2p/go-shield/lib/syntax"
	"github.com/samber/oops"
)

// Argument names.
const (
	ArgZBits      = "zb"
	ArgCode       = "c"
	ArgYourPubKey = "yppsk"
	ArgMyKey      = "mysk"
	ArgYourOldKey = "yoldsk"
	ArgKEM        = "kem"
	ArgKEMPub     = "kpk"
	ArgKEMCT      = "kct"
	ArgEncKey     = "esk"
	ArgEncID      = "esid"
	ArgProof      = "hsid"
	ArgData       = "data"
)

var commands = map[packet.MsgType]string{
	packet.TypeHReq1:   "hreq1",
	packet.TypeHResp1:  "hresp1",
	packet.TypeHReq2:   "hreq2",
	packet.TypeHResp2:  "hresp2",
	packet.TypeHReq3:   "hreq3",
	packet.TypeHResp3:  "hresp3",
	packet.TypeSession: "sess",
}

// Command is the body command carried by messages of type t.
func Command(t packet.MsgType) (string, bool) {
	c, ok := commands[t]
	return c, ok
}

// NewSyntax returns the registry of handshake and session commands.
func NewSyntax() *syntax.Syntax {
	req := func(n string) syntax.ArgSpec { return syntax.ArgSpec{Name: n, Kind: syntax.KindBytes, Required: true} }
	opt := func(n string) syntax.ArgSpec { return syntax.ArgSpec{Name: n, Kind: syntax.KindBytes} }

	return syntax.New(syntax.ArgSpec{Name: ArgZBits, Kind: syntax.KindUint}).
		Register(syntax.CommandSpec{Name: "hreq1", Args: []syntax.ArgSpec{opt(ArgYourPubKey)}}).
		Register(syntax.CommandSpec{Name: "hresp1", Args: []syntax.ArgSpec{req(ArgCode), opt(ArgMyKey), opt(ArgYourOldKey)}}).
		Register(syntax.CommandSpec{Name: "hreq2", Args: []syntax.ArgSpec{
			req(ArgCode),
			{Name: ArgKEM, Kind: syntax.KindString, Required: true},
			req(ArgKEMPub),
		}}).
		Register(syntax.CommandSpec{Name: "hresp2", Args: []syntax.ArgSpec{req(ArgKEMCT), req(ArgEncKey), req(ArgEncID)}}).
		Register(syntax.CommandSpec{Name: "hreq3", Args: []syntax.ArgSpec{req(ArgProof)}}).
		Register(syntax.CommandSpec{Name: "hresp3", Args: []syntax.ArgSpec{req(ArgProof)}}).
		Register(syntax.CommandSpec{Name: "sess", Args: []syntax.ArgSpec{
			opt(ArgCode),
			{Name: ArgZBits, Kind: syntax.KindUint},
			opt(ArgData),
		}})
}

// HReq1 opens a handshake.
type HReq1 struct {
	ZBits pow.ZeroBits
	// YourKey is the responder key the initiator has on record.
	YourKey *types.PublicKey
}

// HResp1 answers HReq1 and issues the initiator's PoW code.
type HResp1 struct {
	ZBits pow.ZeroBits
	Code  pow.Code
	// MyKey is the responder's current key, sent when YourKey was stale.
	MyKey *types.PublicKey
	// YourOldKey asks the initiator to sign HReq2 with a key it is rotating away from.
	YourOldKey *types.PublicKey
}

// HReq2 issues the responder's code and an ephemeral encapsulation key.
type HReq2 struct {
	ZBits  pow.ZeroBits
	Code   pow.Code
	KEM    string
	KEMPub []byte
}

// HResp2 carries the wrapped session key and sealed session id.
type HResp2 struct {
	ZBits  pow.ZeroBits
	KEMCT  []byte
	EncKey []byte
	EncID  []byte
}

// Proof is HReq3 or HResp3: a sealed hash chain of the session id.
type Proof struct {
	ZBits pow.ZeroBits
	Proof []byte
}

// SessionMsg is post-handshake traffic.
type SessionMsg struct {
	ZBits pow.ZeroBits
	// Code, when set, replaces the code for our next packets.
	Code *pow.Code
	// NewZBits, when set, is the difficulty the sender now demands.
	NewZBits *pow.ZeroBits
	// Data is sealed with the session key.
	Data []byte
}

func newMsg(zb pow.ZeroBits, cmd string) (*syntax.Msg, syntax.Args) {
	m := syntax.NewMsg()
	m.Args.SetUint(ArgZBits, uint64(zb))
	return m, m.Add(cmd)
}

func setKey(a syntax.Args, name string, k *types.PublicKey) {
	if k != nil {
		a.SetBytes(name, k.Marshal())
	}
}

func (h HReq1) Msg() *syntax.Msg {
	m, a := newMsg(h.ZBits, "hreq1")
	setKey(a, ArgYourPubKey, h.YourKey)
	return m
}

func (h HResp1) Msg() *syntax.Msg {
	m, a := newMsg(h.ZBits, "hresp1")
	a.SetBytes(ArgCode, h.Code[:])
	setKey(a, ArgMyKey, h.MyKey)
	setKey(a, ArgYourOldKey, h.YourOldKey)
	return m
}

func (h HReq2) Msg() *syntax.Msg {
	m, a := newMsg(h.ZBits, "hreq2")
	a.SetBytes(ArgCode, h.Code[:]).SetString(ArgKEM, h.KEM).SetBytes(ArgKEMPub, h.KEMPub)
	return m
}

func (h HResp2) Msg() *syntax.Msg {
	m, a := newMsg(h.ZBits, "hresp2")
	a.SetBytes(ArgKEMCT, h.KEMCT).SetBytes(ArgEncKey, h.EncKey).SetBytes(ArgEncID, h.EncID)
	return m
}

// Msg encodes the proof as the command for typ, HReq3 or HResp3.
func (p Proof) Msg(typ packet.MsgType) *syntax.Msg {
	cmd := "hreq3"
	if typ == packet.TypeHResp3 {
		cmd = "hresp3"
	}
	m, a := newMsg(p.ZBits, cmd)
	a.SetBytes(ArgProof, p.Proof)
	return m
}

func (s SessionMsg) Msg() *syntax.Msg {
	m, a := newMsg(s.ZBits, "sess")
	if s.Code != nil {
		a.SetBytes(ArgCode, s.Code[:])
	}
	if s.NewZBits != nil {
		a.SetUint(ArgZBits, uint64(*s.NewZBits))
	}
	if s.Data != nil {
		a.SetBytes(ArgData, s.Data)
	}
	return m
}

// ZBits reads the top-level difficulty, falling back to def when absent or out of range.
func ZBits(m *syntax.Msg, def pow.ZeroBits) pow.ZeroBits {
	if !m.Args.Has(ArgZBits) {
		return def
	}
	n, err := m.Args.Uint(ArgZBits)
	if err != nil || n > uint64(pow.MaxZeroBits) {
		return def
	}
	return pow.ZeroBits(n)
}

func command(m *syntax.Msg, typ packet.MsgType) (syntax.Args, error) {
	name := commands[typ]
	c, ok := m.Find(name)
	if !ok {
		return nil, oops.Wrapf(ErrMissingArg, "body lacks %s command", name)
	}
	return c.Args, nil
}

func optKey(a syntax.Args, name string) (*types.PublicKey, error) {
	raw, err := a.Bytes(name)
	if err != nil || raw == nil {
		return nil, err
	}
	k, err := types.UnmarshalPublicKey(raw)
	if err != nil {
		return nil, oops.Wrapf(err, "-%s", name)
	}
	return &k, nil
}

func code(a syntax.Args) (pow.Code, error) {
	var c pow.Code
	raw, err := a.Bytes(ArgCode)
	if err != nil {
		return c, err
	}
	if len(raw) != pow.CodeLen {
		return c, oops.Wrapf(syntax.ErrBadArgument, "-%s must be %d bytes", ArgCode, pow.CodeLen)
	}
	copy(c[:], raw)
	return c, nil
}

func ParseHReq1(m *syntax.Msg) (HReq1, error) {
	h := HReq1{ZBits: ZBits(m, 0)}
	a, err := command(m, packet.TypeHReq1)
	if err != nil {
		return h, err
	}
	h.YourKey, err = optKey(a, ArgYourPubKey)
	return h, err
}

func ParseHResp1(m *syntax.Msg) (HResp1, error) {
	h := HResp1{ZBits: ZBits(m, 0)}
	a, err := command(m, packet.TypeHResp1)
	if err != nil {
		return h, err
	}
	if h.Code, err = code(a); err != nil {
		return h, err
	}
	if h.MyKey, err = optKey(a, ArgMyKey); err != nil {
		return h, err
	}
	h.YourOldKey, err = optKey(a, ArgYourOldKey)
	return h, err
}

func ParseHReq2(m *syntax.Msg) (HReq2, error) {
	h := HReq2{ZBits: ZBits(m, 0)}
	a, err := command(m, packet.TypeHReq2)
	if err != nil {
		return h, err
	}
	if h.Code, err = code(a); err != nil {
		return h, err
	}
	h.KEM = a.String(ArgKEM)
	h.KEMPub, err = a.Bytes(ArgKEMPub)
	return h, err
}

func ParseHResp2(m *syntax.Msg) (HResp2, error) {
	h := HResp2{ZBits: ZBits(m, 0)}
	a, err := command(m, packet.TypeHResp2)
	if err != nil {
		return h, err
	}
	if h.KEMCT, err = a.Bytes(ArgKEMCT); err != nil {
		return h, err
	}
	if h.EncKey, err = a.Bytes(ArgEncKey); err != nil {
		return h, err
	}
	h.EncID, err = a.Bytes(ArgEncID)
	return h, err
}

// ParseProof reads an HReq3 or HResp3 body.
func ParseProof(m *syntax.Msg, typ packet.MsgType) (Proof, error) {
	p := Proof{ZBits: ZBits(m, 0)}
	a, err := command(m, typ)
	if err != nil {
		return p, err
	}
	p.Proof, err = a.Bytes(ArgProof)
	return p, err
}

func ParseSession(m *syntax.Msg) (SessionMsg, error) {
	s := SessionMsg{ZBits: ZBits(m, 0)}
	a, err := command(m, packet.TypeSession)
	if err != nil {
		return s, err
	}
	if a.Has(ArgCode) {
		c, err := code(a)
		if err != nil {
			return s, err
		}
		s.Code = &c
	}
	if a.Has(ArgZBits) {
		n, err := a.Uint(ArgZBits)
		if err != nil || n > uint64(pow.MaxZeroBits) {
			return s, oops.Wrapf(syntax.ErrBadArgument, "-%s out of range", ArgZBits)
		}
		zb := pow.ZeroBits(n)
		s.NewZBits = &zb
	}
	s.Data, err = a.Bytes(ArgData)
	return s, err
}
