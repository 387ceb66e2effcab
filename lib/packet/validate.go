package packet

import (
	"net/netip"
	"time"

	"github.com/go-i2p/go-shield/lib/crypto/sig"
	"github.com/go-i2p/go-shield/lib/crypto/types"
	"github.com/go-i2p/go-shield/lib/pow"
	"github.com/go-i2p/logger"
)

var log = logger.GetGoI2PLogger()

// State is the outcome of one check.
type State uint8

const (
	StateNone State = iota
	StatePass
	StateFail
)

func (s State) String() string {
	switch s {
	case StatePass:
		return "PASS"
	case StateFail:
		return "FAIL"
	}
	return "NONE"
}

// Vars carries what the guards know about the sender.
type Vars struct {
	Addr      netip.Addr
	Code      pow.Code
	ZBits     pow.ZeroBits
	Timestamp uint64
	// Keys are the on-record keys tried in order when no key is embedded.
	Keys []types.PublicKey
}

// Validation is the verdict for one packet.
type Validation struct {
	PoW   State
	Sig   State
	Valid bool
	// NewKey is set when the signature verified with a key embedded in the packet.
	NewKey *types.PublicKey
	// SignedWith indexes Vars.Keys for the key that verified, -1 otherwise.
	SignedWith int
}

// Validator checks proof-of-work and signatures.
type Validator struct {
	Hasher     types.Hasher
	Horizon    time.Duration
	FutureSkew time.Duration
	// RequireSignature rejects packets without a signature artefact.
	RequireSignature bool
	Now              func() time.Time
}

// Validate checks the packet in buf. typ decides whether an embedded key may be honoured.
func (v *Validator) Validate(buf []byte, payloadEnd int, idx Indices, vars Vars, typ MsgType) Validation {
	res := Validation{SignedWith: -1}
	res.PoW = v.checkWork(buf, payloadEnd, idx, vars)
	if res.PoW != StatePass {
		return res
	}
	res.Sig = v.checkSignature(buf, payloadEnd, idx, vars, typ, &res)
	switch res.Sig {
	case StatePass:
		res.Valid = true
	case StateNone:
		res.Valid = !v.RequireSignature
	}
	return res
}

func (v *Validator) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

func (v *Validator) checkWork(buf []byte, payloadEnd int, idx Indices, vars Vars) State {
	r, ok := idx.Get(KindPoW)
	if !ok || r.Len() != pow.NonceLen {
		return StateFail
	}
	if !pow.TimestampValid(vars.Timestamp, v.now(), v.Horizon, v.FutureSkew) {
		log.WithFields(logger.Fields{
			"at":        "(Validator) checkWork",
			"timestamp": vars.Timestamp,
			"reason":    "outside time horizon",
		}).Debug("pow_stale")
		return StateFail
	}
	pris := pow.NewPristine(vars.Addr, vars.Code, vars.Timestamp)
	if !pow.ValidateWork(v.Hasher, pris, r.Slice(buf, payloadEnd), vars.ZBits) {
		return StateFail
	}
	return StatePass
}

func (v *Validator) checkSignature(buf []byte, payloadEnd int, idx Indices, vars Vars, typ MsgType, res *Validation) State {
	r, ok := idx.Get(KindSignature)
	if !ok {
		return StateNone
	}
	signed := buf[:payloadEnd+int(r.Start)]
	signature := r.Slice(buf, payloadEnd)

	if kr, embedded := idx.Get(KindPublicKey); embedded {
		// Only a session initiation may introduce a key.
		if typ != TypeHReq1 || kr.End > r.Start {
			return StateFail
		}
		pk, err := types.UnmarshalPublicKey(kr.Slice(buf, payloadEnd))
		if err != nil || !sig.Verify(pk, signed, signature) {
			return StateFail
		}
		res.NewKey = &pk
		return StatePass
	}

	for i, pk := range vars.Keys {
		if sig.Verify(pk, signed, signature) {
			res.SignedWith = i
			return StatePass
		}
	}
	return StateFail
}
