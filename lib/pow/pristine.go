package pow

import (
	"encoding/binary"
	"net/netip"
	"time"
)

const (
	CodeLen      = 8
	AddrLen      = 16
	TimestampLen = 8
	NonceLen     = 8
	PristineLen  = AddrLen + CodeLen + TimestampLen
)

// Code is the shared secret mixed into the pristine. The zero code is used
// until a peer has been issued one.
type Code [CodeLen]byte

// IsZero reports whether no code has been assigned.
func (c Code) IsZero() bool {
	return c == Code{}
}

// Pristine is the proof-of-work pre-image prefix: address, code and send time.
type Pristine [PristineLen]byte

// AddrBytes returns the 16-byte address form. IPv4 addresses are repeated four
// times so that both families fill the field.
func AddrBytes(addr netip.Addr) [AddrLen]byte {
	var out [AddrLen]byte
	addr = addr.Unmap()
	if addr.Is4() {
		v4 := addr.As4()
		for i := 0; i < 4; i++ {
			copy(out[i*4:], v4[:])
		}
		return out
	}
	return addr.As16()
}

// NewPristine builds the pre-image prefix for a packet sent from addr at ts (unix seconds).
func NewPristine(addr netip.Addr, code Code, ts uint64) Pristine {
	var p Pristine
	a := AddrBytes(addr)
	copy(p[:AddrLen], a[:])
	copy(p[AddrLen:AddrLen+CodeLen], code[:])
	binary.BigEndian.PutUint64(p[AddrLen+CodeLen:], ts)
	return p
}

// Timestamp extracts the send time.
func (p Pristine) Timestamp() uint64 {
	return binary.BigEndian.Uint64(p[AddrLen+CodeLen:])
}

// TimestampValid reports whether ts lies inside the freshness window.
// A packet may be up to futureSkew ahead of now to allow for clock drift.
func TimestampValid(ts uint64, now time.Time, horizon, futureSkew time.Duration) bool {
	t0 := time.Unix(int64(ts), 0)
	if t0.After(now.Add(futureSkew)) {
		return false
	}
	return now.Sub(t0) < horizon
}
