package protocol

import (
	"net/netip"
	"time"

	"github.com/go-i2p/go-shield/lib/assemble"
	"github.com/go-i2p/go-shield/lib/crypto/kem"
	"github.com/go-i2p/go-shield/lib/crypto/types"
	"github.com/go-i2p/go-shield/lib/guard"
	"github.com/go-i2p/go-shield/lib/packet"
	"github.com/go-i2p/go-shield/lib/pow"
	"github.com/samber/oops"
)

// Config carries the protocol parameters.
type Config struct {
	// PublicAddr is the address peers see our packets come from. It is part of
	// every pristine we solve.
	PublicAddr         netip.Addr
	AcceptUnknownUsers bool
	Difficulty         pow.DifficultyParams
	Horizon            time.Duration
	FutureSkew         time.Duration
	// SessionZBits is demanded from an address once a session is established.
	SessionZBits pow.ZeroBits
	// PeerZBitsMax is the most work a peer may ask of us. Messages demanding
	// more are dropped unanswered.
	PeerZBitsMax pow.ZeroBits
	ChunkBytes   int
	PadLast      bool
	KEM          string
	// SolveTimeout bounds the PoW search for one outbound message.
	SolveTimeout   time.Duration
	SolverWorkers  int
	GlobalTimerLen int
	// GlobalMinSamples arrivals are needed before load raises the difficulty.
	GlobalMinSamples int

	Address  guard.AddrConfig
	User     guard.UserConfig
	Assembly assemble.Config
}

// DefaultConfig returns the stock parameters.
func DefaultConfig() Config {
	return Config{
		PublicAddr: netip.IPv6Loopback(),
		Difficulty: pow.DifficultyParams{
			Profile: pow.ProfileLinear,
			Min:     10,
			Max:     24,
			RPSMax:  10000,
		},
		Horizon:          600 * time.Second,
		FutureSkew:       2 * time.Second,
		SessionZBits:     10,
		PeerZBitsMax:     20,
		ChunkBytes:       1200,
		KEM:              kem.NameX25519,
		SolveTimeout:     30 * time.Second,
		GlobalTimerLen:   1000,
		GlobalMinSamples: 100,
		Address:          guard.DefaultAddrConfig(),
		User:             guard.DefaultUserConfig(),
		Assembly:         assemble.DefaultConfig(),
	}
}

// Validate checks every nested parameter set.
func (c Config) Validate() error {
	if !c.PublicAddr.IsValid() {
		return oops.Errorf("public address must be set")
	}
	if c.ChunkBytes <= 0 || c.ChunkBytes > 65535-packet.HeaderLen {
		return oops.Errorf("chunk size %d out of range", c.ChunkBytes)
	}
	if c.GlobalTimerLen < 2 || c.GlobalMinSamples > c.GlobalTimerLen {
		return oops.Errorf("global timer of %d with %d min samples", c.GlobalTimerLen, c.GlobalMinSamples)
	}
	if c.PeerZBitsMax < 1 || c.PeerZBitsMax > pow.MaxZeroBits {
		return oops.Errorf("peer zbits ceiling %d out of range", c.PeerZBitsMax)
	}
	if _, err := kem.ByName(c.KEM); err != nil {
		return err
	}
	if err := c.Difficulty.Validate(); err != nil {
		return err
	}
	if err := c.Address.Validate(); err != nil {
		return err
	}
	return c.Assembly.Validate()
}

// UserStore persists user keys. Calls happen outside every shard lock.
type UserStore interface {
	PutUser(uid packet.UserID, key types.PublicKey) error
}

// Sender writes datagrams to a peer.
type Sender interface {
	Send(dst netip.AddrPort, datagrams [][]byte) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(dst netip.AddrPort, datagrams [][]byte) error

func (f SenderFunc) Send(dst netip.AddrPort, datagrams [][]byte) error {
	return f(dst, datagrams)
}

// DataFunc receives opened session payloads.
type DataFunc func(uid packet.UserID, src netip.AddrPort, data []byte)

// Options wires a Handler.
type Options struct {
	Config   Config
	Identity *Identity
	Hasher   types.Hasher
	Sender   Sender
	// Store is optional.
	Store UserStore
	// OnData is optional.
	OnData DataFunc
	// Now defaults to time.Now.
	Now func() time.Time
}
