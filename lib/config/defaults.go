package config

import (
	"path/filepath"
	"time"

	"github.com/go-i2p/go-shield/lib/assemble"
	"github.com/go-i2p/go-shield/lib/clock"
	"github.com/go-i2p/go-shield/lib/crypto/hasher"
	"github.com/go-i2p/go-shield/lib/guard"
	"github.com/go-i2p/go-shield/lib/protocol"
	"github.com/go-i2p/go-shield/lib/server"
	"github.com/go-i2p/go-shield/lib/util"
)

// ConfigDefaults collects every default in one place.
type ConfigDefaults struct {
	Server   ServerDefaults
	PoW      PoWDefaults
	Guard    GuardDefaults
	Assembly assemble.Config
	Wire     WireDefaults
	Crypto   CryptoDefaults
	Store    StoreDefaults
	NTP      clock.SyncConfig
	// NTPEnabled turns on clock correction.
	// Default: false, the host clock is trusted
	NTPEnabled bool
}

// ServerDefaults covers the UDP socket.
type ServerDefaults struct {
	// Listen is the bind address.
	// Default: [::1]:7840
	Listen string

	// PublicAddr is the address peers see. It is hashed into every proof of
	// work we solve, so it must match what the peer reads off the socket.
	// Default: ::1
	PublicAddr string

	// MaxInflight bounds concurrently handled datagrams. Excess is dropped.
	// Default: 1024
	MaxInflight int

	// IngressRPS caps total ingress before decode; 0 disables it.
	// Default: 0
	IngressRPS float64

	// IngressBurst is the token bucket depth for IngressRPS.
	// Default: 1024
	IngressBurst int

	// ReadBuffer sets SO_RCVBUF; 0 keeps the OS default.
	// Default: 0
	ReadBuffer int

	// AcceptUnknownUsers admits HReq1 from user ids with no record.
	// Default: true
	AcceptUnknownUsers bool
}

// PoWDefaults covers the difficulty model.
type PoWDefaults struct {
	// Profile is linear or logarithmic.
	// Default: linear
	Profile string

	// ZBitsMin and ZBitsMax clamp the global difficulty.
	// Default: 10 and 24
	ZBitsMin uint
	ZBitsMax uint

	// RPSMax is the request rate treated as full load.
	// Default: 10000
	RPSMax float64

	// TimeHorizon is how old a packet timestamp may be.
	// Default: 600 seconds
	TimeHorizon time.Duration

	// FutureSkew is how far ahead a packet timestamp may be.
	// Default: 2 seconds
	FutureSkew time.Duration

	// InitialZBits is demanded from a new address until negotiated.
	// Default: 12
	InitialZBits uint

	// SessionZBits is demanded once a session is established.
	// Default: 10
	SessionZBits uint

	// PeerZBitsMax is the most work a peer may demand from us.
	// Default: 20
	PeerZBitsMax uint

	// Hasher is sha3-256 or blake2b-256. Both ends must agree.
	// Default: sha3-256
	Hasher string

	// GlobalTimerLen is the number of arrivals the global load average covers.
	// Default: 1000
	GlobalTimerLen int

	// GlobalMinSamples arrivals are needed before load raises difficulty.
	// Default: 100
	GlobalMinSamples int
}

// GuardDefaults covers both guards.
type GuardDefaults struct {
	Addr guard.AddrConfig
	User guard.UserConfig
	// Whitelist lists addresses exempt from rate limiting.
	// Default: none
	Whitelist []string
}

// WireDefaults covers packet building.
type WireDefaults struct {
	// ChunkBytes is the payload carried by one packet.
	// Default: 1200
	ChunkBytes int

	// PadLast pads the final chunk of a multi-chunk message.
	// Default: false
	PadLast bool
}

// CryptoDefaults covers keys.
type CryptoDefaults struct {
	// Signature is Ed25519 or Ed448.
	// Default: Ed25519
	Signature string

	// KEM is X25519 or ML-KEM-768.
	// Default: X25519
	KEM string

	// KeyFile holds the node identity.
	// Default: $HOME/.go-shield/identity.yaml
	KeyFile string
}

// StoreDefaults covers the user registry.
type StoreDefaults struct {
	// Path is the LevelDB directory; empty keeps users in memory only.
	// Default: $HOME/.go-shield/users
	Path string

	// CacheMiB sizes the LevelDB block cache.
	// Default: 16
	CacheMiB int
}

// Defaults returns the stock configuration.
func Defaults() ConfigDefaults {
	proto := protocol.DefaultConfig()
	srv := server.DefaultConfig()
	base := BuildShieldDirPath()
	return ConfigDefaults{
		Server: ServerDefaults{
			Listen:             srv.Listen,
			PublicAddr:         proto.PublicAddr.String(),
			MaxInflight:        srv.Workers,
			IngressRPS:         srv.MaxRate,
			IngressBurst:       srv.Burst,
			ReadBuffer:         srv.ReadBuffer,
			AcceptUnknownUsers: true,
		},
		PoW: PoWDefaults{
			Profile:          proto.Difficulty.Profile.String(),
			ZBitsMin:         uint(proto.Difficulty.Min),
			ZBitsMax:         uint(proto.Difficulty.Max),
			RPSMax:           proto.Difficulty.RPSMax,
			TimeHorizon:      proto.Horizon,
			FutureSkew:       proto.FutureSkew,
			InitialZBits:     uint(proto.Address.InitialZBits),
			SessionZBits:     uint(proto.SessionZBits),
			PeerZBitsMax:     uint(proto.PeerZBitsMax),
			Hasher:           hasher.NameSHA3,
			GlobalTimerLen:   proto.GlobalTimerLen,
			GlobalMinSamples: proto.GlobalMinSamples,
		},
		Guard: GuardDefaults{
			Addr: proto.Address,
			User: proto.User,
		},
		Assembly: proto.Assembly,
		Wire: WireDefaults{
			ChunkBytes: proto.ChunkBytes,
			PadLast:    proto.PadLast,
		},
		Crypto: CryptoDefaults{
			Signature: "Ed25519",
			KEM:       proto.KEM,
			KeyFile:   filepath.Join(base, "identity.yaml"),
		},
		Store: StoreDefaults{
			Path:     filepath.Join(base, "users"),
			CacheMiB: 16,
		},
		NTP: clock.DefaultSyncConfig(),
	}
}

// BuildShieldDirPath is the directory holding config, keys and the user store.
func BuildShieldDirPath() string {
	return util.DataDir()
}
