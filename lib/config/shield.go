package config

import (
	"net/netip"

	"github.com/go-i2p/go-shield/lib/clock"
	"github.com/go-i2p/go-shield/lib/crypto/hasher"
	"github.com/go-i2p/go-shield/lib/crypto/sig"
	"github.com/go-i2p/go-shield/lib/crypto/types"
	"github.com/go-i2p/go-shield/lib/pow"
	"github.com/go-i2p/go-shield/lib/protocol"
	"github.com/go-i2p/go-shield/lib/server"
	"github.com/samber/oops"
	"github.com/spf13/viper"
)

// ShieldConfig is the resolved runtime configuration.
type ShieldConfig struct {
	Server    server.Config
	Protocol  protocol.Config
	Hasher    types.Hasher
	Signature types.SignatureScheme
	KeyFile   string
	StorePath string
	StoreMiB  int
	Whitelist []netip.Addr
	NTP       clock.SyncConfig
	// NTPEnabled starts the clock syncer.
	NTPEnabled bool
}

// NewShieldConfigFromViper resolves the global viper instance.
func NewShieldConfigFromViper() (*ShieldConfig, error) {
	return NewShieldConfig(viper.GetViper())
}

// NewShieldConfig resolves v and validates the result.
func NewShieldConfig(v *viper.Viper) (*ShieldConfig, error) {
	pub, err := netip.ParseAddr(v.GetString("server.public_addr"))
	if err != nil {
		return nil, oops.Errorf("server.public_addr: %w", err)
	}
	profile, err := pow.ProfileFromName(v.GetString("pow.profile"))
	if err != nil {
		return nil, oops.Errorf("pow.profile: %w", err)
	}
	h, err := hasher.ByName(v.GetString("pow.hasher"))
	if err != nil {
		return nil, oops.Errorf("pow.hasher: %w", err)
	}
	scheme, err := sig.ByName(v.GetString("crypto.signature"))
	if err != nil {
		return nil, oops.Errorf("crypto.signature: %w", err)
	}

	var whitelist []netip.Addr
	for _, s := range v.GetStringSlice("guard.addr.whitelist") {
		a, err := netip.ParseAddr(s)
		if err != nil {
			return nil, oops.Errorf("guard.addr.whitelist: %w", err)
		}
		whitelist = append(whitelist, a.Unmap())
	}

	shards := v.GetInt("guard.shards")
	gc := v.GetDuration("guard.gc_interval")

	pc := protocol.DefaultConfig()
	pc.PublicAddr = pub.Unmap()
	pc.AcceptUnknownUsers = v.GetBool("server.accept_unknown_users")
	pc.Difficulty = pow.DifficultyParams{
		Profile: profile,
		Min:     pow.ZeroBits(v.GetUint("pow.zbits_min")),
		Max:     pow.ZeroBits(v.GetUint("pow.zbits_max")),
		RPSMax:  v.GetFloat64("pow.rps_max"),
	}
	pc.Horizon = v.GetDuration("pow.time_horizon")
	pc.FutureSkew = v.GetDuration("pow.future_skew")
	pc.SessionZBits = pow.ZeroBits(v.GetUint("pow.session_zbits"))
	pc.PeerZBitsMax = pow.ZeroBits(v.GetUint("pow.peer_zbits_max"))
	pc.GlobalTimerLen = v.GetInt("pow.global_timer_len")
	pc.GlobalMinSamples = v.GetInt("pow.global_min_samples")
	pc.ChunkBytes = v.GetInt("wire.chunk_bytes")
	pc.PadLast = v.GetBool("wire.pad_last")
	pc.KEM = v.GetString("crypto.kem")

	pc.Address.Shards = shards
	pc.Address.GCInterval = gc
	pc.Address.InitialZBits = pow.ZeroBits(v.GetUint("pow.initial_zbits"))
	pc.Address.TimerLen = v.GetInt("guard.addr.timer_len")
	pc.Address.MinSamples = v.GetInt("guard.addr.min_samples")
	pc.Address.MaxAvgRPS = v.GetFloat64("guard.addr.arps_max")
	pc.Address.ThrottleIntervalMin = v.GetDuration("guard.addr.throttle_interval_min")
	pc.Address.BlacklistCount = v.GetInt("guard.addr.blacklist_count")
	pc.Address.SunsetMin = v.GetDuration("guard.addr.sunset_min")
	pc.Address.SunsetMax = v.GetDuration("guard.addr.sunset_max")
	pc.Address.HandshakeExpiry = v.GetDuration("guard.addr.hreq_expiry")
	pc.Address.IdleExpiry = v.GetDuration("guard.addr.idle_expiry")

	pc.User.Shards = shards
	pc.User.GCInterval = gc
	pc.User.OldKeyTTL = v.GetDuration("guard.user.old_key_ttl")
	pc.User.KeyHistory = v.GetInt("guard.user.key_history")
	pc.User.IdleExpiry = v.GetDuration("guard.user.idle_expiry")

	pc.Assembly.Shards = v.GetInt("assembly.shards")
	pc.Assembly.Sunset = v.GetDuration("assembly.sunset")
	pc.Assembly.IdleMax = v.GetDuration("assembly.idle_max")
	pc.Assembly.RepTotalLim = v.GetInt("assembly.rep_total_lim")
	pc.Assembly.RepPacketLim = v.GetInt("assembly.rep_packet_lim")
	pc.Assembly.MaxMsgBytes = v.GetInt("assembly.max_msg_bytes")
	pc.Assembly.GCInterval = v.GetDuration("assembly.gc_interval")

	if err := pc.Validate(); err != nil {
		return nil, err
	}

	sc := server.Config{
		Listen:     v.GetString("server.listen"),
		Workers:    v.GetInt("server.max_inflight"),
		MaxRate:    v.GetFloat64("server.ingress_rps"),
		Burst:      v.GetInt("server.ingress_burst"),
		ReadBuffer: v.GetInt("server.read_buffer"),
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}

	ntp := clock.DefaultSyncConfig()
	ntp.Servers = v.GetStringSlice("ntp.servers")
	ntp.Samples = v.GetInt("ntp.samples")
	ntp.Interval = v.GetDuration("ntp.interval")
	ntp.Timeout = v.GetDuration("ntp.timeout")
	ntp.MaxOffset = v.GetDuration("ntp.max_offset")

	return &ShieldConfig{
		Server:     sc,
		Protocol:   pc,
		Hasher:     h,
		Signature:  scheme,
		KeyFile:    v.GetString("crypto.key_file"),
		StorePath:  v.GetString("store.path"),
		StoreMiB:   v.GetInt("store.cache_mib"),
		Whitelist:  whitelist,
		NTP:        ntp,
		NTPEnabled: v.GetBool("ntp.enabled"),
	}, nil
}

