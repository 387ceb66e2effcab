package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"github.com/spf13/viper"
)

var (
	CfgFile string
	log     = logger.GetGoI2PLogger()
)

// InitConfig loads the global viper instance, writing a default config file
// when none exists and no explicit file was requested.
func InitConfig() error {
	v := viper.GetViper()
	if CfgFile != "" {
		v.SetConfigFile(CfgFile)
	} else {
		v.AddConfigPath(BuildShieldDirPath())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	SetDefaults(v)
	return handleConfigFile(v)
}

// SetDefaults registers every key on v.
func SetDefaults(v *viper.Viper) {
	d := Defaults()

	v.SetEnvPrefix("GO_SHIELD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.listen", d.Server.Listen)
	v.SetDefault("server.public_addr", d.Server.PublicAddr)
	v.SetDefault("server.max_inflight", d.Server.MaxInflight)
	v.SetDefault("server.ingress_rps", d.Server.IngressRPS)
	v.SetDefault("server.ingress_burst", d.Server.IngressBurst)
	v.SetDefault("server.read_buffer", d.Server.ReadBuffer)
	v.SetDefault("server.accept_unknown_users", d.Server.AcceptUnknownUsers)

	v.SetDefault("pow.profile", d.PoW.Profile)
	v.SetDefault("pow.zbits_min", d.PoW.ZBitsMin)
	v.SetDefault("pow.zbits_max", d.PoW.ZBitsMax)
	v.SetDefault("pow.rps_max", d.PoW.RPSMax)
	v.SetDefault("pow.time_horizon", d.PoW.TimeHorizon)
	v.SetDefault("pow.future_skew", d.PoW.FutureSkew)
	v.SetDefault("pow.initial_zbits", d.PoW.InitialZBits)
	v.SetDefault("pow.session_zbits", d.PoW.SessionZBits)
	v.SetDefault("pow.peer_zbits_max", d.PoW.PeerZBitsMax)
	v.SetDefault("pow.hasher", d.PoW.Hasher)
	v.SetDefault("pow.global_timer_len", d.PoW.GlobalTimerLen)
	v.SetDefault("pow.global_min_samples", d.PoW.GlobalMinSamples)

	v.SetDefault("guard.shards", d.Guard.Addr.Shards)
	v.SetDefault("guard.gc_interval", d.Guard.Addr.GCInterval)
	v.SetDefault("guard.addr.timer_len", d.Guard.Addr.TimerLen)
	v.SetDefault("guard.addr.min_samples", d.Guard.Addr.MinSamples)
	v.SetDefault("guard.addr.arps_max", d.Guard.Addr.MaxAvgRPS)
	v.SetDefault("guard.addr.throttle_interval_min", d.Guard.Addr.ThrottleIntervalMin)
	v.SetDefault("guard.addr.blacklist_count", d.Guard.Addr.BlacklistCount)
	v.SetDefault("guard.addr.sunset_min", d.Guard.Addr.SunsetMin)
	v.SetDefault("guard.addr.sunset_max", d.Guard.Addr.SunsetMax)
	v.SetDefault("guard.addr.hreq_expiry", d.Guard.Addr.HandshakeExpiry)
	v.SetDefault("guard.addr.idle_expiry", d.Guard.Addr.IdleExpiry)
	v.SetDefault("guard.addr.whitelist", d.Guard.Whitelist)
	v.SetDefault("guard.user.old_key_ttl", d.Guard.User.OldKeyTTL)
	v.SetDefault("guard.user.key_history", d.Guard.User.KeyHistory)
	v.SetDefault("guard.user.idle_expiry", d.Guard.User.IdleExpiry)

	v.SetDefault("assembly.shards", d.Assembly.Shards)
	v.SetDefault("assembly.sunset", d.Assembly.Sunset)
	v.SetDefault("assembly.idle_max", d.Assembly.IdleMax)
	v.SetDefault("assembly.rep_total_lim", d.Assembly.RepTotalLim)
	v.SetDefault("assembly.rep_packet_lim", d.Assembly.RepPacketLim)
	v.SetDefault("assembly.max_msg_bytes", d.Assembly.MaxMsgBytes)
	v.SetDefault("assembly.gc_interval", d.Assembly.GCInterval)

	v.SetDefault("wire.chunk_bytes", d.Wire.ChunkBytes)
	v.SetDefault("wire.pad_last", d.Wire.PadLast)

	v.SetDefault("crypto.signature", d.Crypto.Signature)
	v.SetDefault("crypto.kem", d.Crypto.KEM)
	v.SetDefault("crypto.key_file", d.Crypto.KeyFile)

	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("store.cache_mib", d.Store.CacheMiB)

	v.SetDefault("ntp.enabled", d.NTPEnabled)
	v.SetDefault("ntp.servers", d.NTP.Servers)
	v.SetDefault("ntp.samples", d.NTP.Samples)
	v.SetDefault("ntp.interval", d.NTP.Interval)
	v.SetDefault("ntp.timeout", d.NTP.Timeout)
	v.SetDefault("ntp.max_offset", d.NTP.MaxOffset)
}

func handleConfigFile(v *viper.Viper) error {
	err := v.ReadInConfig()
	if err == nil {
		log.WithField("file", v.ConfigFileUsed()).Debug("using_config_file")
		return nil
	}
	var notFound viper.ConfigFileNotFoundError
	if !errors.As(err, &notFound) {
		return oops.Errorf("failed to read config file: %w", err)
	}
	if CfgFile != "" {
		return oops.Errorf("config file %s not found: %w", CfgFile, err)
	}
	return createDefaultConfig(v, BuildShieldDirPath())
}

func createDefaultConfig(v *viper.Viper, dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return oops.Errorf("could not create config directory: %w", err)
	}
	file := filepath.Join(dir, "config.yaml")
	if err := v.SafeWriteConfigAs(file); err != nil {
		return oops.Errorf("could not write default config file: %w", err)
	}
	log.WithField("file", file).Info("created_default_config")
	return nil
}
