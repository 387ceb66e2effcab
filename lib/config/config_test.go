package config

import (
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-i2p/go-shield/lib/crypto/hasher"
	"github.com/go-i2p/go-shield/lib/pow"
	"github.com/go-i2p/go-shield/lib/protocol"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newViper(t *testing.T) *viper.Viper {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	return v
}

func TestNewShieldConfig_Defaults(t *testing.T) {
	sc, err := NewShieldConfig(newViper(t))
	require.NoError(t, err)

	want := protocol.DefaultConfig()
	assert.Equal(t, want.Difficulty, sc.Protocol.Difficulty)
	assert.Equal(t, want.Address, sc.Protocol.Address)
	assert.Equal(t, want.User, sc.Protocol.User)
	assert.Equal(t, want.Assembly, sc.Protocol.Assembly)
	assert.Equal(t, want.PublicAddr, sc.Protocol.PublicAddr)
	assert.Equal(t, want.PeerZBitsMax, sc.Protocol.PeerZBitsMax)
	assert.True(t, sc.Protocol.AcceptUnknownUsers)
	assert.Equal(t, hasher.NameSHA3, sc.Hasher.Name())
	assert.Equal(t, "Ed25519", sc.Signature.Name())
	assert.Equal(t, 1024, sc.Server.Workers)
	assert.False(t, sc.NTPEnabled)
	assert.True(t, strings.HasSuffix(sc.KeyFile, "identity.yaml"))
}

func TestNewShieldConfig_FileOverrides(t *testing.T) {
	file := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
server:
  public_addr: 192.0.2.7
  accept_unknown_users: false
pow:
  profile: logarithmic
  zbits_min: 8
  zbits_max: 20
  peer_zbits_max: 16
  hasher: blake2b-256
guard:
  shards: 16
  addr:
    arps_max: 5
    sunset_min: 10m
    whitelist: ["::ffff:198.51.100.1", "2001:db8::1"]
crypto:
  kem: ML-KEM-768
  signature: ed448
`), 0o600))

	v := newViper(t)
	v.SetConfigFile(file)
	require.NoError(t, v.ReadInConfig())

	sc, err := NewShieldConfig(v)
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("192.0.2.7"), sc.Protocol.PublicAddr)
	assert.False(t, sc.Protocol.AcceptUnknownUsers)
	assert.Equal(t, pow.ProfileLogarithmic, sc.Protocol.Difficulty.Profile)
	assert.Equal(t, pow.ZeroBits(8), sc.Protocol.Difficulty.Min)
	assert.Equal(t, pow.ZeroBits(16), sc.Protocol.PeerZBitsMax)
	assert.Equal(t, hasher.NameBLAKE2, sc.Hasher.Name())
	assert.Equal(t, 16, sc.Protocol.Address.Shards)
	assert.Equal(t, 16, sc.Protocol.User.Shards)
	assert.Equal(t, 5.0, sc.Protocol.Address.MaxAvgRPS)
	assert.Equal(t, 10*time.Minute, sc.Protocol.Address.SunsetMin)
	assert.Equal(t, "ML-KEM-768", sc.Protocol.KEM)
	assert.Equal(t, "Ed448", sc.Signature.Name())
	require.Len(t, sc.Whitelist, 2)
	assert.Equal(t, netip.MustParseAddr("198.51.100.1"), sc.Whitelist[0], "mapped addresses are unmapped")
}

func TestNewShieldConfig_Rejects(t *testing.T) {
	cases := map[string]any{
		"server.public_addr":   "not-an-ip",
		"pow.profile":          "cubic",
		"pow.hasher":           "md5",
		"crypto.signature":     "rsa",
		"crypto.kem":           "rot13",
		"guard.addr.whitelist": []string{"nope"},
		"server.max_inflight":  0,
		"guard.addr.timer_len": 0,
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			v := newViper(t)
			v.Set(key, val)
			_, err := NewShieldConfig(v)
			assert.Error(t, err)
		})
	}
}

func TestCreateDefaultConfig(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "shield")
	v := newViper(t)
	require.NoError(t, createDefaultConfig(v, dir))

	data, err := os.ReadFile(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "chunk_bytes")

	assert.Error(t, createDefaultConfig(v, dir), "an existing file is not overwritten")
}
