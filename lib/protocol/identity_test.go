package protocol

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-i2p/go-shield/lib/crypto/sig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentity_RotateKeepsHistory(t *testing.T) {
	id := newIdentity(t)
	scheme, err := sig.ByID(sig.Ed25519)
	require.NoError(t, err)

	first := id.Current()
	for i := 0; i < DefaultKeyHistory+2; i++ {
		next, err := scheme.GenerateKey()
		require.NoError(t, err)
		id.Rotate(next)
	}
	assert.Len(t, id.Previous(), DefaultKeyHistory)
	_, ok := id.Lookup(first.Public())
	assert.False(t, ok, "oldest key fell out of the history")

	prev := id.Previous()[0]
	k, ok := id.Lookup(prev)
	require.True(t, ok)
	assert.True(t, k.Public().Equal(prev))
}

func TestIdentity_SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "identity.yaml")
	scheme, err := sig.ByID(sig.Ed25519)
	require.NoError(t, err)

	id, err := LoadOrCreateIdentity(path, scheme)
	require.NoError(t, err)
	next, err := scheme.GenerateKey()
	require.NoError(t, err)
	id.Rotate(next)
	require.NoError(t, id.Save(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := LoadOrCreateIdentity(path, scheme)
	require.NoError(t, err)
	assert.Equal(t, id.ID, loaded.ID)
	assert.True(t, loaded.Current().Public().Equal(next.Public()))
	require.Len(t, loaded.Previous(), 1)
	assert.True(t, loaded.Previous()[0].Equal(id.Previous()[0]))
}

func TestUnmarshalIdentity_Rejects(t *testing.T) {
	_, err := UnmarshalIdentity([]byte("id: nothex\n"))
	assert.ErrorIs(t, err, ErrIdentity)

	_, err = UnmarshalIdentity([]byte("id: 00112233445566778899aabbccddeeff\ncurrent:\n  scheme: ed25519\n  key: \"!!\"\n"))
	assert.Error(t, err)

	_, err = LoadIdentity(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.KEM = "rot13"
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.ChunkBytes = 0
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.Difficulty.Min = bad.Difficulty.Max + 1
	assert.Error(t, bad.Validate())
}
