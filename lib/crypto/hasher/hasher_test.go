package hasher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestByName(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"sha3-256", NameSHA3},
		{"SHA3", NameSHA3},
		{"blake2b-256", NameBLAKE2},
		{"blake2b", NameBLAKE2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := ByName(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.want, h.Name())
			assert.Len(t, h.Digest([]byte("x")), h.Size())
		})
	}

	_, err := ByName("md5")
	assert.ErrorIs(t, err, ErrUnknownHasher)
}

func TestHashers_Differ(t *testing.T) {
	a := SHA3{}.Digest([]byte("pristine"))
	b := BLAKE2{}.Digest([]byte("pristine"))
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, SHA3{}.Digest([]byte("pristine")))
}
