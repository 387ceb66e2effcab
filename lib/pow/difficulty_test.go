package pow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDifficultyParams_MonotonicAndClamped(t *testing.T) {
	for _, profile := range []Profile{ProfileLinear, ProfileLogarithmic} {
		t.Run(profile.String(), func(t *testing.T) {
			p := DifficultyParams{Profile: profile, Min: 2, Max: 15, RPSMax: 30000}
			require.NoError(t, p.Validate())

			prev := p.RequiredGlobalZBits(0)
			assert.Equal(t, p.Min, prev)
			for rps := 0.0; rps <= 60000; rps += 37.5 {
				z := p.RequiredGlobalZBits(rps)
				assert.GreaterOrEqual(t, z, prev, "rps %v", rps)
				assert.GreaterOrEqual(t, z, p.Min)
				assert.LessOrEqual(t, z, p.Max)
				prev = z
			}
			assert.Equal(t, p.Max, p.RequiredGlobalZBits(30000))
			assert.Equal(t, p.Max, p.RequiredGlobalZBits(1e9))
			assert.Equal(t, p.Min, p.RequiredGlobalZBits(-5))
		})
	}
}

func TestDifficultyParams_Linear(t *testing.T) {
	p := DifficultyParams{Profile: ProfileLinear, Min: 0, Max: 20, RPSMax: 100}
	assert.Equal(t, ZeroBits(10), p.RequiredGlobalZBits(50))
	assert.Equal(t, ZeroBits(5), p.RequiredGlobalZBits(25))
}

func TestDifficultyParams_Effective(t *testing.T) {
	p := DifficultyParams{Profile: ProfileLinear, Min: 2, Max: 12, RPSMax: 100}

	// Negotiated value wins at low load.
	assert.Equal(t, ZeroBits(8), p.Effective(8, 0))
	// Load forces it upwards.
	assert.Equal(t, ZeroBits(12), p.Effective(4, 100))
	// Never below the global floor.
	assert.Equal(t, ZeroBits(2), p.Effective(0, 0))
}

func TestDifficultyParams_Validate(t *testing.T) {
	tests := []struct {
		name string
		p    DifficultyParams
		err  error
	}{
		{"min above max", DifficultyParams{Min: 5, Max: 4, RPSMax: 1}, ErrInvalidParams},
		{"max above limit", DifficultyParams{Min: 0, Max: MaxZeroBits + 1, RPSMax: 1}, ErrInvalidParams},
		{"zero rps", DifficultyParams{Min: 0, Max: 4}, ErrInvalidParams},
		{"bad profile", DifficultyParams{Profile: 9, Max: 4, RPSMax: 1}, ErrUnknownProfile},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.p.Validate(), tt.err)
		})
	}
}

func TestProfileLookup(t *testing.T) {
	p, err := ProfileFromName("Logarithmic")
	require.NoError(t, err)
	assert.Equal(t, ProfileLogarithmic, p)

	p, err = ProfileFromID(0)
	require.NoError(t, err)
	assert.Equal(t, ProfileLinear, p)

	_, err = ProfileFromName("cubic")
	assert.ErrorIs(t, err, ErrUnknownProfile)
	_, err = ProfileFromID(7)
	assert.ErrorIs(t, err, ErrUnknownProfile)
}
