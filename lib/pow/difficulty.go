package pow

import (
	"math"
	"strings"

	"github.com/samber/oops"
)

// ZeroBits is a proof-of-work difficulty, the number of leading zero bits required in the digest.
type ZeroBits uint16

// MaxZeroBits is the largest difficulty a parameter set may demand.
const MaxZeroBits ZeroBits = 30

// Profile selects the curve mapping request rate to difficulty.
type Profile uint8

const (
	// ProfileLinear scales difficulty in proportion to load.
	ProfileLinear Profile = iota
	// ProfileLogarithmic rises fast at low load and flattens towards rps_max.
	ProfileLogarithmic
)

var profileNames = map[Profile]string{
	ProfileLinear:      "linear",
	ProfileLogarithmic: "logarithmic",
}

func (p Profile) String() string {
	if s, ok := profileNames[p]; ok {
		return s
	}
	return "unknown"
}

// ProfileFromID converts a wire or config id.
func ProfileFromID(id uint8) (Profile, error) {
	p := Profile(id)
	if _, ok := profileNames[p]; !ok {
		return 0, oops.Wrapf(ErrUnknownProfile, "profile id %d", id)
	}
	return p, nil
}

// ProfileFromName converts a config name, case-insensitive.
func ProfileFromName(name string) (Profile, error) {
	for p, s := range profileNames {
		if strings.EqualFold(s, name) {
			return p, nil
		}
	}
	return 0, oops.Wrapf(ErrUnknownProfile, "profile %q", name)
}

// DifficultyParams configures the global difficulty curve. It is immutable once built.
type DifficultyParams struct {
	Profile Profile
	Min     ZeroBits
	Max     ZeroBits
	// RPSMax is the average request rate treated as maximum load.
	RPSMax float64
}

// Validate checks the bounds.
func (p DifficultyParams) Validate() error {
	if p.Min > p.Max {
		return oops.Wrapf(ErrInvalidParams, "min %d above max %d", p.Min, p.Max)
	}
	if p.Max > MaxZeroBits {
		return oops.Wrapf(ErrInvalidParams, "max %d above limit %d", p.Max, MaxZeroBits)
	}
	if p.RPSMax <= 0 {
		return oops.Wrapf(ErrInvalidParams, "rps_max must be positive, got %v", p.RPSMax)
	}
	if _, ok := profileNames[p.Profile]; !ok {
		return oops.Wrapf(ErrUnknownProfile, "profile id %d", p.Profile)
	}
	return nil
}

// RequiredGlobalZBits maps the rolling average request rate to a difficulty in [Min, Max].
// The result never decreases as avgRPS increases.
func (p DifficultyParams) RequiredGlobalZBits(avgRPS float64) ZeroBits {
	if math.IsNaN(avgRPS) || avgRPS <= 0 || p.RPSMax <= 0 {
		return p.Min
	}
	load := math.Min(avgRPS, p.RPSMax)

	var frac float64
	switch p.Profile {
	case ProfileLogarithmic:
		frac = math.Log2(1+load) / math.Log2(1+p.RPSMax)
	default:
		frac = load / p.RPSMax
	}

	span := float64(p.Max) - float64(p.Min)
	z := float64(p.Min) + math.Floor(span*frac)
	if z < float64(p.Min) {
		return p.Min
	}
	if z > float64(p.Max) {
		return p.Max
	}
	return ZeroBits(z)
}

// Effective is the difficulty demanded of one address: its negotiated value,
// never below the global requirement for the current load.
func (p DifficultyParams) Effective(my ZeroBits, avgRPS float64) ZeroBits {
	global := p.RequiredGlobalZBits(avgRPS)
	if my > global {
		return my
	}
	return global
}
