package guard

import (
	"time"

	"github.com/go-i2p/go-shield/lib/crypto/types"
)

// RotationResult describes what ObserveKey did.
type RotationResult uint8

const (
	RotationNone RotationResult = iota
	// RotationInitial recorded the first key for the user.
	RotationInitial
	// RotationStarted demoted the current key and made the new one provisional.
	RotationStarted
	// RotationReplaced swapped the provisional key, keeping the old one.
	RotationReplaced
	// RotationConfirmed cleared the old key after a packet signed with it.
	RotationConfirmed
)

func (r RotationResult) String() string {
	switch r {
	case RotationInitial:
		return "initial"
	case RotationStarted:
		return "started"
	case RotationReplaced:
		return "replaced"
	case RotationConfirmed:
		return "confirmed"
	}
	return "none"
}

// VerifyKeys lists the keys a packet without an embedded key may be signed with.
// During a rotation that is only the old key.
func (u *UserLog) VerifyKeys() []types.PublicKey {
	if u.OldKey != nil {
		return []types.PublicKey{u.OldKey.Key}
	}
	if u.Key != nil {
		return []types.PublicKey{u.Key.Key}
	}
	return nil
}

// Rotating reports whether a rotation awaits confirmation.
func (u *UserLog) Rotating() bool {
	return u.OldKey != nil
}

// ObserveKey applies a validly signed embedded key.
func (u *UserLog) ObserveKey(k types.PublicKey, now time.Time) RotationResult {
	if u.Seen != nil {
		u.Seen.Add(string(k.Marshal()), now)
	}
	switch {
	case u.Key == nil:
		u.Key = &KeyRecord{Key: k, Since: now}
		return RotationInitial
	case u.Key.Key.Equal(k):
		return RotationNone
	case u.OldKey == nil:
		u.OldKey = &KeyRecord{Key: u.Key.Key, Since: now}
		u.Key = &KeyRecord{Key: k, Since: now}
		u.RequestOldSignature = true
		return RotationStarted
	case u.OldKey.Key.Equal(k):
		// The owner of the old key is still using it, drop the provisional one.
		u.Key = &KeyRecord{Key: k, Since: u.OldKey.Since}
		u.OldKey = nil
		u.RequestOldSignature = false
		return RotationReplaced
	default:
		u.Key = &KeyRecord{Key: k, Since: now}
		return RotationReplaced
	}
}

// Confirm completes the rotation to k once the owner of the old key vouched
// for it. A rotation that has since moved on to another key is left alone.
func (u *UserLog) Confirm(k types.PublicKey, now time.Time) RotationResult {
	if u.OldKey == nil || u.Key == nil || !u.Key.Key.Equal(k) {
		return RotationNone
	}
	u.OldKey = nil
	u.RequestOldSignature = false
	u.Key.Since = now
	return RotationConfirmed
}

// ReplaceKey installs a key vouched for by a packet signed with the current one.
func (u *UserLog) ReplaceKey(k types.PublicKey, now time.Time) bool {
	if u.Key != nil && u.Key.Key.Equal(k) {
		return false
	}
	if u.Seen != nil {
		u.Seen.Add(string(k.Marshal()), now)
	}
	u.Key = &KeyRecord{Key: k, Since: now}
	u.OldKey = nil
	u.RequestOldSignature = false
	return true
}

// ExpireRotation restores the old key if the rotation was not confirmed within ttl.
func (u *UserLog) ExpireRotation(now time.Time, ttl time.Duration) bool {
	if u.OldKey == nil || now.Sub(u.OldKey.Since) < ttl {
		return false
	}
	u.Key = &KeyRecord{Key: u.OldKey.Key, Since: now}
	u.OldKey = nil
	u.RequestOldSignature = false
	return true
}

// SeenKey reports whether k was observed recently.
func (u *UserLog) SeenKey(k types.PublicKey) bool {
	return u.Seen != nil && u.Seen.Contains(string(k.Marshal()))
}
