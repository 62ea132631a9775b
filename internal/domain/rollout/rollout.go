// Package rollout provides percentage-based feature rollout decisions.
//
// A principal is stably bucketed by hashing (feature, principal id), so a
// given principal always lands on the same side of a rollout while the
// percentage is unchanged. Both branches of a rollout must be behaviorally
// equivalent modulo performance.
package rollout

import "github.com/cespare/xxhash/v2"

// Enabled reports whether feature is rolled out to the principal at the
// given percentage (0-100). 0 disables for everyone, 100 enables for all.
func Enabled(feature, principalID string, percent int) bool {
	if percent <= 0 {
		return false
	}
	if percent >= 100 {
		return true
	}
	h := xxhash.New()
	_, _ = h.WriteString(feature)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(principalID)
	return h.Sum64()%100 < uint64(percent)
}
