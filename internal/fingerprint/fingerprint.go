// Package fingerprint computes the stable identity-tuple hash that the Cache
// Policy keys activations and deactivations by.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// Compute returns a hex SHA-256 digest over (kind, npdID, deviceID,
// osUserID, appID), joined with explicit length prefixes so that, e.g.,
// npdID="ab"+deviceID="c" can never collide with npdID="a"+deviceID="bc".
// Timestamps, session ids, request ids, user agent, and currentAsnpId are
// deliberately excluded: the upstream response is a function of this tuple
// alone.
func Compute(kind, npdID, deviceID, osUserID, appID string) string {
	var b strings.Builder
	for _, field := range []string{kind, npdID, deviceID, osUserID, appID} {
		b.WriteString(strconv.Itoa(len(field)))
		b.WriteByte(':')
		b.WriteString(field)
		b.WriteByte('|')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// CorrelationKey returns the hex SHA-256 digest over (npdID, deviceID,
// osUserID) alone, with no kind and no appID. FRL_DEACTIVATE never carries
// an appID, so this is the only tuple a deactivation and the activation(s)
// it must invalidate can agree on: it is what links a CacheEntry back to the
// deactivation that should evict it, mirroring the original proxy's
// activation_key/deactivation_key pairing (adlu-proxy's cache/frl.rs).
func CorrelationKey(npdID, deviceID, osUserID string) string {
	var b strings.Builder
	for _, field := range []string{npdID, deviceID, osUserID} {
		b.WriteString(strconv.Itoa(len(field)))
		b.WriteByte(':')
		b.WriteString(field)
		b.WriteByte('|')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
