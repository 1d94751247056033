package knock

import (
	"encoding/binary"
	"encoding/hex"
	"math"

	"golang.org/x/crypto/blake2b"
)

// fingerprintScale quantizes beats before hashing so float noise below
// 1e-4 does not change the digest.
const fingerprintScale = 10000

// Fingerprint returns a stable hex digest identifying a normalized sequence.
// It is an identity key for deduplication and caching, not a secret.
func Fingerprint(seq NormalizedSequence) string {
	h, _ := blake2b.New256(nil)

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(len(seq)))
	h.Write(buf[:])

	for _, v := range seq {
		q := int64(math.Round(v * fingerprintScale))
		binary.BigEndian.PutUint64(buf[:], uint64(q))
		h.Write(buf[:])
	}

	return hex.EncodeToString(h.Sum(nil))
}
