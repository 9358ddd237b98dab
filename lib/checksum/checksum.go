package checksum

import "crypto/sha256"

// Sum folds the first four bytes of a SHA-256 digest into a uint32.
// Cheap content fingerprint, not a cryptographic commitment.
func Sum(data []byte) uint32 {
	var result uint32
	digest := sha256.Sum256(data)

	for i := 0; i < 4; i++ {
		result = result << 8
		result += uint32(digest[i])
	}

	return result
}
