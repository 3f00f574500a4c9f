package localstate

import "github.com/zeebo/xxh3"

// Fingerprint identifies file content.
type Fingerprint [16]byte

func fingerprintOf(content []byte) Fingerprint {
	return xxh3.Hash128(content).Bytes()
}
