package project

import (
	"crypto/sha256"
	"encoding/hex"
)

// Digest - фиксированный 256 битный хеш
type Digest [32]byte

// DigestBytes hashes raw content.
func DigestBytes(data []byte) Digest {
	return Digest(sha256.Sum256(data))
}

// Combine строит агрегированный хеш: H( content || dep1 || dep2 ... ).
// Порядок deps должен быть детерминированным.
func Combine(content Digest, deps ...Digest) Digest {
	h := sha256.New()
	_, _ = h.Write(content[:])
	for _, d := range deps {
		_, _ = h.Write(d[:])
	}
	var out Digest
	copy(out[:], h.Sum(nil))
	return out
}

// IsZero reports whether d was never computed.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// String returns the full hex form.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Short returns a 12 character prefix for logs.
func (d Digest) Short() string {
	return d.String()[:12]
}
