// This package defines the common id type used throughout pairwise. Ids are
// random 16-byte values.
package ids

import (
	"bytes"
	crypto_rand "crypto/rand"
	"encoding/hex"
	"io"
)

type ID [16]byte

func NewID() ID {
	var id [16]byte
	if _, err := io.ReadFull(crypto_rand.Reader, id[:]); err != nil {
		panic("short read from random source")
	}
	return id
}

func IDFromBytes(b []byte) ID {
	return [16]byte(b)
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

func Compare(a, b ID) int {
	return bytes.Compare(a[:], b[:])
}
