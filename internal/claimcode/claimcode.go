// Package claimcode generates secret claim codes and their commitments.
package claimcode

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

const (
	// CodeBytes of entropy back every code.
	CodeBytes = 16
	// CodeLength is the length of the encoded code.
	CodeLength = CodeBytes * 2
	// CommitmentSize is the digest length stored on-chain.
	CommitmentSize = sha256.Size
)

type Commitment [CommitmentSize]byte

func (c Commitment) Hex() string {
	return hex.EncodeToString(c[:])
}

func (c Commitment) Bytes() []byte {
	return c[:]
}

func CommitmentFromBytes(b []byte) (Commitment, error) {
	var c Commitment
	if len(b) != CommitmentSize {
		return c, fmt.Errorf("commitment must be %d bytes, got %d", CommitmentSize, len(b))
	}
	copy(c[:], b)
	return c, nil
}

// Generate returns a fresh 32 character uppercase hex code.
func Generate() (string, error) {
	return generate(rand.Reader)
}

func generate(src io.Reader) (string, error) {
	buf := make([]byte, CodeBytes)
	if _, err := io.ReadFull(src, buf); err != nil {
		return "", fmt.Errorf("read random code: %w", err)
	}
	return strings.ToUpper(hex.EncodeToString(buf)), nil
}

// Commit digests the UTF-8 bytes of code.
func Commit(code string) Commitment {
	return sha256.Sum256([]byte(code))
}

// Verify reports whether code opens the commitment.
func Verify(code string, c Commitment) bool {
	got := Commit(code)
	return subtle.ConstantTimeCompare(got[:], c[:]) == 1
}
