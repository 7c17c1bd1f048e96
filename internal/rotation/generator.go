// Package rotation provides replacement value generation and per-path locking
// for secret rotation.
package rotation

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// DefaultLength is the length of generated replacement values
const DefaultLength = 24

const alphanumeric = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// ErrInvalidLength is returned for non-positive generator lengths
var ErrInvalidLength = errors.New("generator length must be positive")

// Generator produces replacement secret values
type Generator interface {
	Generate() (string, error)
}

// Alphanumeric generates fixed-length values over [a-zA-Z0-9]
type Alphanumeric struct {
	length  int
	charset string
	random  io.Reader
}

// NewAlphanumeric creates a generator for values of the given length.
// A length of zero selects DefaultLength.
func NewAlphanumeric(length int) (*Alphanumeric, error) {
	if length == 0 {
		length = DefaultLength
	}
	if length < 0 {
		return nil, ErrInvalidLength
	}

	return &Alphanumeric{
		length:  length,
		charset: alphanumeric,
		random:  rand.Reader,
	}, nil
}

// Generate returns a new random value
func (g *Alphanumeric) Generate() (string, error) {
	n := len(g.charset)
	// Largest multiple of n that fits in a byte; bytes above it are rejected
	// so every character is equally likely.
	limit := 256 - (256 % n)

	out := make([]byte, 0, g.length)
	buf := make([]byte, g.length*2)
	for len(out) < g.length {
		if _, err := io.ReadFull(g.random, buf); err != nil {
			return "", fmt.Errorf("failed to read random bytes: %w", err)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, g.charset[int(b)%n])
			if len(out) == g.length {
				break
			}
		}
	}
	return string(out), nil
}
