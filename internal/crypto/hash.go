package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// RefreshTokenBytes is the entropy of an opaque refresh token.
const RefreshTokenBytes = 32

// HashSecret hashes a client secret with bcrypt.
func HashSecret(secret string, cost int) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), normalizeCost(cost))
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return string(hash), nil
}

// CompareSecret reports whether secret matches hash. The comparison is constant-time.
func CompareSecret(hash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}

// Equalizer runs throwaway bcrypt comparisons at the cost real secrets are
// hashed with, so a lookup for an unknown client takes as long as a known one.
type Equalizer struct {
	cost int
	once sync.Once
	hash []byte
}

// NewEqualizer returns an Equalizer for secrets hashed at cost. The dummy
// hash is generated on first use.
func NewEqualizer(cost int) *Equalizer {
	return &Equalizer{cost: normalizeCost(cost)}
}

func (e *Equalizer) dummy() []byte {
	e.once.Do(func() {
		e.hash = mustHash("timing-equalizer", e.cost)
	})
	return e.hash
}

// Burn compares secret against the dummy hash and discards the result.
func (e *Equalizer) Burn(secret string) {
	_ = bcrypt.CompareHashAndPassword(e.dummy(), []byte(secret))
}

// Cost reports the bcrypt cost of the dummy hash.
func (e *Equalizer) Cost() int {
	cost, err := bcrypt.Cost(e.dummy())
	if err != nil {
		return 0
	}
	return cost
}

// RandomToken returns n random bytes hex encoded.
func RandomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// HashToken returns the hex SHA-256 digest stored for a refresh token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func normalizeCost(cost int) int {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return bcrypt.DefaultCost
	}
	return cost
}

func mustHash(s string, cost int) []byte {
	h, err := bcrypt.GenerateFromPassword([]byte(s), cost)
	if err != nil {
		panic(err)
	}
	return h
}
