package fairness

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
)

const seedBytes = 32

// Context is the public input combined with the server seed.
// Nonce is omitted from the message when negative.
type Context struct {
	Salt  string
	Nonce int64
}

func NoNonce(salt string) Context {
	return Context{Salt: salt, Nonce: -1}
}

func (c Context) message() string {
	if c.Nonce < 0 {
		return c.Salt
	}
	return c.Salt + "-" + strconv.FormatInt(c.Nonce, 10)
}

// Commit generates a fresh hex server seed and its SHA-256 commitment.
func Commit() (serverSeed, commitmentHash string, err error) {
	buf := make([]byte, seedBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate server seed: %w", err)
	}
	serverSeed = hex.EncodeToString(buf)
	return serverSeed, Hash(serverSeed), nil
}

func Hash(serverSeed string) string {
	sum := sha256.Sum256([]byte(serverSeed))
	return hex.EncodeToString(sum[:])
}

func Verify(serverSeed, commitmentHash string) bool {
	if serverSeed == "" || commitmentHash == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(Hash(serverSeed)), []byte(commitmentHash)) == 1
}

// Digest is HMAC-SHA256 keyed by the server seed, hex encoded.
func Digest(serverSeed string, ctx Context) string {
	mac := hmac.New(sha256.New, []byte(serverSeed))
	mac.Write([]byte(ctx.message()))
	return hex.EncodeToString(mac.Sum(nil))
}

// Uniform maps the first 32 bits of a hex digest into [0,1).
func Uniform(digest string) float64 {
	return float64(hexPrefix(digest, 0, 8)) / (1 << 32)
}

func hexPrefix(digest string, from, to int) uint64 {
	if len(digest) < to {
		return 0
	}
	v, err := strconv.ParseUint(digest[from:to], 16, 64)
	if err != nil {
		return 0
	}
	return v
}

// Roller yields a reproducible stream of uniforms for one salt.
type Roller struct {
	serverSeed string
	salt       string
	nonce      int64
}

func NewRoller(serverSeed, salt string) *Roller {
	return &Roller{serverSeed: serverSeed, salt: salt}
}

func (r *Roller) Next() float64 {
	u := Uniform(Digest(r.serverSeed, Context{Salt: r.salt, Nonce: r.nonce}))
	r.nonce++
	return u
}

// Rolls reports how many values have been drawn.
func (r *Roller) Rolls() int64 {
	return r.nonce
}
