// Package identity derives the credential proof a client presents in its
// hello envelope. The proof is an Argon2id key over the shared secret,
// salted with the user ID, so the secret itself never crosses the wire.
package identity

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

var ErrBadCredentials = errors.New("identity: missing user id or secret")

// Argon2idParams controls Argon2id derivation cost.
// MemoryKiB is in KiB as required by argon2.IDKey.
type Argon2idParams struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
	KeyLength   uint32
}

// DefaultParams is tuned for a client-side, once-per-session derivation.
func DefaultParams() Argon2idParams {
	return Argon2idParams{
		MemoryKiB:   32 * 1024, // 32 MiB
		Iterations:  2,
		Parallelism: 1,
		KeyLength:   32,
	}
}

// Proof derives the encoded credential proof for userID and secret.
// Format:
// $argon2id$v=19$m=<mem>,t=<iter>,p=<par>$<proof_b64>
//
// Derivation is deterministic for a given (userID, secret, params) so the
// server can recompute and compare.
func Proof(userID, secret string, p Argon2idParams) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" || secret == "" {
		return "", ErrBadCredentials
	}
	if p.MemoryKiB == 0 || p.Iterations == 0 || p.Parallelism == 0 || p.KeyLength == 0 {
		p = DefaultParams()
	}

	salt := []byte("loom.v1:" + userID)
	key := argon2.IDKey([]byte(secret), salt, p.Iterations, p.MemoryKiB, p.Parallelism, p.KeyLength)

	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s",
		argon2.Version,
		p.MemoryKiB,
		p.Iterations,
		p.Parallelism,
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}
