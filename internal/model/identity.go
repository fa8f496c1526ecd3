package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

type (
	// Identity is a messaging participant known to this node, either hosted
	// locally or cached from a remote federation peer. The (LocalPart, Domain)
	// pair is unique across all identities.
	Identity struct {
		ID          string    `bson:"_id" json:"id"`
		LocalPart   string    `bson:"local_part" json:"local_part"`
		Domain      string    `bson:"domain" json:"domain"`
		PublicKey   string    `bson:"public_key" json:"public_key"`
		Fingerprint string    `bson:"fingerprint" json:"fingerprint"`
		IsLocal     bool      `bson:"is_local" json:"is_local"`
		LastSeen    time.Time `bson:"last_seen,omitempty" json:"last_seen,omitempty"`
		CreatedAt   time.Time `bson:"created_at" json:"created_at"`
	}
)

// Handle returns the full user@domain handle.
func (i *Identity) Handle() string {
	return i.LocalPart + "@" + i.Domain
}

// KeyFingerprint derives the human-comparable fingerprint of a public key:
// the uppercase SHA-256 hex digest grouped in fours, e.g. "A1B2-C3D4-...".
// Fingerprints are always recomputed from the key, never accepted as input.
func KeyFingerprint(publicKey string) string {
	sum := sha256.Sum256([]byte(publicKey))
	digest := strings.ToUpper(hex.EncodeToString(sum[:]))

	var b strings.Builder
	for i := 0; i < len(digest); i += 4 {
		if i > 0 {
			b.WriteByte('-')
		}
		b.WriteString(digest[i : i+4])
	}
	return b.String()
}
