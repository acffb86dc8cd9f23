// Package payload derives the identity tag embedded into watermarked images.
package payload

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/google/uuid"

	"invisimark/internal/models"
)

// Length is the number of hex characters embedded by the worker.
const Length = 16

type Generator struct {
	secret []byte
}

func New(secret string) (*Generator, error) {
	if secret == "" {
		return nil, errors.New("payload.New: empty secret")
	}
	return &Generator{secret: []byte(secret)}, nil
}

// Derive returns the first Length hex characters of
// HMAC-SHA256(secret, subject ":" jobID).
func (g *Generator) Derive(owner models.Identity, jobID uuid.UUID) string {
	mac := hmac.New(sha256.New, g.secret)
	mac.Write([]byte(owner.Subject + ":" + jobID.String()))
	return hex.EncodeToString(mac.Sum(nil))[:Length]
}
