package payload

import (
	"encoding/hex"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"invisimark/internal/models"
)

func TestDerive(t *testing.T) {
	g, err := New("test-secret")
	require.NoError(t, err)

	owner := models.Identity{Subject: "u1", Email: "u1@example.com"}
	id := uuid.MustParse("6f1c2b8e-3c9a-4a57-9d43-0b3c1a7e2f10")

	p := g.Derive(owner, id)
	assert.Len(t, p, Length)
	_, err = hex.DecodeString(p)
	assert.NoError(t, err)

	t.Run("deterministic", func(t *testing.T) {
		assert.Equal(t, p, g.Derive(owner, id))
		// email is not part of the derivation
		assert.Equal(t, p, g.Derive(models.Identity{Subject: "u1"}, id))
	})
	t.Run("depends on owner", func(t *testing.T) {
		assert.NotEqual(t, p, g.Derive(models.Identity{Subject: "u2"}, id))
	})
	t.Run("depends on job", func(t *testing.T) {
		assert.NotEqual(t, p, g.Derive(owner, uuid.New()))
	})
	t.Run("depends on secret", func(t *testing.T) {
		other, err := New("other-secret")
		require.NoError(t, err)
		assert.NotEqual(t, p, other.Derive(owner, id))
	})
}

func TestNewRejectsEmptySecret(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}
