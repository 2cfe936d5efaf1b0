package kmserr_test

import (
	"testing"

	"github.com/kashguard/keyguard/internal/kms/kmserr"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want kmserr.Kind
	}{
		{"nil", nil, ""},
		{"validation", kmserr.Validation("bad key length"), kmserr.KindValidation},
		{"wrapped twice", errors.Wrap(kmserr.Security("payload too large"), "encrypt"), kmserr.KindSecurity},
		{"key not found", kmserr.KeyNotFound("key-1"), kmserr.KindKeyNotFound},
		{"version not found", kmserr.VersionNotFound("key-1", 3), kmserr.KindKeyNotFound},
		{"rotation", kmserr.Rotationf("rotation already running for %s", "key-1"), kmserr.KindRotation},
		{"integrity", kmserr.Integrityf("chain broken at %d", 4), kmserr.KindIntegrity},
		{"collision", errors.Wrap(kmserr.ErrNonceCollision, "key-1"), kmserr.KindNonceCollision},
		{"unknown", errors.New("boom"), kmserr.KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, kmserr.KindOf(tt.err))
		})
	}
}

func TestSafeMessageHidesDetails(t *testing.T) {
	err := kmserr.Securityf("key %x is weak", []byte{0x00, 0x01})
	msg := kmserr.SafeMessage(err)
	assert.NotContains(t, msg, "0001")
	assert.Equal(t, "the operation was rejected for security reasons", msg)

	assert.Equal(t, "internal error", kmserr.SafeMessage(errors.New("pq: connection refused")))
	assert.Empty(t, kmserr.SafeMessage(nil))
}
