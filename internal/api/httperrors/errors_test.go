package httperrors_test

import (
	"net/http"
	"testing"

	"github.com/kashguard/keyguard/internal/api/httperrors"
	"github.com/kashguard/keyguard/internal/kms/kmserr"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestFromKMSError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
		typ  string
	}{
		{"validation", kmserr.Validation("limit must be positive"), http.StatusBadRequest, "validation"},
		{"not found", kmserr.KeyNotFound("key-1"), http.StatusNotFound, "key_not_found"},
		{"security", kmserr.Security("key revoked"), http.StatusForbidden, "security"},
		{"rotation", kmserr.Rotationf("rotation already in progress"), http.StatusConflict, "rotation"},
		{"integrity", kmserr.Integrityf("hash mismatch at %d", 4), http.StatusUnprocessableEntity, "integrity"},
		{"unknown", errors.New("connection reset"), http.StatusInternalServerError, "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := httperrors.FromKMSError(errors.Wrap(tt.err, "outer"))
			assert.Equal(t, tt.code, got.Code)
			assert.Equal(t, tt.typ, got.Type)
			assert.Equal(t, kmserr.SafeMessage(tt.err), got.Title)
			assert.NotContains(t, got.Title, "key-1")
		})
	}
}
