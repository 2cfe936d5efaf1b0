package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/kashguard/keyguard/internal/kms/storage"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var keyColumns = []string{
	"key_id", "key_type", "algorithm", "key_size_bits", "status", "description", "parent_key_id",
	"security_level", "hsm_provider_id", "hsm_resident", "usage_count", "max_usage_count", "bytes_processed",
	"tags", "created_at", "updated_at", "activated_at", "rotated_at", "expires_at",
}

var rotationColumns = []string{
	"rotation_id", "key_id", "policy_id", "trigger", "reason", "old_version", "new_version", "status",
	"retry_count", "max_retries", "pre_rotation_checksum", "post_rotation_checksum", "error_message",
	"scheduled_at", "started_at", "completed_at", "failed_at",
}

var auditColumns = []string{
	"log_id", "event_type", "event_category", "key_id", "user_id", "session_id", "ip_address",
	"timestamp", "security_level", "risk_score", "result", "details", "log_hash", "previous_hash",
}

func newMockStore(t *testing.T) (storage.Store, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})

	return storage.NewPostgreSQLStore(db), mock
}

func keyRow(status string, now time.Time) *sqlmock.Rows {
	return sqlmock.NewRows(keyColumns).AddRow(
		"kek-1", "KEK", "AES-256-GCM", int64(256), status, "payments", nil,
		"HIGH", nil, false, int64(7), int64(100), int64(4096),
		[]byte(`{"env":"prod"}`), now, now, now, nil, nil,
	)
}

func TestPostgreSQLStore_GetKey(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT .* FROM key_masters WHERE key_id = \$1`).
		WithArgs("kek-1").
		WillReturnRows(keyRow("active", now))

	k, found, err := store.GetKey(context.Background(), "kek-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, storage.KeyTypeKEK, k.KeyType)
	assert.Equal(t, storage.StatusActive, k.Status)
	assert.Equal(t, storage.SecurityLevelHigh, k.SecurityLevel)
	assert.Equal(t, "payments", k.Description)
	assert.Empty(t, k.ParentKeyID)
	assert.Equal(t, int64(100), k.MaxUsageCount)
	assert.Equal(t, map[string]string{"env": "prod"}, k.Tags)
	require.NotNil(t, k.ActivatedAt)
	assert.True(t, now.Equal(*k.ActivatedAt))
	assert.Nil(t, k.RotatedAt)
}

func TestPostgreSQLStore_GetKeyNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT .* FROM key_masters`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(keyColumns))

	k, found, err := store.GetKey(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, k)
}

func TestPostgreSQLStore_CreateKeyDuplicate(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectExec(`INSERT INTO key_masters`).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value"})

	err := store.CreateKey(context.Background(), &storage.KeyMaster{
		KeyID:         "kek-1",
		KeyType:       storage.KeyTypeKEK,
		Algorithm:     "AES-256-GCM",
		KeySizeBits:   256,
		Status:        storage.StatusActive,
		SecurityLevel: storage.SecurityLevelStandard,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrDuplicate)
}

func TestPostgreSQLStore_TransitionKey(t *testing.T) {
	now := time.Now().UTC()

	t.Run("success", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec(`UPDATE key_masters SET`).
			WithArgs("kek-1", "active", "rotated", now).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, store.TransitionKey(context.Background(), "kek-1", storage.StatusActive, storage.StatusRotated, now))
	})

	t.Run("invalid transition never reaches the database", func(t *testing.T) {
		store, _ := newMockStore(t)

		err := store.TransitionKey(context.Background(), "kek-1", storage.StatusRevoked, storage.StatusActive, now)
		assert.ErrorIs(t, err, storage.ErrInvalidTransition)
	})

	t.Run("status changed concurrently", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec(`UPDATE key_masters SET`).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`SELECT .* FROM key_masters`).WillReturnRows(keyRow("revoked", now))

		err := store.TransitionKey(context.Background(), "kek-1", storage.StatusActive, storage.StatusRotated, now)
		assert.ErrorIs(t, err, storage.ErrStatusConflict)
	})

	t.Run("missing key", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec(`UPDATE key_masters SET`).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`SELECT .* FROM key_masters`).WillReturnRows(sqlmock.NewRows(keyColumns))

		err := store.TransitionKey(context.Background(), "kek-1", storage.StatusActive, storage.StatusRotated, now)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("trigger rejects transition", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec(`UPDATE key_masters SET`).
			WillReturnError(&pq.Error{Code: "23514", Message: "invalid key status transition"})

		err := store.TransitionKey(context.Background(), "kek-1", storage.StatusActive, storage.StatusRotated, now)
		assert.ErrorIs(t, err, storage.ErrInvalidTransition)
	})

	t.Run("server message with percent sign", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec(`UPDATE key_masters SET`).
			WillReturnError(&pq.Error{Code: "23514", Message: "status 100% final"})

		err := store.TransitionKey(context.Background(), "kek-1", storage.StatusActive, storage.StatusRotated, now)
		require.ErrorIs(t, err, storage.ErrInvalidTransition)
		assert.Contains(t, err.Error(), "status 100% final")
		assert.NotContains(t, err.Error(), "%!")
	})
}

func TestPostgreSQLStore_RecordUsageLimit(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectExec(`UPDATE key_masters\s+SET usage_count`).
		WithArgs("kek-1", int64(1), int64(32)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT .* FROM key_masters`).WillReturnRows(keyRow("active", now))

	err := store.RecordUsage(context.Background(), "kek-1", 1, 32)
	assert.ErrorIs(t, err, storage.ErrUsageLimitExceeded)
}

func TestPostgreSQLStore_ReleaseUsage(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE key_masters\s+SET usage_count = GREATEST`).
		WithArgs("kek-1", int64(1), int64(32)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.ReleaseUsage(context.Background(), "kek-1", 1, 32))

	mock.ExpectExec(`UPDATE key_masters\s+SET usage_count = GREATEST`).
		WithArgs("missing", int64(1), int64(32)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := store.ReleaseUsage(context.Background(), "missing", 1, 32)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPostgreSQLStore_ActivateVersion(t *testing.T) {
	now := time.Now().UTC()

	t.Run("commits both updates", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec(`UPDATE key_versions SET deactivated_at`).
			WithArgs("kek-1", 1, now).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`UPDATE key_versions SET activated_at`).
			WithArgs("kek-1", 2, now).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		require.NoError(t, store.ActivateVersion(context.Background(), "kek-1", 2, 1, now))
	})

	t.Run("rolls back when previous is not current", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec(`UPDATE key_versions SET deactivated_at`).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		err := store.ActivateVersion(context.Background(), "kek-1", 2, 1, now)
		assert.ErrorIs(t, err, storage.ErrStatusConflict)
	})

	t.Run("frozen version", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec(`UPDATE key_versions SET activated_at`).
			WillReturnError(&pq.Error{Code: "23001", Message: "key version is frozen"})
		mock.ExpectRollback()

		err := store.ActivateVersion(context.Background(), "kek-1", 1, 0, now)
		assert.ErrorIs(t, err, storage.ErrImmutable)
	})
}

func TestPostgreSQLStore_UpdateRotationTerminal(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectExec(`UPDATE key_rotations SET`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT .* FROM key_rotations WHERE rotation_id = \$1`).
		WithArgs("rot-1").
		WillReturnRows(sqlmock.NewRows(rotationColumns).AddRow(
			"rot-1", "kek-1", nil, "MANUAL", "operator request", int64(1), int64(2), "COMPLETED",
			int64(0), int64(3), "pre", "post", nil,
			now, now, now, nil,
		))

	err := store.UpdateRotation(context.Background(), &storage.KeyRotation{
		RotationID:  "rot-1",
		KeyID:       "kek-1",
		Trigger:     storage.TriggerManual,
		OldVersion:  1,
		Status:      storage.RotationFailed,
		ScheduledAt: now,
	})
	assert.ErrorIs(t, err, storage.ErrImmutable)
}

func TestPostgreSQLStore_AppendAuditLog(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("links to chain head", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec(`SELECT pg_advisory_xact_lock\(\$1\)`).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`SELECT log_hash FROM key_audit_logs ORDER BY log_id DESC LIMIT 1`).
			WillReturnRows(sqlmock.NewRows([]string{"log_hash"}).AddRow("head-hash"))
		mock.ExpectQuery(`INSERT INTO key_audit_logs`).
			WillReturnRows(sqlmock.NewRows([]string{"log_id"}).AddRow(int64(42)))
		mock.ExpectCommit()

		rec := &storage.KeyAuditLog{
			EventType:     "KEY_CREATED",
			EventCategory: storage.CategoryLifecycle,
			KeyID:         "kek-1",
			Timestamp:     now,
			SecurityLevel: storage.SecurityLevelStandard,
			Result:        "SUCCESS",
		}

		var seen string
		id, err := store.AppendAuditLog(context.Background(), rec, func(previous string) (string, error) {
			seen = previous
			rec.PreviousHash = previous
			return "new-hash", nil
		})
		require.NoError(t, err)
		assert.Equal(t, int64(42), id)
		assert.Equal(t, "head-hash", seen)
		assert.Equal(t, "new-hash", rec.LogHash)
		assert.Equal(t, int64(42), rec.LogID)
	})

	t.Run("empty chain", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec(`SELECT pg_advisory_xact_lock`).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`SELECT log_hash FROM key_audit_logs`).WillReturnRows(sqlmock.NewRows([]string{"log_hash"}))
		mock.ExpectQuery(`INSERT INTO key_audit_logs`).
			WillReturnRows(sqlmock.NewRows([]string{"log_id"}).AddRow(int64(1)))
		mock.ExpectCommit()

		seen := "unset"
		_, err := store.AppendAuditLog(context.Background(), &storage.KeyAuditLog{EventType: "KEY_CREATED", Timestamp: now},
			func(previous string) (string, error) {
				seen = previous
				return "h1", nil
			})
		require.NoError(t, err)
		assert.Empty(t, seen)
	})

	t.Run("seal failure rolls back", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec(`SELECT pg_advisory_xact_lock`).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`SELECT log_hash FROM key_audit_logs`).WillReturnRows(sqlmock.NewRows([]string{"log_hash"}))
		mock.ExpectRollback()

		_, err := store.AppendAuditLog(context.Background(), &storage.KeyAuditLog{EventType: "KEY_CREATED", Timestamp: now},
			func(string) (string, error) {
				return "", assert.AnError
			})
		require.Error(t, err)
	})
}

func TestPostgreSQLStore_ListAuditLogs(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT .* FROM key_audit_logs WHERE log_id >= \$1 AND key_id = \$2 ORDER BY log_id LIMIT \$3`).
		WithArgs(int64(5), "kek-1", 10).
		WillReturnRows(sqlmock.NewRows(auditColumns).AddRow(
			int64(5), "KEY_ROTATED", "LIFECYCLE", "kek-1", "alice", nil, "10.0.0.1",
			now, "HIGH", int64(40), "SUCCESS", []byte(`{"new_version":"2"}`), "h5", "h4",
		))

	logs, err := store.ListAuditLogs(context.Background(), &storage.AuditFilter{FromID: 5, KeyID: "kek-1", Limit: 10})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, int64(5), logs[0].LogID)
	assert.Equal(t, storage.CategoryLifecycle, logs[0].EventCategory)
	assert.Equal(t, "alice", logs[0].UserID)
	assert.Empty(t, logs[0].SessionID)
	assert.Equal(t, map[string]string{"new_version": "2"}, logs[0].Details)
	assert.Equal(t, "h4", logs[0].PreviousHash)
}

func TestPostgreSQLStore_PreviousAuditLog(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// log_id 7 之前最近的一条是 5，6 因回滚缺失
	mock.ExpectQuery(`SELECT .* FROM key_audit_logs WHERE log_id < \$1 ORDER BY log_id DESC LIMIT 1`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(auditColumns).AddRow(
			int64(5), "KEY_ROTATED", "LIFECYCLE", "kek-1", "alice", nil, "10.0.0.1",
			now, "HIGH", int64(40), "SUCCESS", []byte(`{}`), "h5", "h4",
		))

	rec, found, err := store.PreviousAuditLog(context.Background(), 7)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(5), rec.LogID)
	assert.Equal(t, "h5", rec.LogHash)

	mock.ExpectQuery(`SELECT .* FROM key_audit_logs WHERE log_id < \$1`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(auditColumns))

	_, found, err = store.PreviousAuditLog(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, found)
}
