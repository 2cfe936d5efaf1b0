package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aarondl/null/v8"
	"github.com/volatiletech/sqlboiler/v4/boil"
	"github.com/volatiletech/sqlboiler/v4/queries"
	"github.com/volatiletech/sqlboiler/v4/types"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// auditLockID 审计追加使用的事务级咨询锁
const auditLockID = int64(7253419850117263021)

// DB 数据库句柄，*sql.DB 满足该接口
type DB interface {
	boil.ContextExecutor
	boil.ContextBeginner
	PingContext(ctx context.Context) error
}

// postgresqlStore 实现 PostgreSQL 存储后端
type postgresqlStore struct {
	db DB
}

// NewPostgreSQLStore 创建新的 PostgreSQL 存储后端
//
//nolint:ireturn // returning interface is intentional for abstraction
func NewPostgreSQLStore(db DB) Store {
	return &postgresqlStore{db: db}
}

func (s *postgresqlStore) Ping(ctx context.Context) error {
	return errors.Wrap(s.db.PingContext(ctx), "failed to ping database")
}

// mapError 将 PostgreSQL 错误码映射为仓库错误
func mapError(err error, format string, args ...interface{}) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505": // unique_violation
			return errors.Wrapf(ErrDuplicate, format, args...)
		case "23503": // foreign_key_violation
			return errors.Wrapf(ErrNotFound, format, args...)
		case "23514": // check_violation
			return errors.WithMessage(errors.Wrapf(ErrInvalidTransition, format, args...), pqErr.Message)
		case "23001": // restrict_violation
			return errors.Wrapf(ErrImmutable, format, args...)
		}
	}
	return errors.Wrapf(err, format, args...)
}

// withTx 在事务中执行 fn，fn 返回错误时回滚
func (s *postgresqlStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Error().Err(rbErr).Msg("Failed to roll back transaction")
		}
		return err
	}

	return errors.Wrap(tx.Commit(), "failed to commit transaction")
}

type whereBuilder struct {
	conds []string
	args  []interface{}
}

// add 追加条件，cond 中的 %d 替换为参数序号
func (w *whereBuilder) add(cond string, arg interface{}) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, fmt.Sprintf(cond, len(w.args)))
}

func (w *whereBuilder) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func (w *whereBuilder) page(limit, offset int) string {
	var b strings.Builder
	if limit > 0 {
		w.args = append(w.args, limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(w.args))
	}
	if offset > 0 {
		w.args = append(w.args, offset)
		fmt.Fprintf(&b, " OFFSET $%d", len(w.args))
	}
	return b.String()
}

func nullString(s string) null.String {
	if s == "" {
		return null.String{}
	}
	return null.StringFrom(s)
}

func nullInt64(i int64) null.Int64 {
	if i == 0 {
		return null.Int64{}
	}
	return null.Int64From(i)
}

func nullInt(i int) null.Int {
	if i == 0 {
		return null.Int{}
	}
	return null.IntFrom(i)
}

func jsonOr(j types.JSON, fallback string) types.JSON {
	if len(j) == 0 {
		return types.JSON(fallback)
	}
	return j
}

func utcPtr(t null.Time) *time.Time {
	if !t.Valid {
		return nil
	}
	u := t.Time.UTC()
	return &u
}

// ---- key_masters ----

const keyColumns = `key_id, key_type, algorithm, key_size_bits, status, description, parent_key_id,
	security_level, hsm_provider_id, hsm_resident, usage_count, max_usage_count, bytes_processed,
	tags, created_at, updated_at, activated_at, rotated_at, expires_at`

type keyRow struct {
	KeyID          string      `boil:"key_id"`
	KeyType        string      `boil:"key_type"`
	Algorithm      string      `boil:"algorithm"`
	KeySizeBits    int         `boil:"key_size_bits"`
	Status         string      `boil:"status"`
	Description    null.String `boil:"description"`
	ParentKeyID    null.String `boil:"parent_key_id"`
	SecurityLevel  string      `boil:"security_level"`
	HSMProviderID  null.String `boil:"hsm_provider_id"`
	HSMResident    bool        `boil:"hsm_resident"`
	UsageCount     int64       `boil:"usage_count"`
	MaxUsageCount  null.Int64  `boil:"max_usage_count"`
	BytesProcessed int64       `boil:"bytes_processed"`
	Tags           null.JSON   `boil:"tags"`
	CreatedAt      time.Time   `boil:"created_at"`
	UpdatedAt      time.Time   `boil:"updated_at"`
	ActivatedAt    null.Time   `boil:"activated_at"`
	RotatedAt      null.Time   `boil:"rotated_at"`
	ExpiresAt      null.Time   `boil:"expires_at"`
}

func (r *keyRow) toKey() (*KeyMaster, error) {
	k := &KeyMaster{
		KeyID:          r.KeyID,
		KeyType:        KeyType(r.KeyType),
		Algorithm:      r.Algorithm,
		KeySizeBits:    r.KeySizeBits,
		Status:         KeyStatus(r.Status),
		Description:    r.Description.String,
		ParentKeyID:    r.ParentKeyID.String,
		SecurityLevel:  SecurityLevel(r.SecurityLevel),
		HSMProviderID:  r.HSMProviderID.String,
		HSMResident:    r.HSMResident,
		UsageCount:     r.UsageCount,
		MaxUsageCount:  r.MaxUsageCount.Int64,
		BytesProcessed: r.BytesProcessed,
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
		ActivatedAt:    utcPtr(r.ActivatedAt),
		RotatedAt:      utcPtr(r.RotatedAt),
		ExpiresAt:      utcPtr(r.ExpiresAt),
	}
	if r.Tags.Valid {
		if err := r.Tags.Unmarshal(&k.Tags); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal tags")
		}
	}
	return k, nil
}

// CreateKey 保存密钥主记录
func (s *postgresqlStore) CreateKey(ctx context.Context, key *KeyMaster) error {
	var tags null.JSON
	if key.Tags != nil {
		data, err := json.Marshal(key.Tags)
		if err != nil {
			return errors.Wrap(err, "failed to marshal tags")
		}
		tags = null.JSONFrom(data)
	}

	_, err := queries.Raw(`INSERT INTO key_masters (`+keyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		key.KeyID,
		string(key.KeyType),
		key.Algorithm,
		key.KeySizeBits,
		string(key.Status),
		nullString(key.Description),
		nullString(key.ParentKeyID),
		string(key.SecurityLevel),
		nullString(key.HSMProviderID),
		key.HSMResident,
		key.UsageCount,
		nullInt64(key.MaxUsageCount),
		key.BytesProcessed,
		tags,
		key.CreatedAt,
		key.UpdatedAt,
		null.TimeFromPtr(key.ActivatedAt),
		null.TimeFromPtr(key.RotatedAt),
		null.TimeFromPtr(key.ExpiresAt),
	).ExecContext(ctx, s.db)
	if err != nil {
		return mapError(err, "failed to insert key %s", key.KeyID)
	}
	return nil
}

// GetKey 获取密钥主记录
func (s *postgresqlStore) GetKey(ctx context.Context, keyID string) (*KeyMaster, bool, error) {
	var row keyRow
	err := queries.Raw(`SELECT `+keyColumns+` FROM key_masters WHERE key_id = $1`, keyID).Bind(ctx, s.db, &row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, errors.Wrap(err, "failed to get key")
	}

	k, err := row.toKey()
	if err != nil {
		return nil, false, err
	}
	return k, true, nil
}

// ListKeys 按创建时间升序列出密钥
func (s *postgresqlStore) ListKeys(ctx context.Context, filter *KeyFilter) ([]*KeyMaster, error) {
	if filter == nil {
		filter = &KeyFilter{}
	}

	w := &whereBuilder{}
	if filter.KeyType != "" {
		w.add("key_type = $%d", string(filter.KeyType))
	}
	if filter.Status != "" {
		w.add("status = $%d", string(filter.Status))
	}
	if filter.ParentKeyID != "" {
		w.add("parent_key_id = $%d", filter.ParentKeyID)
	}
	if filter.SecurityLevel != "" {
		w.add("security_level = $%d", string(filter.SecurityLevel))
	}
	if filter.ExpiresBefore != nil {
		w.add("expires_at < $%d", *filter.ExpiresBefore)
	}

	query := `SELECT ` + keyColumns + ` FROM key_masters` + w.String() + ` ORDER BY created_at, key_id`
	query += w.page(filter.Limit, filter.Offset)

	var rows []*keyRow
	if err := queries.Raw(query, w.args...).Bind(ctx, s.db, &rows); err != nil {
		return nil, errors.Wrap(err, "failed to list keys")
	}

	result := make([]*KeyMaster, 0, len(rows))
	for _, row := range rows {
		k, err := row.toKey()
		if err != nil {
			return nil, err
		}
		result = append(result, k)
	}
	return result, nil
}

// TransitionKey 检查并设置密钥状态
func (s *postgresqlStore) TransitionKey(ctx context.Context, keyID string, from, to KeyStatus, at time.Time) error {
	if !from.CanTransitionTo(to) {
		return errors.Wrapf(ErrInvalidTransition, "%s -> %s", from, to)
	}

	res, err := queries.Raw(`UPDATE key_masters SET
			status = $3::text,
			updated_at = $4::timestamptz,
			activated_at = CASE WHEN $3::text = 'active' THEN $4::timestamptz ELSE activated_at END,
			rotated_at = CASE WHEN $3::text = 'rotated' THEN $4::timestamptz ELSE rotated_at END,
			usage_count = CASE WHEN $3::text = 'rotated' THEN 0 ELSE usage_count END,
			bytes_processed = CASE WHEN $3::text = 'rotated' THEN 0 ELSE bytes_processed END,
			expires_at = CASE WHEN $3::text = 'expired' AND (expires_at IS NULL OR expires_at > $4::timestamptz)
				THEN $4::timestamptz ELSE expires_at END
		WHERE key_id = $1 AND status = $2`,
		keyID, string(from), string(to), at,
	).ExecContext(ctx, s.db)
	if err != nil {
		return mapError(err, "failed to transition key %s", keyID)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if n == 1 {
		return nil
	}

	k, found, err := s.GetKey(ctx, keyID)
	if err != nil {
		return err
	}
	if !found {
		return errors.Wrapf(ErrNotFound, "key %s", keyID)
	}
	return errors.Wrapf(ErrStatusConflict, "key %s is %s, expected %s", keyID, k.Status, from)
}

// RecordUsage 累加使用计数
func (s *postgresqlStore) RecordUsage(ctx context.Context, keyID string, operations, bytes int64) error {
	res, err := queries.Raw(`UPDATE key_masters
		SET usage_count = usage_count + $2, bytes_processed = bytes_processed + $3
		WHERE key_id = $1 AND (max_usage_count IS NULL OR usage_count + $2 <= max_usage_count)`,
		keyID, operations, bytes,
	).ExecContext(ctx, s.db)
	if err != nil {
		return mapError(err, "failed to record usage for key %s", keyID)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if n == 1 {
		return nil
	}

	_, found, err := s.GetKey(ctx, keyID)
	if err != nil {
		return err
	}
	if !found {
		return errors.Wrapf(ErrNotFound, "key %s", keyID)
	}
	return errors.Wrapf(ErrUsageLimitExceeded, "key %s", keyID)
}

// ReleaseUsage 回退使用计数
func (s *postgresqlStore) ReleaseUsage(ctx context.Context, keyID string, operations, bytes int64) error {
	res, err := queries.Raw(`UPDATE key_masters
		SET usage_count = GREATEST(usage_count - $2, 0), bytes_processed = GREATEST(bytes_processed - $3, 0)
		WHERE key_id = $1`,
		keyID, operations, bytes,
	).ExecContext(ctx, s.db)
	if err != nil {
		return mapError(err, "failed to release usage for key %s", keyID)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if n == 0 {
		return errors.Wrapf(ErrNotFound, "key %s", keyID)
	}
	return nil
}

// ---- key_versions ----

const versionColumns = `key_id, version_number, encrypted_key, hsm_handle, key_checksum,
	encryption_metadata, entropy_score, created_at, activated_at, deactivated_at`

type versionRow struct {
	KeyID              string      `boil:"key_id"`
	VersionNumber      int         `boil:"version_number"`
	EncryptedKey       null.Bytes  `boil:"encrypted_key"`
	HSMHandle          null.String `boil:"hsm_handle"`
	KeyChecksum        string      `boil:"key_checksum"`
	EncryptionMetadata types.JSON  `boil:"encryption_metadata"`
	EntropyScore       float64     `boil:"entropy_score"`
	CreatedAt          time.Time   `boil:"created_at"`
	ActivatedAt        null.Time   `boil:"activated_at"`
	DeactivatedAt      null.Time   `boil:"deactivated_at"`
}

func (r *versionRow) toVersion() *KeyVersion {
	return &KeyVersion{
		KeyID:              r.KeyID,
		VersionNumber:      r.VersionNumber,
		EncryptedKey:       r.EncryptedKey.Bytes,
		HSMHandle:          r.HSMHandle.String,
		KeyChecksum:        r.KeyChecksum,
		EncryptionMetadata: r.EncryptionMetadata,
		EntropyScore:       r.EntropyScore,
		CreatedAt:          r.CreatedAt.UTC(),
		ActivatedAt:        utcPtr(r.ActivatedAt),
		DeactivatedAt:      utcPtr(r.DeactivatedAt),
	}
}

// CreateVersion 保存新的密钥版本
func (s *postgresqlStore) CreateVersion(ctx context.Context, v *KeyVersion) error {
	var encrypted null.Bytes
	if len(v.EncryptedKey) > 0 {
		encrypted = null.BytesFrom(v.EncryptedKey)
	}

	_, err := queries.Raw(`INSERT INTO key_versions (`+versionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		v.KeyID,
		v.VersionNumber,
		encrypted,
		nullString(v.HSMHandle),
		v.KeyChecksum,
		jsonOr(v.EncryptionMetadata, "{}"),
		v.EntropyScore,
		v.CreatedAt,
		null.TimeFromPtr(v.ActivatedAt),
		null.TimeFromPtr(v.DeactivatedAt),
	).ExecContext(ctx, s.db)
	if err != nil {
		return mapError(err, "failed to insert key %s version %d", v.KeyID, v.VersionNumber)
	}
	return nil
}

func (s *postgresqlStore) getVersion(ctx context.Context, query string, args ...interface{}) (*KeyVersion, bool, error) {
	var row versionRow
	if err := queries.Raw(query, args...).Bind(ctx, s.db, &row); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, errors.Wrap(err, "failed to get key version")
	}
	return row.toVersion(), true, nil
}

// GetVersion 获取指定版本
func (s *postgresqlStore) GetVersion(ctx context.Context, keyID string, version int) (*KeyVersion, bool, error) {
	return s.getVersion(ctx, `SELECT `+versionColumns+` FROM key_versions WHERE key_id = $1 AND version_number = $2`, keyID, version)
}

// GetCurrentVersion 获取当前版本
func (s *postgresqlStore) GetCurrentVersion(ctx context.Context, keyID string) (*KeyVersion, bool, error) {
	return s.getVersion(ctx, `SELECT `+versionColumns+` FROM key_versions
		WHERE key_id = $1 AND activated_at IS NOT NULL AND deactivated_at IS NULL
		ORDER BY activated_at DESC, version_number DESC LIMIT 1`, keyID)
}

// LatestVersionNumber 返回已分配的最大版本号
func (s *postgresqlStore) LatestVersionNumber(ctx context.Context, keyID string) (int, error) {
	var latest int
	err := queries.Raw(`SELECT COALESCE(MAX(version_number), 0) FROM key_versions WHERE key_id = $1`, keyID).
		QueryRowContext(ctx, s.db).Scan(&latest)
	if err != nil {
		return 0, errors.Wrap(err, "failed to get latest version number")
	}
	return latest, nil
}

// ListVersions 按版本号升序列出
func (s *postgresqlStore) ListVersions(ctx context.Context, keyID string) ([]*KeyVersion, error) {
	var rows []*versionRow
	err := queries.Raw(`SELECT `+versionColumns+` FROM key_versions WHERE key_id = $1 ORDER BY version_number`, keyID).
		Bind(ctx, s.db, &rows)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list key versions")
	}

	result := make([]*KeyVersion, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toVersion())
	}
	return result, nil
}

// ActivateVersion 在同一事务中停用旧版本并激活新版本
func (s *postgresqlStore) ActivateVersion(ctx context.Context, keyID string, version, previous int, at time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if previous > 0 {
			res, err := queries.Raw(`UPDATE key_versions SET deactivated_at = $3
				WHERE key_id = $1 AND version_number = $2 AND activated_at IS NOT NULL AND deactivated_at IS NULL`,
				keyID, previous, at,
			).ExecContext(ctx, tx)
			if err != nil {
				return mapError(err, "failed to deactivate key %s version %d", keyID, previous)
			}
			if n, _ := res.RowsAffected(); n != 1 {
				return errors.Wrapf(ErrStatusConflict, "key %s version %d is not current", keyID, previous)
			}
		}

		res, err := queries.Raw(`UPDATE key_versions SET activated_at = $3
			WHERE key_id = $1 AND version_number = $2 AND activated_at IS NULL AND deactivated_at IS NULL`,
			keyID, version, at,
		).ExecContext(ctx, tx)
		if err != nil {
			return mapError(err, "failed to activate key %s version %d", keyID, version)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return errors.Wrapf(ErrImmutable, "key %s version %d cannot be activated", keyID, version)
		}
		return nil
	})
}

// DiscardVersion 停用未激活的版本
func (s *postgresqlStore) DiscardVersion(ctx context.Context, keyID string, version int, at time.Time) error {
	res, err := queries.Raw(`UPDATE key_versions SET deactivated_at = $3
		WHERE key_id = $1 AND version_number = $2 AND activated_at IS NULL AND deactivated_at IS NULL`,
		keyID, version, at,
	).ExecContext(ctx, s.db)
	if err != nil {
		return mapError(err, "failed to discard key %s version %d", keyID, version)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return errors.Wrapf(ErrImmutable, "key %s version %d cannot be discarded", keyID, version)
	}
	return nil
}

// ---- rotation_policies ----

const policyColumns = `policy_id, name, key_type, rotation_interval_days, max_operations, max_data_volume_mb,
	max_key_age_days, window_start_hour, window_end_hour, notify_days_before, notification_channel,
	auto_rotate, max_retries, enabled, created_at, updated_at`

type policyRow struct {
	PolicyID             string      `boil:"policy_id"`
	Name                 string      `boil:"name"`
	KeyType              string      `boil:"key_type"`
	RotationIntervalDays null.Int    `boil:"rotation_interval_days"`
	MaxOperations        null.Int64  `boil:"max_operations"`
	MaxDataVolumeMB      null.Int64  `boil:"max_data_volume_mb"`
	MaxKeyAgeDays        null.Int    `boil:"max_key_age_days"`
	WindowStartHour      null.Int    `boil:"window_start_hour"`
	WindowEndHour        null.Int    `boil:"window_end_hour"`
	NotifyDaysBefore     int         `boil:"notify_days_before"`
	NotificationChannel  null.String `boil:"notification_channel"`
	AutoRotate           bool        `boil:"auto_rotate"`
	MaxRetries           int         `boil:"max_retries"`
	Enabled              bool        `boil:"enabled"`
	CreatedAt            time.Time   `boil:"created_at"`
	UpdatedAt            time.Time   `boil:"updated_at"`
}

func (r *policyRow) toPolicy() *RotationPolicy {
	return &RotationPolicy{
		PolicyID:             r.PolicyID,
		Name:                 r.Name,
		KeyType:              KeyType(r.KeyType),
		RotationIntervalDays: r.RotationIntervalDays.Int,
		MaxOperations:        r.MaxOperations.Int64,
		MaxDataVolumeMB:      r.MaxDataVolumeMB.Int64,
		MaxKeyAgeDays:        r.MaxKeyAgeDays.Int,
		WindowStartHour:      r.WindowStartHour.Ptr(),
		WindowEndHour:        r.WindowEndHour.Ptr(),
		NotifyDaysBefore:     r.NotifyDaysBefore,
		NotificationChannel:  r.NotificationChannel.String,
		AutoRotate:           r.AutoRotate,
		MaxRetries:           r.MaxRetries,
		Enabled:              r.Enabled,
		CreatedAt:            r.CreatedAt.UTC(),
		UpdatedAt:            r.UpdatedAt.UTC(),
	}
}

func policyArgs(p *RotationPolicy) []interface{} {
	return []interface{}{
		p.PolicyID,
		p.Name,
		string(p.KeyType),
		nullInt(p.RotationIntervalDays),
		nullInt64(p.MaxOperations),
		nullInt64(p.MaxDataVolumeMB),
		nullInt(p.MaxKeyAgeDays),
		null.IntFromPtr(p.WindowStartHour),
		null.IntFromPtr(p.WindowEndHour),
		p.NotifyDaysBefore,
		nullString(p.NotificationChannel),
		p.AutoRotate,
		p.MaxRetries,
		p.Enabled,
		p.CreatedAt,
		p.UpdatedAt,
	}
}

// CreatePolicy 保存轮换策略
func (s *postgresqlStore) CreatePolicy(ctx context.Context, p *RotationPolicy) error {
	_, err := queries.Raw(`INSERT INTO rotation_policies (`+policyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		policyArgs(p)...,
	).ExecContext(ctx, s.db)
	if err != nil {
		return mapError(err, "failed to insert policy %s", p.PolicyID)
	}
	return nil
}

// GetPolicy 获取轮换策略
func (s *postgresqlStore) GetPolicy(ctx context.Context, policyID string) (*RotationPolicy, bool, error) {
	var row policyRow
	err := queries.Raw(`SELECT `+policyColumns+` FROM rotation_policies WHERE policy_id = $1`, policyID).Bind(ctx, s.db, &row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, errors.Wrap(err, "failed to get policy")
	}
	return row.toPolicy(), true, nil
}

// UpdatePolicy 更新轮换策略
func (s *postgresqlStore) UpdatePolicy(ctx context.Context, p *RotationPolicy) error {
	res, err := queries.Raw(`UPDATE rotation_policies SET
			name = $2, key_type = $3, rotation_interval_days = $4, max_operations = $5,
			max_data_volume_mb = $6, max_key_age_days = $7, window_start_hour = $8, window_end_hour = $9,
			notify_days_before = $10, notification_channel = $11, auto_rotate = $12, max_retries = $13,
			enabled = $14, updated_at = $15
		WHERE policy_id = $1`,
		append(policyArgs(p)[:14], p.UpdatedAt)...,
	).ExecContext(ctx, s.db)
	if err != nil {
		return mapError(err, "failed to update policy %s", p.PolicyID)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return errors.Wrapf(ErrNotFound, "policy %s", p.PolicyID)
	}
	return nil
}

// ListPolicies 列出轮换策略
func (s *postgresqlStore) ListPolicies(ctx context.Context, filter *PolicyFilter) ([]*RotationPolicy, error) {
	if filter == nil {
		filter = &PolicyFilter{}
	}

	w := &whereBuilder{}
	if filter.KeyType != "" {
		w.add("key_type = $%d", string(filter.KeyType))
	}
	if filter.EnabledOnly {
		w.add("enabled = $%d", true)
	}

	var rows []*policyRow
	err := queries.Raw(`SELECT `+policyColumns+` FROM rotation_policies`+w.String()+` ORDER BY policy_id`, w.args...).
		Bind(ctx, s.db, &rows)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list policies")
	}

	result := make([]*RotationPolicy, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toPolicy())
	}
	return result, nil
}

// ---- key_rotations ----

const rotationColumns = `rotation_id, key_id, policy_id, trigger, reason, old_version, new_version, status,
	retry_count, max_retries, pre_rotation_checksum, post_rotation_checksum, error_message,
	scheduled_at, started_at, completed_at, failed_at`

type rotationRow struct {
	RotationID           string      `boil:"rotation_id"`
	KeyID                string      `boil:"key_id"`
	PolicyID             null.String `boil:"policy_id"`
	Trigger              string      `boil:"trigger"`
	Reason               null.String `boil:"reason"`
	OldVersion           int         `boil:"old_version"`
	NewVersion           null.Int    `boil:"new_version"`
	Status               string      `boil:"status"`
	RetryCount           int         `boil:"retry_count"`
	MaxRetries           int         `boil:"max_retries"`
	PreRotationChecksum  null.String `boil:"pre_rotation_checksum"`
	PostRotationChecksum null.String `boil:"post_rotation_checksum"`
	ErrorMessage         null.String `boil:"error_message"`
	ScheduledAt          time.Time   `boil:"scheduled_at"`
	StartedAt            null.Time   `boil:"started_at"`
	CompletedAt          null.Time   `boil:"completed_at"`
	FailedAt             null.Time   `boil:"failed_at"`
}

func (r *rotationRow) toRotation() *KeyRotation {
	return &KeyRotation{
		RotationID:           r.RotationID,
		KeyID:                r.KeyID,
		PolicyID:             r.PolicyID.String,
		Trigger:              RotationTrigger(r.Trigger),
		Reason:               r.Reason.String,
		OldVersion:           r.OldVersion,
		NewVersion:           r.NewVersion.Ptr(),
		Status:               RotationStatus(r.Status),
		RetryCount:           r.RetryCount,
		MaxRetries:           r.MaxRetries,
		PreRotationChecksum:  r.PreRotationChecksum.String,
		PostRotationChecksum: r.PostRotationChecksum.String,
		ErrorMessage:         r.ErrorMessage.String,
		ScheduledAt:          r.ScheduledAt.UTC(),
		StartedAt:            utcPtr(r.StartedAt),
		CompletedAt:          utcPtr(r.CompletedAt),
		FailedAt:             utcPtr(r.FailedAt),
	}
}

func rotationArgs(r *KeyRotation) []interface{} {
	return []interface{}{
		r.RotationID,
		r.KeyID,
		nullString(r.PolicyID),
		string(r.Trigger),
		nullString(r.Reason),
		r.OldVersion,
		null.IntFromPtr(r.NewVersion),
		string(r.Status),
		r.RetryCount,
		r.MaxRetries,
		nullString(r.PreRotationChecksum),
		nullString(r.PostRotationChecksum),
		nullString(r.ErrorMessage),
		r.ScheduledAt,
		null.TimeFromPtr(r.StartedAt),
		null.TimeFromPtr(r.CompletedAt),
		null.TimeFromPtr(r.FailedAt),
	}
}

// CreateRotation 保存轮换记录
func (s *postgresqlStore) CreateRotation(ctx context.Context, r *KeyRotation) error {
	_, err := queries.Raw(`INSERT INTO key_rotations (`+rotationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		rotationArgs(r)...,
	).ExecContext(ctx, s.db)
	if err != nil {
		return mapError(err, "failed to insert rotation %s", r.RotationID)
	}
	return nil
}

// GetRotation 获取轮换记录
func (s *postgresqlStore) GetRotation(ctx context.Context, rotationID string) (*KeyRotation, bool, error) {
	var row rotationRow
	err := queries.Raw(`SELECT `+rotationColumns+` FROM key_rotations WHERE rotation_id = $1`, rotationID).Bind(ctx, s.db, &row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, errors.Wrap(err, "failed to get rotation")
	}
	return row.toRotation(), true, nil
}

// UpdateRotation 更新非终态的轮换记录
func (s *postgresqlStore) UpdateRotation(ctx context.Context, r *KeyRotation) error {
	res, err := queries.Raw(`UPDATE key_rotations SET
			key_id = $2, policy_id = $3, trigger = $4, reason = $5, old_version = $6, new_version = $7,
			status = $8, retry_count = $9, max_retries = $10, pre_rotation_checksum = $11,
			post_rotation_checksum = $12, error_message = $13, scheduled_at = $14, started_at = $15,
			completed_at = $16, failed_at = $17
		WHERE rotation_id = $1 AND status NOT IN ('COMPLETED', 'FAILED')`,
		rotationArgs(r)...,
	).ExecContext(ctx, s.db)
	if err != nil {
		return mapError(err, "failed to update rotation %s", r.RotationID)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	_, found, err := s.GetRotation(ctx, r.RotationID)
	if err != nil {
		return err
	}
	if !found {
		return errors.Wrapf(ErrNotFound, "rotation %s", r.RotationID)
	}
	return errors.Wrapf(ErrImmutable, "rotation %s is terminal", r.RotationID)
}

// ListRotations 按计划时间降序列出轮换记录
func (s *postgresqlStore) ListRotations(ctx context.Context, filter *RotationFilter) ([]*KeyRotation, error) {
	if filter == nil {
		filter = &RotationFilter{}
	}

	w := &whereBuilder{}
	if filter.KeyID != "" {
		w.add("key_id = $%d", filter.KeyID)
	}
	if filter.Status != "" {
		w.add("status = $%d", string(filter.Status))
	}
	if filter.Since != nil {
		w.add("scheduled_at >= $%d", *filter.Since)
	}

	query := `SELECT ` + rotationColumns + ` FROM key_rotations` + w.String() + ` ORDER BY scheduled_at DESC, rotation_id DESC`
	query += w.page(filter.Limit, 0)

	var rows []*rotationRow
	if err := queries.Raw(query, w.args...).Bind(ctx, s.db, &rows); err != nil {
		return nil, errors.Wrap(err, "failed to list rotations")
	}

	result := make([]*KeyRotation, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toRotation())
	}
	return result, nil
}

// ---- hsm_configurations ----

const hsmColumns = `provider_id, provider_type, supported_algorithms, max_key_size_bits, supports_derivation,
	health_status, health_detail, last_health_check, dual_auth_required, audit_all, allow_local_fallback,
	created_at, updated_at`

type hsmRow struct {
	ProviderID          string      `boil:"provider_id"`
	ProviderType        string      `boil:"provider_type"`
	SupportedAlgorithms types.JSON  `boil:"supported_algorithms"`
	MaxKeySizeBits      int         `boil:"max_key_size_bits"`
	SupportsDerivation  bool        `boil:"supports_derivation"`
	HealthStatus        string      `boil:"health_status"`
	HealthDetail        null.String `boil:"health_detail"`
	LastHealthCheck     null.Time   `boil:"last_health_check"`
	DualAuthRequired    bool        `boil:"dual_auth_required"`
	AuditAll            bool        `boil:"audit_all"`
	AllowLocalFallback  bool        `boil:"allow_local_fallback"`
	CreatedAt           time.Time   `boil:"created_at"`
	UpdatedAt           time.Time   `boil:"updated_at"`
}

func (r *hsmRow) toConfig() (*HSMConfiguration, error) {
	c := &HSMConfiguration{
		ProviderID:         r.ProviderID,
		ProviderType:       r.ProviderType,
		MaxKeySizeBits:     r.MaxKeySizeBits,
		SupportsDerivation: r.SupportsDerivation,
		HealthStatus:       HealthStatus(r.HealthStatus),
		HealthDetail:       r.HealthDetail.String,
		LastHealthCheck:    utcPtr(r.LastHealthCheck),
		DualAuthRequired:   r.DualAuthRequired,
		AuditAll:           r.AuditAll,
		AllowLocalFallback: r.AllowLocalFallback,
		CreatedAt:          r.CreatedAt.UTC(),
		UpdatedAt:          r.UpdatedAt.UTC(),
	}
	if len(r.SupportedAlgorithms) > 0 {
		if err := r.SupportedAlgorithms.Unmarshal(&c.SupportedAlgorithms); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal supported algorithms")
		}
	}
	return c, nil
}

// SaveHSMConfig 保存或覆盖 HSM 配置
func (s *postgresqlStore) SaveHSMConfig(ctx context.Context, c *HSMConfiguration) error {
	algorithms := c.SupportedAlgorithms
	if algorithms == nil {
		algorithms = []string{}
	}
	var algJSON types.JSON
	if err := algJSON.Marshal(algorithms); err != nil {
		return errors.Wrap(err, "failed to marshal supported algorithms")
	}

	_, err := queries.Raw(`INSERT INTO hsm_configurations (`+hsmColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (provider_id) DO UPDATE SET
			provider_type = EXCLUDED.provider_type,
			supported_algorithms = EXCLUDED.supported_algorithms,
			max_key_size_bits = EXCLUDED.max_key_size_bits,
			supports_derivation = EXCLUDED.supports_derivation,
			health_status = EXCLUDED.health_status,
			health_detail = EXCLUDED.health_detail,
			last_health_check = EXCLUDED.last_health_check,
			dual_auth_required = EXCLUDED.dual_auth_required,
			audit_all = EXCLUDED.audit_all,
			allow_local_fallback = EXCLUDED.allow_local_fallback,
			updated_at = EXCLUDED.updated_at`,
		c.ProviderID,
		c.ProviderType,
		algJSON,
		c.MaxKeySizeBits,
		c.SupportsDerivation,
		string(c.HealthStatus),
		nullString(c.HealthDetail),
		null.TimeFromPtr(c.LastHealthCheck),
		c.DualAuthRequired,
		c.AuditAll,
		c.AllowLocalFallback,
		c.CreatedAt,
		c.UpdatedAt,
	).ExecContext(ctx, s.db)
	if err != nil {
		return mapError(err, "failed to save hsm configuration %s", c.ProviderID)
	}
	return nil
}

// GetHSMConfig 获取 HSM 配置
func (s *postgresqlStore) GetHSMConfig(ctx context.Context, providerID string) (*HSMConfiguration, bool, error) {
	var row hsmRow
	err := queries.Raw(`SELECT `+hsmColumns+` FROM hsm_configurations WHERE provider_id = $1`, providerID).Bind(ctx, s.db, &row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, errors.Wrap(err, "failed to get hsm configuration")
	}
	c, err := row.toConfig()
	if err != nil {
		return nil, false, err
	}
	return c, true, nil
}

// ListHSMConfigs 列出 HSM 配置
func (s *postgresqlStore) ListHSMConfigs(ctx context.Context) ([]*HSMConfiguration, error) {
	var rows []*hsmRow
	if err := queries.Raw(`SELECT `+hsmColumns+` FROM hsm_configurations ORDER BY provider_id`).Bind(ctx, s.db, &rows); err != nil {
		return nil, errors.Wrap(err, "failed to list hsm configurations")
	}

	result := make([]*HSMConfiguration, 0, len(rows))
	for _, row := range rows {
		c, err := row.toConfig()
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, nil
}

// UpdateHSMHealth 更新 HSM 健康状态
func (s *postgresqlStore) UpdateHSMHealth(ctx context.Context, providerID string, status HealthStatus, detail string, at time.Time) error {
	res, err := queries.Raw(`UPDATE hsm_configurations
		SET health_status = $2, health_detail = $3, last_health_check = $4, updated_at = $4
		WHERE provider_id = $1`,
		providerID, string(status), nullString(detail), at,
	).ExecContext(ctx, s.db)
	if err != nil {
		return mapError(err, "failed to update hsm health %s", providerID)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return errors.Wrapf(ErrNotFound, "hsm %s", providerID)
	}
	return nil
}

// ---- key_audit_logs ----

const auditColumns = `log_id, event_type, event_category, key_id, user_id, session_id, ip_address,
	timestamp, security_level, risk_score, result, details, log_hash, previous_hash`

type auditRow struct {
	LogID         int64       `boil:"log_id"`
	EventType     string      `boil:"event_type"`
	EventCategory string      `boil:"event_category"`
	KeyID         null.String `boil:"key_id"`
	UserID        null.String `boil:"user_id"`
	SessionID     null.String `boil:"session_id"`
	IPAddress     null.String `boil:"ip_address"`
	Timestamp     time.Time   `boil:"timestamp"`
	SecurityLevel string      `boil:"security_level"`
	RiskScore     int         `boil:"risk_score"`
	Result        string      `boil:"result"`
	Details       types.JSON  `boil:"details"`
	LogHash       string      `boil:"log_hash"`
	PreviousHash  string      `boil:"previous_hash"`
}

func (r *auditRow) toAudit() (*KeyAuditLog, error) {
	a := &KeyAuditLog{
		LogID:         r.LogID,
		EventType:     r.EventType,
		EventCategory: EventCategory(r.EventCategory),
		KeyID:         r.KeyID.String,
		UserID:        r.UserID.String,
		SessionID:     r.SessionID.String,
		IPAddress:     r.IPAddress.String,
		Timestamp:     r.Timestamp.UTC(),
		SecurityLevel: SecurityLevel(r.SecurityLevel),
		RiskScore:     r.RiskScore,
		Result:        r.Result,
		LogHash:       r.LogHash,
		PreviousHash:  r.PreviousHash,
	}
	if len(r.Details) > 0 {
		if err := r.Details.Unmarshal(&a.Details); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal audit details")
		}
	}
	return a, nil
}

// AppendAuditLog 在咨询锁保护的事务中读取链尾并插入新记录
func (s *postgresqlStore) AppendAuditLog(ctx context.Context, rec *KeyAuditLog, seal SealFunc) (int64, error) {
	details := rec.Details
	if details == nil {
		details = map[string]string{}
	}
	var detailsJSON types.JSON
	if err := detailsJSON.Marshal(details); err != nil {
		return 0, errors.Wrap(err, "failed to marshal audit details")
	}

	var logID int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := queries.Raw(`SELECT pg_advisory_xact_lock($1)`, auditLockID).ExecContext(ctx, tx); err != nil {
			return errors.Wrap(err, "failed to acquire audit lock")
		}

		var previous string
		err := queries.Raw(`SELECT log_hash FROM key_audit_logs ORDER BY log_id DESC LIMIT 1`).
			QueryRowContext(ctx, tx).Scan(&previous)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return errors.Wrap(err, "failed to read audit chain head")
		}

		hash, err := seal(previous)
		if err != nil {
			return errors.Wrap(err, "failed to seal audit record")
		}
		rec.LogHash = hash

		err = queries.Raw(`INSERT INTO key_audit_logs (event_type, event_category, key_id, user_id, session_id,
				ip_address, timestamp, security_level, risk_score, result, details, log_hash, previous_hash)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			RETURNING log_id`,
			rec.EventType,
			string(rec.EventCategory),
			nullString(rec.KeyID),
			nullString(rec.UserID),
			nullString(rec.SessionID),
			nullString(rec.IPAddress),
			rec.Timestamp,
			string(rec.SecurityLevel),
			rec.RiskScore,
			rec.Result,
			detailsJSON,
			rec.LogHash,
			rec.PreviousHash,
		).QueryRowContext(ctx, tx).Scan(&logID)
		if err != nil {
			return mapError(err, "failed to insert audit record")
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	rec.LogID = logID
	return logID, nil
}

// GetAuditLog 获取审计记录
func (s *postgresqlStore) GetAuditLog(ctx context.Context, logID int64) (*KeyAuditLog, bool, error) {
	var row auditRow
	err := queries.Raw(`SELECT `+auditColumns+` FROM key_audit_logs WHERE log_id = $1`, logID).Bind(ctx, s.db, &row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, errors.Wrap(err, "failed to get audit record")
	}
	a, err := row.toAudit()
	if err != nil {
		return nil, false, err
	}
	return a, true, nil
}

// PreviousAuditLog 获取 beforeID 之前的最后一条审计记录，log_id 可能因回滚留下空洞
func (s *postgresqlStore) PreviousAuditLog(ctx context.Context, beforeID int64) (*KeyAuditLog, bool, error) {
	var row auditRow
	err := queries.Raw(`SELECT `+auditColumns+` FROM key_audit_logs WHERE log_id < $1 ORDER BY log_id DESC LIMIT 1`, beforeID).
		Bind(ctx, s.db, &row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, errors.Wrap(err, "failed to get previous audit record")
	}
	a, err := row.toAudit()
	if err != nil {
		return nil, false, err
	}
	return a, true, nil
}

// ListAuditLogs 按 log_id 升序列出审计记录
func (s *postgresqlStore) ListAuditLogs(ctx context.Context, filter *AuditFilter) ([]*KeyAuditLog, error) {
	if filter == nil {
		filter = &AuditFilter{}
	}

	w := &whereBuilder{}
	if filter.FromID > 0 {
		w.add("log_id >= $%d", filter.FromID)
	}
	if filter.ToID > 0 {
		w.add("log_id <= $%d", filter.ToID)
	}
	if filter.KeyID != "" {
		w.add("key_id = $%d", filter.KeyID)
	}
	if filter.EventType != "" {
		w.add("event_type = $%d", filter.EventType)
	}
	if filter.Category != "" {
		w.add("event_category = $%d", string(filter.Category))
	}
	if filter.Since != nil {
		w.add("timestamp >= $%d", *filter.Since)
	}
	if filter.Until != nil {
		w.add("timestamp <= $%d", *filter.Until)
	}

	query := `SELECT ` + auditColumns + ` FROM key_audit_logs` + w.String() + ` ORDER BY log_id`
	query += w.page(filter.Limit, 0)

	var rows []*auditRow
	if err := queries.Raw(query, w.args...).Bind(ctx, s.db, &rows); err != nil {
		return nil, errors.Wrap(err, "failed to list audit records")
	}

	result := make([]*KeyAuditLog, 0, len(rows))
	for _, row := range rows {
		a, err := row.toAudit()
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, nil
}
