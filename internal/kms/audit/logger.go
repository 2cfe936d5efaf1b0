package audit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/dropbox/godropbox/time2"
	"github.com/kashguard/keyguard/internal/kms/kmserr"
	"github.com/kashguard/keyguard/internal/kms/storage"
	"github.com/kashguard/keyguard/internal/metrics"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// MinHMACKeySize 审计 HMAC 密钥的最小长度
const MinHMACKeySize = 32

const verifyPageSize = 500

// Trail 只追加、哈希链接的审计日志
type Trail interface {
	// Append 追加一条记录并返回 log_id
	Append(ctx context.Context, event *Event) (int64, error)
	// VerifyIntegrity 重新计算单条记录的哈希
	VerifyIntegrity(ctx context.Context, logID int64) (bool, error)
	// VerifyChain 校验 [from, to] 范围的哈希与链接，to 为 0 表示到链尾
	VerifyChain(ctx context.Context, from, to int64) (*VerifyResult, error)
	Query(ctx context.Context, filter *storage.AuditFilter) ([]*storage.KeyAuditLog, error)
}

type trail struct {
	repo    storage.AuditRepository
	key     *memguard.Enclave
	clock   time2.Clock
	metrics *metrics.Service

	// 同一进程内的追加串行化，跨进程由存储层保证
	mu sync.Mutex
}

// NewTrail 创建审计日志，hmacKey 会被复制进加密内存并清零
//
//nolint:ireturn // returning interface is intentional for abstraction
func NewTrail(repo storage.AuditRepository, hmacKey []byte, clock time2.Clock, m *metrics.Service) (Trail, error) {
	if len(hmacKey) < MinHMACKeySize {
		return nil, kmserr.Validationf("audit hmac key must be at least %d bytes", MinHMACKeySize)
	}
	if clock == nil {
		clock = time2.DefaultClock
	}

	return &trail{
		repo:    repo,
		key:     memguard.NewEnclave(hmacKey),
		clock:   clock,
		metrics: m,
	}, nil
}

// hashInput 参与哈希的字段，字段顺序固定，log_id 不参与
type hashInput struct {
	EventType     string            `json:"event_type"`
	EventCategory string            `json:"event_category"`
	KeyID         string            `json:"key_id"`
	UserID        string            `json:"user_id"`
	SessionID     string            `json:"session_id"`
	IPAddress     string            `json:"ip_address"`
	Timestamp     string            `json:"timestamp"`
	SecurityLevel string            `json:"security_level"`
	RiskScore     int               `json:"risk_score"`
	Result        string            `json:"result"`
	Details       map[string]string `json:"details"`
	PreviousHash  string            `json:"previous_hash"`
}

func (t *trail) computeHash(rec *storage.KeyAuditLog) (string, error) {
	details := rec.Details
	if details == nil {
		details = map[string]string{}
	}

	data, err := json.Marshal(hashInput{
		EventType:     rec.EventType,
		EventCategory: string(rec.EventCategory),
		KeyID:         rec.KeyID,
		UserID:        rec.UserID,
		SessionID:     rec.SessionID,
		IPAddress:     rec.IPAddress,
		Timestamp:     rec.Timestamp.UTC().Format(time.RFC3339Nano),
		SecurityLevel: string(rec.SecurityLevel),
		RiskScore:     rec.RiskScore,
		Result:        rec.Result,
		Details:       details,
		PreviousHash:  rec.PreviousHash,
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to encode audit record")
	}

	buf, err := t.key.Open()
	if err != nil {
		return "", errors.Wrap(kmserr.ErrMemorySecurity, "failed to open audit hmac key")
	}
	defer buf.Destroy()

	mac := hmac.New(sha256.New, buf.Bytes())
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Append 追加审计记录
func (t *trail) Append(ctx context.Context, event *Event) (int64, error) {
	if event == nil || event.EventType == "" {
		return 0, kmserr.Validation("audit event type is required")
	}

	rec := t.newRecord(ctx, event)

	t.mu.Lock()
	defer t.mu.Unlock()

	id, err := t.repo.AppendAuditLog(ctx, rec, func(previous string) (string, error) {
		if previous == "" {
			previous = GenesisHash
		}
		rec.PreviousHash = previous
		return t.computeHash(rec)
	})
	if err != nil {
		log.Error().Err(err).Str("event_type", rec.EventType).Str("key_id", rec.KeyID).Msg("Failed to append audit record")
		return 0, errors.Wrap(err, "failed to append audit record")
	}

	t.metrics.AuditAppended(string(rec.EventCategory))
	log.Debug().Int64("log_id", id).Str("event_type", rec.EventType).Str("key_id", rec.KeyID).Msg("Appended audit record")

	return id, nil
}

func (t *trail) newRecord(ctx context.Context, event *Event) *storage.KeyAuditLog {
	category := event.Category
	if category == "" {
		category = storage.CategoryLifecycle
	}
	level := event.SecurityLevel
	if level == "" {
		level = storage.SecurityLevelStandard
	}
	result := event.Result
	if result == "" {
		result = ResultSuccess
	}

	var actor Actor
	if event.Actor != nil {
		actor = *event.Actor
	} else if a, ok := ActorFromContext(ctx); ok {
		actor = a
	}

	details := make(map[string]string, len(event.Details))
	for k, v := range event.Details {
		details[k] = v
	}

	return &storage.KeyAuditLog{
		EventType:     event.EventType,
		EventCategory: category,
		KeyID:         event.KeyID,
		UserID:        actor.UserID,
		SessionID:     actor.SessionID,
		IPAddress:     actor.IPAddress,
		Timestamp:     t.clock.Now().UTC().Truncate(time.Microsecond),
		SecurityLevel: level,
		RiskScore:     RiskScore(event.EventType, result, level),
		Result:        result,
		Details:       details,
	}
}

func (t *trail) verifyRecord(rec *storage.KeyAuditLog) (bool, error) {
	expected, err := t.computeHash(rec)
	if err != nil {
		return false, err
	}
	return hmac.Equal([]byte(expected), []byte(rec.LogHash)), nil
}

// VerifyIntegrity 校验单条记录
func (t *trail) VerifyIntegrity(ctx context.Context, logID int64) (bool, error) {
	rec, found, err := t.repo.GetAuditLog(ctx, logID)
	if err != nil {
		return false, errors.Wrap(err, "failed to load audit record")
	}
	if !found {
		return false, errors.Wrapf(storage.ErrNotFound, "audit record %d", logID)
	}

	ok, err := t.verifyRecord(rec)
	if err != nil {
		return false, err
	}
	if !ok {
		t.tamperDetected(ctx, logID, "hash mismatch")
	}
	return ok, nil
}

// VerifyChain 按 log_id 顺序分页校验
func (t *trail) VerifyChain(ctx context.Context, from, to int64) (*VerifyResult, error) {
	if from < 1 {
		from = 1
	}
	if to > 0 && to < from {
		return nil, kmserr.Validationf("invalid audit range %d..%d", from, to)
	}

	// 区间的第一条记录也要与它之前的记录相连，之前没有记录时应指向创世哈希
	previous := GenesisHash
	if from > 1 {
		prev, found, err := t.repo.PreviousAuditLog(ctx, from)
		if err != nil {
			return nil, errors.Wrap(err, "failed to load preceding audit record")
		}
		if found {
			previous = prev.LogHash
		}
	}

	result := &VerifyResult{Valid: true}

	cursor := from
	for {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(err, "audit verification canceled")
		}

		page, err := t.repo.ListAuditLogs(ctx, &storage.AuditFilter{FromID: cursor, ToID: to, Limit: verifyPageSize})
		if err != nil {
			return nil, errors.Wrap(err, "failed to list audit records")
		}

		for _, rec := range page {
			ok, err := t.verifyRecord(rec)
			if err != nil {
				return nil, err
			}

			reason := ""
			switch {
			case !ok:
				reason = "hash mismatch"
			case rec.PreviousHash != previous:
				reason = "broken link"
			}
			if reason != "" {
				result.Valid = false
				result.FirstBrokenID = rec.LogID
				t.tamperDetected(ctx, rec.LogID, reason)
				return result, nil
			}

			previous = rec.LogHash
			result.Checked++
			cursor = rec.LogID + 1
		}

		if len(page) < verifyPageSize {
			return result, nil
		}
	}
}

// tamperDetected 记录篡改：critical 日志、指标和 SECURITY 事件
func (t *trail) tamperDetected(ctx context.Context, logID int64, reason string) {
	log.Error().Str("severity", "critical").Int64("log_id", logID).Str("reason", reason).Msg("Audit log tampering detected")
	t.metrics.TamperDetected()

	_, err := t.Append(ctx, &Event{
		EventType:     EventIntegrityViolation,
		Category:      storage.CategorySecurity,
		SecurityLevel: storage.SecurityLevelMaximum,
		Result:        ResultFailure,
		Details: map[string]string{
			"log_id": strconv.FormatInt(logID, 10),
			"reason": reason,
		},
	})
	if err != nil {
		log.Error().Err(err).Int64("log_id", logID).Msg("Failed to record audit integrity violation")
	}
}

// Query 只读查询
func (t *trail) Query(ctx context.Context, filter *storage.AuditFilter) ([]*storage.KeyAuditLog, error) {
	logs, err := t.repo.ListAuditLogs(ctx, filter)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query audit records")
	}
	return logs, nil
}
