package keys

import (
	"time"

	"github.com/kashguard/keyguard/internal/kms/storage"
)

// keyView 密钥元数据，不含任何密钥材料
type keyView struct {
	KeyID          string            `json:"key_id"`
	KeyType        string            `json:"key_type"`
	Algorithm      string            `json:"algorithm"`
	KeySizeBits    int               `json:"key_size_bits"`
	Status         string            `json:"status"`
	Description    string            `json:"description,omitempty"`
	ParentKeyID    string            `json:"parent_key_id,omitempty"`
	SecurityLevel  string            `json:"security_level"`
	HSMProviderID  string            `json:"hsm_provider_id,omitempty"`
	HSMResident    bool              `json:"hsm_resident"`
	UsageCount     int64             `json:"usage_count"`
	MaxUsageCount  int64             `json:"max_usage_count,omitempty"`
	BytesProcessed int64             `json:"bytes_processed"`
	Tags           map[string]string `json:"tags,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	ActivatedAt    *time.Time        `json:"activated_at,omitempty"`
	RotatedAt      *time.Time        `json:"rotated_at,omitempty"`
	ExpiresAt      *time.Time        `json:"expires_at,omitempty"`
}

func newKeyView(k *storage.KeyMaster) *keyView {
	return &keyView{
		KeyID:          k.KeyID,
		KeyType:        string(k.KeyType),
		Algorithm:      k.Algorithm,
		KeySizeBits:    k.KeySizeBits,
		Status:         string(k.Status),
		Description:    k.Description,
		ParentKeyID:    k.ParentKeyID,
		SecurityLevel:  string(k.SecurityLevel),
		HSMProviderID:  k.HSMProviderID,
		HSMResident:    k.HSMResident,
		UsageCount:     k.UsageCount,
		MaxUsageCount:  k.MaxUsageCount,
		BytesProcessed: k.BytesProcessed,
		Tags:           k.Tags,
		CreatedAt:      k.CreatedAt,
		ActivatedAt:    k.ActivatedAt,
		RotatedAt:      k.RotatedAt,
		ExpiresAt:      k.ExpiresAt,
	}
}

// versionView 版本元数据，只给出校验和，不返回包装后的密钥
type versionView struct {
	Version       int        `json:"version"`
	KeyChecksum   string     `json:"key_checksum"`
	HSMBacked     bool       `json:"hsm_backed"`
	EntropyScore  float64    `json:"entropy_score"`
	CreatedAt     time.Time  `json:"created_at"`
	ActivatedAt   *time.Time `json:"activated_at,omitempty"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
}

func newVersionView(v *storage.KeyVersion) *versionView {
	return &versionView{
		Version:       v.VersionNumber,
		KeyChecksum:   v.KeyChecksum,
		HSMBacked:     v.HSMHandle != "",
		EntropyScore:  v.EntropyScore,
		CreatedAt:     v.CreatedAt,
		ActivatedAt:   v.ActivatedAt,
		DeactivatedAt: v.DeactivatedAt,
	}
}
