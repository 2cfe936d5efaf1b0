package software

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/dropbox/godropbox/time2"
	"github.com/google/uuid"
	"github.com/kashguard/keyguard/internal/kms/hsm"
	"github.com/kashguard/keyguard/internal/kms/storage"
	"github.com/miekg/pkcs11"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	gcmIVSize  = 12
	gcmTagBits = 128
	aesKeySize = 32
)

// Config PKCS#11 连接参数
type Config struct {
	ProviderID  string
	LibraryPath string // 如 /usr/lib/softhsm/libsofthsm2.so
	Slot        uint
	Pin         string
}

// adapter 通过 PKCS#11 访问 SoftHSM 或硬件 HSM
type adapter struct {
	cfg   Config
	clock time2.Clock

	mu      sync.RWMutex
	ctx     *pkcs11.Ctx
	session pkcs11.SessionHandle
}

// NewAdapter 创建新的 PKCS#11 适配器，Connect 之前不会加载库
//
//nolint:ireturn // returning interface is intentional for abstraction
func NewAdapter(cfg Config, clock time2.Clock) (hsm.Adapter, error) {
	if cfg.LibraryPath == "" {
		return nil, errors.New("HSM library path is required, set KMS_HSM_LIBRARY environment variable")
	}
	if cfg.ProviderID == "" {
		cfg.ProviderID = hsm.ProviderPKCS11
	}
	if clock == nil {
		clock = time2.DefaultClock
	}

	return &adapter{cfg: cfg, clock: clock}, nil
}

// Connect 加载库、打开会话并登录
func (a *adapter) Connect(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.ctx != nil {
		return nil
	}

	if _, err := os.Stat(a.cfg.LibraryPath); err != nil {
		return errors.Wrapf(hsm.ErrUnavailable,
			"HSM library file not found at path: %s. "+
				"Please install SoftHSM2 and set KMS_HSM_LIBRARY to the correct library path", a.cfg.LibraryPath)
	}

	ctx := pkcs11.New(a.cfg.LibraryPath)
	if ctx == nil {
		return errors.Wrapf(hsm.ErrUnavailable, "failed to load PKCS#11 library from path: %s", a.cfg.LibraryPath)
	}

	if err := ctx.Initialize(); err != nil {
		ctx.Destroy()
		return errors.Wrapf(hsm.ErrUnavailable, "failed to initialize PKCS#11: %v", err)
	}

	slots, err := ctx.GetSlotList(true)
	if err != nil {
		a.finalize(ctx)
		return errors.Wrapf(hsm.ErrUnavailable, "failed to get PKCS#11 slot list: %v", err)
	}

	slotExists := false
	for _, s := range slots {
		if s == a.cfg.Slot {
			slotExists = true
			break
		}
	}
	if !slotExists {
		a.finalize(ctx)
		return errors.Wrapf(hsm.ErrUnavailable,
			"PKCS#11 slot %d does not exist, available slots: %v. "+
				"Run: softhsm2-util --init-token --slot %d --label 'KMS'", a.cfg.Slot, slots, a.cfg.Slot)
	}

	session, err := ctx.OpenSession(a.cfg.Slot, pkcs11.CKF_SERIAL_SESSION|pkcs11.CKF_RW_SESSION)
	if err != nil {
		a.finalize(ctx)
		return errors.Wrapf(hsm.ErrUnavailable, "failed to open PKCS#11 session on slot %d: %v", a.cfg.Slot, err)
	}

	if err := ctx.Login(session, pkcs11.CKU_USER, a.cfg.Pin); err != nil {
		_ = ctx.CloseSession(session)
		a.finalize(ctx)
		return errors.Wrapf(hsm.ErrUnavailable, "failed to login to PKCS#11: %v", err)
	}

	a.ctx = ctx
	a.session = session
	log.Info().Str("provider_id", a.cfg.ProviderID).Uint("slot", a.cfg.Slot).Msg("Connected to PKCS#11 HSM")
	return nil
}

func (a *adapter) finalize(ctx *pkcs11.Ctx) {
	if err := ctx.Finalize(); err != nil {
		log.Debug().Err(err).Msg("Failed to finalize PKCS#11 context")
	}
	ctx.Destroy()
}

// Disconnect 注销并关闭会话
func (a *adapter) Disconnect(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.ctx == nil {
		return nil
	}

	_ = a.ctx.Logout(a.session)
	_ = a.ctx.CloseSession(a.session)
	a.finalize(a.ctx)
	a.ctx = nil
	a.session = 0
	return nil
}

// sessionLocked 调用方需持有锁
func (a *adapter) sessionLocked() (pkcs11.SessionHandle, error) {
	if a.ctx == nil {
		return 0, errors.Wrap(hsm.ErrUnavailable, "PKCS#11 session not available")
	}
	return a.session, nil
}

// GenerateKey 在 HSM 内生成不可导出的 AES-256 密钥
func (a *adapter) GenerateKey(_ context.Context, keySpec *hsm.KeySpec) (string, error) {
	if keySpec == nil || keySpec.KeyType != hsm.KeyTypeAES256 {
		return "", errors.Wrap(hsm.ErrUnsupported, "only AES_256 keys are generated in the HSM")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	session, err := a.sessionLocked()
	if err != nil {
		return "", err
	}

	label := keySpec.Label
	if label == "" {
		label = generateLabel()
	}
	labelBytes := []byte(label)

	keyTemplate := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_SECRET_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_AES),
		pkcs11.NewAttribute(pkcs11.CKA_VALUE_LEN, aesKeySize),
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
		pkcs11.NewAttribute(pkcs11.CKA_ENCRYPT, true),
		pkcs11.NewAttribute(pkcs11.CKA_DECRYPT, true),
		pkcs11.NewAttribute(pkcs11.CKA_SENSITIVE, true),
		pkcs11.NewAttribute(pkcs11.CKA_EXTRACTABLE, false),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, labelBytes),
		pkcs11.NewAttribute(pkcs11.CKA_ID, labelBytes),
	}

	mech := []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_AES_KEY_GEN, nil)}
	if _, err := a.ctx.GenerateKey(session, mech, keyTemplate); err != nil {
		return "", errors.Wrap(err, "failed to generate key in HSM")
	}

	return buildLabelHandle("secret", label), nil
}

func generateLabel() string {
	return "keyguard-" + uuid.New().String()
}

func buildLabelHandle(class, label string) string {
	return fmt.Sprintf("label:%s:%s", class, label)
}

// Encrypt 使用 CKM_AES_GCM，输出格式 iv || ciphertext || tag
func (a *adapter) Encrypt(_ context.Context, handle string, plaintext, aad []byte) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	session, err := a.sessionLocked()
	if err != nil {
		return nil, err
	}

	objHandle, err := a.resolveHandle(session, handle)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, gcmIVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, errors.Wrap(err, "failed to generate iv")
	}

	params := pkcs11.NewGCMParams(iv, aad, gcmTagBits)
	defer params.Free()

	mech := []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_AES_GCM, params)}
	if err := a.ctx.EncryptInit(session, mech, objHandle); err != nil {
		return nil, errors.Wrap(err, "failed to initialize encryption")
	}

	ciphertext, err := a.ctx.Encrypt(session, plaintext)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encrypt data")
	}

	return append(iv, ciphertext...), nil
}

// Decrypt 解密 Encrypt 的输出
func (a *adapter) Decrypt(_ context.Context, handle string, ciphertext, aad []byte) ([]byte, error) {
	if len(ciphertext) < gcmIVSize+gcmTagBits/8 {
		return nil, errors.New("ciphertext too short")
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	session, err := a.sessionLocked()
	if err != nil {
		return nil, err
	}

	objHandle, err := a.resolveHandle(session, handle)
	if err != nil {
		return nil, err
	}

	params := pkcs11.NewGCMParams(ciphertext[:gcmIVSize], aad, gcmTagBits)
	defer params.Free()

	mech := []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_AES_GCM, params)}
	if err := a.ctx.DecryptInit(session, mech, objHandle); err != nil {
		return nil, errors.Wrap(err, "failed to initialize decryption")
	}

	plaintext, err := a.ctx.Decrypt(session, ciphertext[gcmIVSize:])
	if err != nil {
		return nil, errors.Wrap(err, "failed to decrypt data")
	}

	return plaintext, nil
}

// DeleteKey 在 HSM 内删除密钥
func (a *adapter) DeleteKey(_ context.Context, handle string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	session, err := a.sessionLocked()
	if err != nil {
		return err
	}

	objHandle, err := a.resolveHandle(session, handle)
	if err != nil {
		return err
	}

	if err := a.ctx.DestroyObject(session, objHandle); err != nil {
		return errors.Wrap(err, "failed to delete key from HSM")
	}
	return nil
}

// HealthStatus 通过会话与令牌信息判断健康状态
func (a *adapter) HealthStatus(_ context.Context) (*hsm.Health, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	h := &hsm.Health{Status: storage.HealthHealthy, CheckedAt: a.clock.Now().UTC()}

	if a.ctx == nil {
		h.Status = storage.HealthUnavailable
		h.Detail = "not connected"
		return h, nil
	}

	if _, err := a.ctx.GetSessionInfo(a.session); err != nil {
		h.Status = storage.HealthUnavailable
		h.Detail = err.Error()
		return h, nil
	}

	token, err := a.ctx.GetTokenInfo(a.cfg.Slot)
	if err != nil {
		h.Status = storage.HealthDegraded
		h.Detail = err.Error()
		return h, nil
	}
	if token.Flags&pkcs11.CKF_USER_PIN_LOCKED != 0 {
		h.Status = storage.HealthDegraded
		h.Detail = "user pin locked"
	}
	return h, nil
}

func (a *adapter) Info() hsm.Info {
	return hsm.Info{
		ProviderID:          a.cfg.ProviderID,
		ProviderType:        hsm.ProviderPKCS11,
		SupportedAlgorithms: []string{"AES-256-GCM"},
		MaxKeySizeBits:      aesKeySize * 8,
		SupportsDerivation:  false,
	}
}

func (a *adapter) resolveHandle(session pkcs11.SessionHandle, handle string) (pkcs11.ObjectHandle, error) {
	if strings.HasPrefix(handle, "label:") {
		parts := strings.SplitN(handle, ":", 3)
		if len(parts) != 3 {
			return 0, errors.New("invalid label handle format")
		}
		return a.findObjectByLabel(session, classFromString(parts[1]), parts[2])
	}

	var objHandle pkcs11.ObjectHandle
	if _, err := fmt.Sscanf(handle, "%d", &objHandle); err != nil {
		return 0, errors.Wrap(err, "invalid key handle")
	}
	return objHandle, nil
}

func classFromString(class string) uint {
	switch class {
	case "private":
		return pkcs11.CKO_PRIVATE_KEY
	case "public":
		return pkcs11.CKO_PUBLIC_KEY
	default:
		return pkcs11.CKO_SECRET_KEY
	}
}

func (a *adapter) findObjectByLabel(session pkcs11.SessionHandle, class uint, label string) (pkcs11.ObjectHandle, error) {
	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, class),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, []byte(label)),
	}

	if err := a.ctx.FindObjectsInit(session, template); err != nil {
		return 0, errors.Wrap(err, "failed to initialize object search")
	}

	handles, _, err := a.ctx.FindObjects(session, 1)
	if err != nil {
		_ = a.ctx.FindObjectsFinal(session)
		return 0, errors.Wrap(err, "failed to find objects")
	}
	if err := a.ctx.FindObjectsFinal(session); err != nil {
		return 0, errors.Wrap(err, "failed to finalize object search")
	}

	if len(handles) == 0 {
		return 0, errors.Wrapf(hsm.ErrHandleNotFound, "label %s", label)
	}

	return handles[0], nil
}
