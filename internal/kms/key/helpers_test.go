package key_test

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dropbox/godropbox/time2"
	"github.com/kashguard/keyguard/internal/kms/audit"
	"github.com/kashguard/keyguard/internal/kms/encryption"
	"github.com/kashguard/keyguard/internal/kms/hsm"
	"github.com/kashguard/keyguard/internal/kms/hsm/simulator"
	"github.com/kashguard/keyguard/internal/kms/kdf"
	"github.com/kashguard/keyguard/internal/kms/key"
	"github.com/kashguard/keyguard/internal/kms/nonce"
	"github.com/kashguard/keyguard/internal/kms/securemem"
	"github.com/kashguard/keyguard/internal/kms/storage"
	"github.com/kashguard/keyguard/internal/metrics"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

type testEnv struct {
	svc   key.Service
	store storage.Store
	trail audit.Trail
	clock *time2.MockClock
	reg   *prometheus.Registry
	hsm   *gatedHSM
}

type envOption func(*key.Config, *key.Deps, *testEnv)

// withHSM 注入一个已连接的模拟 HSM
func withHSM() envOption {
	return func(_ *key.Config, deps *key.Deps, env *testEnv) {
		sim := simulator.NewAdapter("sim-test", env.clock)
		env.hsm = &gatedHSM{Simulator: sim}
		deps.HSM = env.hsm
	}
}

func withStore(store storage.Store) envOption {
	return func(_ *key.Config, deps *key.Deps, env *testEnv) {
		deps.Store = store
		env.store = store
	}
}

func withConfig(fn func(*key.Config)) envOption {
	return func(cfg *key.Config, _ *key.Deps, _ *testEnv) {
		fn(cfg)
	}
}

func newEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	env := &testEnv{
		store: storage.NewMemoryStore(),
		clock: time2.NewMockClock(epoch),
		reg:   prometheus.NewRegistry(),
	}
	m := metrics.New(env.reg)

	cfg := key.Config{
		RootPassphrase:     []byte("integration root passphrase"),
		RootSalt:           []byte("0123456789abcdef"),
		RotationTimeout:    2 * time.Second,
		RotationMaxRetries: 2,
		RetryInterval:      time.Millisecond,
	}
	deps := key.Deps{
		Store:   env.store,
		KDF:     kdf.New(kdf.Params{Memory: 1024, Threads: 1}),
		Clock:   env.clock,
		Metrics: m,
	}
	for _, opt := range opts {
		opt(&cfg, &deps, env)
	}

	trail, err := audit.NewTrail(deps.Store, bytes.Repeat([]byte{0x5a}, 32), env.clock, m)
	require.NoError(t, err)
	env.trail = trail

	mem := securemem.NewAllocator()
	nonces := nonce.NewManager(nonce.Config{}, env.clock)
	deps.Trail = trail
	deps.Memory = mem
	deps.Nonces = nonces
	deps.Engine = encryption.NewEngine(encryption.Config{}, nonces, mem)

	if env.hsm != nil {
		require.NoError(t, env.hsm.Connect(context.Background()))
	}

	svc, err := key.NewService(cfg, deps)
	require.NoError(t, err)
	env.svc = svc
	return env
}

func (e *testEnv) createKey(t *testing.T, req *key.CreateKeyRequest) *storage.KeyMaster {
	t.Helper()

	k, err := e.svc.CreateMasterKey(context.Background(), req)
	require.NoError(t, err)
	return k
}

// events 返回某个密钥的审计事件类型，按写入顺序
func (e *testEnv) events(t *testing.T, keyID string) []string {
	t.Helper()

	records, err := e.trail.Query(context.Background(), &storage.AuditFilter{KeyID: keyID})
	require.NoError(t, err)

	types := make([]string, 0, len(records))
	for _, r := range records {
		types = append(types, r.EventType)
	}
	return types
}

func (e *testEnv) counter(t *testing.T, name string) float64 {
	t.Helper()

	families, err := e.reg.Gather()
	require.NoError(t, err)

	total := 0.0
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

// gatedHSM 在模拟 HSM 之上注入 GenerateKey 故障与阻塞
type gatedHSM struct {
	simulator.Simulator

	mu       sync.Mutex
	calls    int
	failures int
	block    bool
	entered  chan struct{}
	release  chan struct{}
}

// arm 重置计数，之后前 failures 次调用失败；block 为真时第一次调用阻塞
func (g *gatedHSM) arm(failures int, block bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.calls = 0
	g.failures = failures
	g.block = block
	g.entered = make(chan struct{})
	g.release = make(chan struct{})
}

func (g *gatedHSM) GenerateKey(ctx context.Context, spec *hsm.KeySpec) (string, error) {
	g.mu.Lock()
	g.calls++
	n, block, entered, release := g.calls, g.block, g.entered, g.release
	failures := g.failures
	g.mu.Unlock()

	if block && n == 1 {
		close(entered)
		select {
		case <-release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if n <= failures {
		return "", errors.Wrap(hsm.ErrUnavailable, "injected failure")
	}
	return g.Simulator.GenerateKey(ctx, spec)
}

// flakyStore 让前 n 次 ActivateVersion 失败
type flakyStore struct {
	storage.Store

	mu           sync.Mutex
	failActivate int
}

func (f *flakyStore) ActivateVersion(ctx context.Context, keyID string, version, previous int, at time.Time) error {
	f.mu.Lock()
	if f.failActivate > 0 {
		f.failActivate--
		f.mu.Unlock()
		return errors.New("injected activation failure")
	}
	f.mu.Unlock()
	return f.Store.ActivateVersion(ctx, keyID, version, previous, at)
}
