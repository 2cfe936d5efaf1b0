package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	ns = "keyguard"

	LabelOperation = "operation"
	LabelResult    = "result"
	LabelTrigger   = "trigger"
	LabelCategory  = "category"
	LabelEvent     = "event"
	LabelProvider  = "provider"

	ResultSuccess = "success"
	ResultFailure = "failure"

	NonceCollision  = "collision"
	NonceExhaustion = "exhaustion"
)

// Service 进程内的 Prometheus 指标
// 所有方法允许 nil 接收者，未配置指标时组件可以直接传 nil
type Service struct {
	cryptoOperations *prometheus.CounterVec
	rotations        *prometheus.CounterVec
	rotationRetries  prometheus.Counter
	auditAppends     *prometheus.CounterVec
	auditTampering   prometheus.Counter
	nonceEvents      *prometheus.CounterVec
	hsmHealth        *prometheus.GaugeVec
	hsmFallbacks     prometheus.Counter

	secureBuffers atomic.Pointer[func() float64]
}

// New 创建指标并注册到 reg，reg 为 nil 时不注册
func New(reg prometheus.Registerer) *Service {
	f := promauto.With(reg)
	s := &Service{
		cryptoOperations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "crypto", Name: "operations_total",
			Help: "Encrypt and decrypt operations, by operation and result.",
		}, []string{LabelOperation, LabelResult}),
		rotations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "rotation", Name: "executions_total",
			Help: "Key rotations, by trigger and final result.",
		}, []string{LabelTrigger, LabelResult}),
		rotationRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "rotation", Name: "retries_total",
			Help: "Rotation attempts retried after a failure.",
		}),
		auditAppends: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "audit", Name: "appends_total",
			Help: "Audit records appended, by category.",
		}, []string{LabelCategory}),
		auditTampering: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "audit", Name: "tamper_detected_total",
			Help: "Audit records that failed hash chain verification.",
		}),
		nonceEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "nonce", Name: "events_total",
			Help: "Nonce collisions and exhaustion events.",
		}, []string{LabelEvent}),
		hsmHealth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "hsm", Name: "healthy",
			Help: "HSM provider health: 1 healthy, 0.5 degraded, 0 unavailable or unknown.",
		}, []string{LabelProvider}),
		hsmFallbacks: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "hsm", Name: "local_fallbacks_total",
			Help: "Key generations that fell back to local material because the HSM was unavailable.",
		}),
	}

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "securemem", Name: "active_buffers",
		Help: "Secure buffers currently allocated and not yet cleared.",
	}, func() float64 {
		if fn := s.secureBuffers.Load(); fn != nil {
			return (*fn)()
		}
		return 0
	})

	return s
}

func result(err error) string {
	if err != nil {
		return ResultFailure
	}
	return ResultSuccess
}

// CryptoOperation 记录一次加解密操作
func (s *Service) CryptoOperation(operation string, err error) {
	if s == nil {
		return
	}
	s.cryptoOperations.WithLabelValues(operation, result(err)).Inc()
}

// Rotation 记录一次轮换的最终结果
func (s *Service) Rotation(trigger string, err error) {
	if s == nil {
		return
	}
	s.rotations.WithLabelValues(trigger, result(err)).Inc()
}

// RotationRetry 记录一次轮换重试
func (s *Service) RotationRetry() {
	if s == nil {
		return
	}
	s.rotationRetries.Inc()
}

// AuditAppended 记录一条审计追加
func (s *Service) AuditAppended(category string) {
	if s == nil {
		return
	}
	s.auditAppends.WithLabelValues(category).Inc()
}

// TamperDetected 记录一次审计篡改检测
func (s *Service) TamperDetected() {
	if s == nil {
		return
	}
	s.auditTampering.Inc()
}

// NonceEvent 记录 nonce 冲突或耗尽
func (s *Service) NonceEvent(event string) {
	if s == nil {
		return
	}
	s.nonceEvents.WithLabelValues(event).Inc()
}

// HSMHealth 设置 HSM 健康度
func (s *Service) HSMHealth(provider string, value float64) {
	if s == nil {
		return
	}
	s.hsmHealth.WithLabelValues(provider).Set(value)
}

// HSMFallback 记录一次本地回退
func (s *Service) HSMFallback() {
	if s == nil {
		return
	}
	s.hsmFallbacks.Inc()
}

// TrackSecureBuffers 设置活跃安全缓冲区数量的采集函数
func (s *Service) TrackSecureBuffers(fn func() float64) {
	if s == nil || fn == nil {
		return
	}
	s.secureBuffers.Store(&fn)
}
