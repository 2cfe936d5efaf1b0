// Package test 提供巡检服务的测试辅助函数
package test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kashguard/keyguard/internal/api"
	"github.com/kashguard/keyguard/internal/api/httperrors"
	"github.com/kashguard/keyguard/internal/api/router"
	"github.com/kashguard/keyguard/internal/config"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"
)

// Config 内存存储加模拟 HSM，KDF 参数调小以加快测试
func Config() config.Server {
	cfg := config.DefaultServiceConfigFromEnv()
	cfg.KMS.StorageBackend = config.StorageMemory
	cfg.KMS.HSMType = config.HSMSimulator
	cfg.KMS.HSMProviderID = "sim-test"
	cfg.KMS.RootPassphrase = "test root passphrase"
	cfg.KMS.RootSalt = "0123456789abcdef"
	cfg.KMS.RootKDFIterations = 1
	cfg.KMS.KDFMemoryKiB = 1024
	cfg.KMS.KDFThreads = 1
	cfg.KMS.RotationTimeout = 2 * time.Second
	cfg.KMS.RotationRetryInterval = time.Millisecond
	cfg.Audit.HMACSecret = strings.Repeat("a", 32)
	cfg.Inspect.EnableMetrics = true
	cfg.Scheduler.SweepInterval = 10 * time.Millisecond
	return cfg
}

func WithTestServer(t *testing.T, closure func(s *api.Server)) {
	t.Helper()
	WithTestServerConfigurable(t, Config(), closure)
}

// WithTestServerConfigurable 创建并初始化服务器，closure 返回后关闭
func WithTestServerConfigurable(t *testing.T, cfg config.Server, closure func(s *api.Server)) {
	t.Helper()
	ctx := context.Background()

	s, err := api.InitNewServerWithDB(ctx, cfg, nil, t)
	require.NoError(t, err)
	router.Init(s)
	require.True(t, s.Ready())

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		require.NoError(t, s.Shutdown(shutdownCtx))
	}()

	closure(s)
}

// PerformRequest 直接通过 echo 处理请求，不监听端口
func PerformRequest(t *testing.T, s *api.Server, method string, path string, body interface{}, headers http.Header) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}

	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header[k] = v
	}
	if body != nil && req.Header.Get(echo.HeaderContentType) == "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}

	res := httptest.NewRecorder()
	s.Echo.ServeHTTP(res, req)
	return res
}

func ParseResponseBody(t *testing.T, res *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(res.Result().Body).Decode(v))
}

// RequireHTTPError 校验状态码和错误类型
func RequireHTTPError(t *testing.T, res *httptest.ResponseRecorder, httpErr *httperrors.HTTPError) {
	t.Helper()
	require.Equal(t, httpErr.Code, res.Result().StatusCode)

	var got httperrors.HTTPError
	ParseResponseBody(t, res, &got)
	require.Equal(t, httpErr.Code, got.Code)
	require.Equal(t, httpErr.Type, got.Type)
	require.Equal(t, httpErr.Title, got.Title)
}
