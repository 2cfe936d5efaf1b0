package util

import (
	"strconv"
	"time"

	"github.com/kashguard/keyguard/internal/kms/kmserr"
	"github.com/labstack/echo/v4"
)

// QueryInt 解析整数查询参数，缺省时返回 defaultVal
func QueryInt(c echo.Context, name string, defaultVal int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return defaultVal, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, kmserr.Validationf("query parameter %s must be a non-negative integer", name)
	}
	return v, nil
}

func QueryInt64(c echo.Context, name string, defaultVal int64) (int64, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return defaultVal, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, kmserr.Validationf("query parameter %s must be a non-negative integer", name)
	}
	return v, nil
}

// QueryDuration 解析 time.ParseDuration 格式的查询参数
func QueryDuration(c echo.Context, name string, defaultVal time.Duration) (time.Duration, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return defaultVal, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v <= 0 {
		return 0, kmserr.Validationf("query parameter %s must be a positive duration", name)
	}
	return v, nil
}

// QueryTime 解析 RFC3339 时间，缺省时返回 nil
func QueryTime(c echo.Context, name string) (*time.Time, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return nil, nil //nolint:nilnil // absent parameter
	}
	v, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, kmserr.Validationf("query parameter %s must be an RFC3339 timestamp", name)
	}
	return &v, nil
}
