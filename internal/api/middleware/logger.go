// Package middleware 巡检服务使用的 echo 中间件
package middleware

import (
	"time"

	"github.com/kashguard/keyguard/internal/util"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger 为每个请求绑定带 request id 的 logger 并记录请求结果
// 必须放在 echo middleware.RequestID 之后
func Logger(level zerolog.Level) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			res := c.Response()
			start := time.Now()

			reqLog := log.With().
				Str("id", res.Header().Get(echo.HeaderXRequestID)).
				Logger()
			c.SetRequest(req.WithContext(util.WithLogger(req.Context(), reqLog)))

			if err := next(c); err != nil {
				c.Error(err)
			}

			ev := reqLog.WithLevel(level)
			if res.Status >= 500 {
				ev = reqLog.Error()
			}
			ev.Str("method", req.Method).
				Str("path", c.Path()).
				Str("remote_ip", c.RealIP()).
				Int("status", res.Status).
				Int64("bytes_out", res.Size).
				Dur("duration", time.Since(start)).
				Msg("Request handled")

			return nil
		}
	}
}
