// Package httperrors 巡检接口的错误响应
package httperrors

import (
	"fmt"
	"net/http"

	"github.com/kashguard/keyguard/internal/kms/kmserr"
	"github.com/kashguard/keyguard/internal/util"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
)

const (
	TypeGeneric    = "generic"
	TypeBadRequest = "bad_request"
	TypeNotFound   = "not_found"
)

// HTTPError 响应体，Type 取 kmserr.Kind 或上面的通用类型
type HTTPError struct {
	Code    int    `json:"status"`
	Type    string `json:"type"`
	Title   string `json:"title"`
	Details string `json:"detail,omitempty"`
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTPError %d (%s): %s", e.Code, e.Type, e.Title)
}

func NewHTTPError(code int, errorType string, title string) *HTTPError {
	return &HTTPError{Code: code, Type: errorType, Title: title}
}

func NewHTTPErrorWithDetail(code int, errorType string, title string, detail string) *HTTPError {
	return &HTTPError{Code: code, Type: errorType, Title: title, Details: detail}
}

func NewFromEcho(e *echo.HTTPError) *HTTPError {
	return NewHTTPError(e.Code, TypeGeneric, http.StatusText(e.Code))
}

// FromKMSError 按错误类别映射状态码，只暴露安全的错误信息
func FromKMSError(err error) *HTTPError {
	kind := kmserr.KindOf(err)
	code := http.StatusInternalServerError
	switch kind {
	case kmserr.KindValidation:
		code = http.StatusBadRequest
	case kmserr.KindKeyNotFound:
		code = http.StatusNotFound
	case kmserr.KindSecurity:
		code = http.StatusForbidden
	case kmserr.KindNonceExhaustion, kmserr.KindRotation:
		code = http.StatusConflict
	case kmserr.KindIntegrity:
		code = http.StatusUnprocessableEntity
	}
	return NewHTTPError(code, string(kind), kmserr.SafeMessage(err))
}

// HTTPErrorHandler 替换 echo 默认的错误处理
func HTTPErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	log := util.LogFromContext(c.Request().Context())

	var (
		httpErr *HTTPError
		echoErr *echo.HTTPError
	)
	switch {
	case errors.As(err, &httpErr):
	case errors.As(err, &echoErr):
		httpErr = NewFromEcho(echoErr)
	default:
		httpErr = FromKMSError(err)
	}

	if httpErr.Code >= http.StatusInternalServerError {
		log.Error().Err(err).Int("status", httpErr.Code).Msg("Request failed")
	} else {
		log.Debug().Err(err).Int("status", httpErr.Code).Msg("Request rejected")
	}

	var writeErr error
	if c.Request().Method == http.MethodHead {
		writeErr = c.NoContent(httpErr.Code)
	} else {
		writeErr = c.JSON(httpErr.Code, httpErr)
	}
	if writeErr != nil {
		log.Error().Err(writeErr).Msg("Failed to write error response")
	}
}
