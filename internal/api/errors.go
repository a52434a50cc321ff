package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	xerrors "MAHA-Orchestrator/internal/errors"
	"MAHA-Orchestrator/internal/planner"
)

// ErrorBody 是所有失败响应的统一格式。
type ErrorBody struct {
	Error   string            `json:"error"`
	Code    xerrors.Code      `json:"code"`
	Details map[string]string `json:"details,omitempty"`
}

// handleError 把统一错误映射为状态码与 ErrorBody，echo 自身的错误按状态码归类。
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status, body := describe(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			slog.String("method", c.Request().Method),
			slog.String("path", c.Path()),
			slog.String("code", string(body.Code)),
			slog.Any("error", err))
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = c.JSON(status, body)
}

func describe(err error) (int, ErrorBody) {
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) && !isCoded(err) {
		code := xerrors.CodeUnknown
		switch {
		case httpErr.Code == http.StatusNotFound:
			code = xerrors.CodeNotFound
		case httpErr.Code < http.StatusInternalServerError:
			code = xerrors.CodeInvalidArgument
		}
		msg := http.StatusText(httpErr.Code)
		if m, ok := httpErr.Message.(string); ok && m != "" {
			msg = m
		}
		return httpErr.Code, ErrorBody{Error: msg, Code: code}
	}

	e, ok := xerrors.From(err)
	if !ok {
		return http.StatusInternalServerError, ErrorBody{Error: err.Error(), Code: xerrors.CodeUnknown}
	}
	return statusOf(err), ErrorBody{Error: message(e), Code: e.Code(), Details: e.Metadata()}
}

// statusOf 在错误码映射的基础上，把协作方导致的规划失败归为 502。
func statusOf(err error) int {
	if xerrors.CodeOf(err) == planner.CodePlanningFailed &&
		(xerrors.HasCode(err, xerrors.CodeCollaboratorFailure) || xerrors.HasCode(err, xerrors.CodeTimeout)) {
		return http.StatusBadGateway
	}
	return xerrors.HTTPStatusOf(err)
}

func message(e *xerrors.Error) string {
	if cause := e.Unwrap(); cause != nil && e.Message() != "" {
		return e.Message() + ": " + cause.Error()
	}
	if e.Message() == "" {
		return e.Error()
	}
	return e.Message()
}

func isCoded(err error) bool {
	_, ok := xerrors.From(err)
	return ok
}
