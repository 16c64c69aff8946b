package httptransport

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/quay/zlog"

	"github.com/cvelab/cvehub"
	"github.com/cvelab/cvehub/pkg/jsonerr"
)

// kindStatus maps error kinds onto HTTP statuses. Anything unmapped is a
// 500.
var kindStatus = []struct {
	kind   cvehub.ErrorKind
	status int
}{
	{cvehub.ErrInvalid, http.StatusBadRequest},
	{cvehub.ErrUnauthorized, http.StatusUnauthorized},
	{cvehub.ErrForbidden, http.StatusForbidden},
	{cvehub.ErrNotFound, http.StatusNotFound},
	{cvehub.ErrConflict, http.StatusConflict},
	{cvehub.ErrLocked, http.StatusLocked},
	{cvehub.ErrTransient, http.StatusServiceUnavailable},
}

// apiError renders err as the standard error body. Internal errors are
// logged with their chain and surfaced with a generic detail.
func apiError(w http.ResponseWriter, r *http.Request, err error) {
	for _, m := range kindStatus {
		if !errors.Is(err, m.kind) {
			continue
		}
		if m.status == http.StatusUnauthorized {
			w.Header().Set("WWW-Authenticate", "Bearer")
		}
		detail := m.kind.Error()
		var ce *cvehub.Error
		if errors.As(err, &ce) && ce.Message != "" {
			detail = ce.Message
		}
		jsonerr.Error(w, &jsonerr.Response{
			Detail:    detail,
			ErrorCode: string(m.kind),
		}, m.status)
		return
	}
	zlog.Error(r.Context()).Err(err).Msg("internal error")
	jsonerr.Error(w, &jsonerr.Response{
		Detail:    "internal server error",
		ErrorCode: string(cvehub.ErrInternal),
	}, http.StatusInternalServerError)
}

// lockedError renders a 423 carrying the current lock holder.
func lockedError(w http.ResponseWriter, err error, lock *cvehub.Lock) {
	detail := "locked"
	var ce *cvehub.Error
	if errors.As(err, &ce) && ce.Message != "" {
		detail = ce.Message
	}
	jsonerr.Error(w, &jsonerr.Response{
		Detail:    detail,
		ErrorCode: string(cvehub.ErrLocked),
		Errors: map[string]any{
			"locked_by":       lock.LockedBy,
			"lock_expires_at": cvehub.ISO8601(lock.LockExpiresAt),
		},
	}, http.StatusLocked)
}

// checkValid runs struct validation, rendering a 422 with the offending
// fields on failure. It reports whether the handler may proceed.
func (s *Server) checkValid(w http.ResponseWriter, req any) bool {
	err := s.validate.Struct(req)
	if err == nil {
		return true
	}
	var verr validator.ValidationErrors
	if !errors.As(err, &verr) {
		jsonerr.Error(w, &jsonerr.Response{
			Detail:    "validation failed",
			ErrorCode: "validation",
		}, http.StatusUnprocessableEntity)
		return false
	}
	fields := make([]map[string]string, 0, len(verr))
	for _, fe := range verr {
		fields = append(fields, map[string]string{
			"field": fe.Field(),
			"rule":  fe.Tag(),
		})
	}
	jsonerr.Error(w, &jsonerr.Response{
		Detail:    "validation failed",
		ErrorCode: "validation",
		Errors:    fields,
	}, http.StatusUnprocessableEntity)
	return false
}
