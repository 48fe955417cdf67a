package server

import (
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/yourflock/roost-entitlements/internal/auth"
	"github.com/yourflock/roost-entitlements/internal/entitlement"
	"github.com/yourflock/roost-entitlements/internal/metrics"
	"github.com/yourflock/roost-entitlements/internal/telemetry"
)

var statusByCode = map[entitlement.Code]int{
	entitlement.CodeSubscriptionRequired:  http.StatusForbidden,
	entitlement.CodeNoActiveEntitlement:   http.StatusForbidden,
	entitlement.CodeOfflineNotAllowed:     http.StatusForbidden,
	entitlement.CodeForbidden:             http.StatusForbidden,
	entitlement.CodeNoActiveGrant:         http.StatusForbidden,
	entitlement.CodeDeviceNotFound:        http.StatusNotFound,
	entitlement.CodeNotFound:              http.StatusNotFound,
	entitlement.CodeContentUnavailable:    http.StatusNotFound,
	entitlement.CodeDeviceLimitExceeded:   http.StatusConflict,
	entitlement.CodeDownloadLimitExceeded: http.StatusConflict,
	entitlement.CodeInvalidState:          http.StatusConflict,
	entitlement.CodeInvalidToken:          http.StatusUnauthorized,
	entitlement.CodeExpired:               http.StatusGone,
	entitlement.CodeInvalidRequest:        http.StatusBadRequest,
	entitlement.CodeConfiguration:         http.StatusInternalServerError,
}

// statusFor maps a denial code to its HTTP status.
func statusFor(code entitlement.Code) int {
	if st, ok := statusByCode[code]; ok {
		return st
	}
	return http.StatusBadRequest
}

// writeEngineError writes a denial as its mapped 4xx, or any other error as a
// 500 that is logged and reported. op labels the authorization metric.
func (s *Server) writeEngineError(w http.ResponseWriter, log logrus.FieldLogger, op string, err error) {
	if e, ok := entitlement.AsError(err); ok {
		metrics.Authorizations.WithLabelValues(op, string(e.Code)).Inc()
		log.WithField("code", e.Code).Info("request denied")
		auth.WriteError(w, statusFor(e.Code), string(e.Code), e.Message)
		return
	}
	metrics.Authorizations.WithLabelValues(op, "error").Inc()
	log.WithError(err).Error("request failed")
	telemetry.CaptureError(err, map[string]string{"operation": op})
	auth.WriteError(w, http.StatusInternalServerError, "server_error", "internal error")
}
