package server

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/Bliod-Cook/drome/internal/codec"
	"github.com/Bliod-Cook/drome/internal/mcpclient"
	"github.com/Bliod-Cook/drome/internal/orchestrator"
	"github.com/Bliod-Cook/drome/internal/provider"
	"github.com/Bliod-Cook/drome/internal/upstream"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	codec.WriteJSON(w, status, v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	codec.WriteError(w, status, message)
}

// statusFor maps an operation error to the HTTP status reported to the host.
func statusFor(err error) int {
	var (
		structural *orchestrator.StructuralError
		vendorErr  *upstream.VendorError
		authErr    *upstream.AuthError
		transport  *upstream.TransportError
		connectErr *mcpclient.ConnectError
		toolErr    *mcpclient.ToolError
	)
	switch {
	case errors.As(err, &structural):
		return http.StatusBadRequest
	case errors.Is(err, mcpclient.ErrInvalidArguments):
		return http.StatusBadRequest
	case errors.Is(err, mcpclient.ErrServerNotFound):
		return http.StatusNotFound
	case errors.Is(err, mcpclient.ErrServerDisabled),
		errors.Is(err, mcpclient.ErrCallInFlight),
		errors.Is(err, provider.ErrProviderDisabled):
		return http.StatusConflict
	case errors.As(err, &vendorErr):
		if vendorErr.Status >= 400 {
			return vendorErr.Status
		}
		return http.StatusBadGateway
	case errors.As(err, &authErr), errors.As(err, &transport), errors.As(err, &connectErr), errors.As(err, &toolErr):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// writeErrorFor writes err with its mapped status. Rate-limited vendor
// errors carry their retry hint as Retry-After.
func writeErrorFor(w http.ResponseWriter, err error) {
	var vendorErr *upstream.VendorError
	if errors.As(err, &vendorErr) && vendorErr.RetryAfter > 0 {
		secs := int(math.Ceil(vendorErr.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	writeError(w, statusFor(err), err.Error())
}
