package server

import (
	"errors"
	"log/slog"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/alfredjeanlab/huddle/internal/model"
)

// httpStatus maps a domain error to its HTTP status code.
func httpStatus(err error) int {
	var (
		ve *model.ValidationError
		nf *model.NotFoundError
		ae *model.AuthorizationError
		te *model.TransportError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.As(err, &nf):
		return http.StatusNotFound
	case errors.As(err, &ae):
		return http.StatusForbidden
	case errors.Is(err, errThrottled):
		return http.StatusTooManyRequests
	case errors.As(err, &te):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeDomainError writes err with its mapped status. Internal errors are
// logged and reported without detail.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	code := httpStatus(err)
	if code == http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, code, "internal server error")
		return
	}
	writeError(w, code, err.Error())
}

// grpcError maps a domain error to a gRPC status error.
func grpcError(err error) error {
	var (
		ve *model.ValidationError
		nf *model.NotFoundError
		ae *model.AuthorizationError
		te *model.TransportError
	)
	switch {
	case errors.As(err, &ve):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.As(err, &nf):
		return status.Error(codes.NotFound, err.Error())
	case errors.As(err, &ae):
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.As(err, &te):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
