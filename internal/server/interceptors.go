package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/alfredjeanlab/huddle/internal/rpc"
)

// LoggingInterceptor logs the method name, duration, and error (if any) for every
// unary RPC call.
func LoggingInterceptor(
	ctx context.Context,
	req any,
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	logRPC(info.FullMethod, time.Since(start), err)
	return resp, err
}

// StreamLoggingInterceptor logs every streaming RPC when it ends.
func StreamLoggingInterceptor(
	srv any,
	ss grpc.ServerStream,
	info *grpc.StreamServerInfo,
	handler grpc.StreamHandler,
) error {
	start := time.Now()
	err := handler(srv, ss)
	logRPC(info.FullMethod, time.Since(start), err)
	return err
}

func logRPC(method string, duration time.Duration, err error) {
	if err != nil && status.Code(err) != codes.Canceled {
		slog.Error("rpc completed",
			"method", method,
			"duration", duration,
			"error", err,
		)
		return
	}
	slog.Info("rpc completed",
		"method", method,
		"duration", duration,
	)
}

// RecoveryInterceptor catches panics in downstream handlers, logs the stack
// trace, and returns a codes.Internal error instead of crashing the server.
func RecoveryInterceptor(
	ctx context.Context,
	req any,
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (resp any, err error) {
	defer recoverRPC(info.FullMethod, &err)
	return handler(ctx, req)
}

// StreamRecoveryInterceptor is RecoveryInterceptor for streaming RPCs.
func StreamRecoveryInterceptor(
	srv any,
	ss grpc.ServerStream,
	info *grpc.StreamServerInfo,
	handler grpc.StreamHandler,
) (err error) {
	defer recoverRPC(info.FullMethod, &err)
	return handler(srv, ss)
}

func recoverRPC(method string, err *error) {
	if r := recover(); r != nil {
		slog.Error("panic recovered in gRPC handler",
			"method", method,
			"panic", fmt.Sprintf("%v", r),
			"stack", string(debug.Stack()),
		)
		*err = status.Errorf(codes.Internal, "internal server error")
	}
}

// AuthInterceptor returns a gRPC unary interceptor that checks the
// "authorization" metadata header against the JWT secret or static token. The Health RPC is
// always exempt.
func (s *Server) AuthInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		if info.FullMethod == rpc.HealthMethod {
			return handler(ctx, req)
		}
		if err := s.authorizeRPC(ctx); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamAuthInterceptor is AuthInterceptor for streaming RPCs.
func (s *Server) StreamAuthInterceptor() grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		if err := s.authorizeRPC(ss.Context()); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}

func (s *Server) authorizeRPC(ctx context.Context) error {
	if !s.identity.UsesJWT() && s.authToken == "" {
		return nil
	}

	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing metadata")
	}
	vals := md.Get("authorization")
	if len(vals) == 0 {
		return status.Error(codes.Unauthenticated, "missing authorization header")
	}
	provided := vals[0]
	if !strings.HasPrefix(provided, "Bearer ") {
		return status.Error(codes.Unauthenticated, "invalid authorization scheme")
	}
	provided = strings.TrimPrefix(provided, "Bearer ")

	if s.identity.UsesJWT() {
		if _, err := s.identity.ValidateToken(provided); err != nil {
			return status.Error(codes.Unauthenticated, "invalid token")
		}
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(provided), []byte(s.authToken)) != 1 {
		return status.Error(codes.Unauthenticated, "invalid token")
	}
	return nil
}

// AuthMiddleware wraps an http.Handler and checks the Authorization header for
// a valid Bearer token. When token is empty, auth is disabled and all requests
// pass through. GET /healthz and GET /metrics are always exempt.
func AuthMiddleware(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isOpenEndpoint(r) {
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		if auth == "" {
			if q := r.URL.Query().Get("token"); q != "" {
				auth = "Bearer " + q
			}
		}
		if auth == "" {
			writeError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}

		if !strings.HasPrefix(auth, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "invalid authorization scheme")
			return
		}

		provided := strings.TrimPrefix(auth, "Bearer ")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		next.ServeHTTP(w, r)
	})
}
