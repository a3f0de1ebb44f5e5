package errors

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrForbidden is returned when the caller is not authorized for the resource.
	ErrForbidden = errors.New("forbidden")
	// ErrConflict is returned when a write collides with existing state.
	ErrConflict = errors.New("conflict")
	// ErrUnavailable is returned when a dependency is down or a breaker is open.
	ErrUnavailable = errors.New("unavailable")
	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvalidToken is returned when a token is invalid.
	ErrInvalidToken = errors.New("invalid token")
	// ErrTokenExpired is returned when a token has expired.
	ErrTokenExpired = errors.New("token expired")
)

// Realtime registry errors.
var (
	// ErrDuplicateConnection is returned when a connection id is registered twice.
	ErrDuplicateConnection = errors.New("duplicate connection id")
	// ErrUnknownConnection is returned when an operation names a connection the registry does not hold.
	ErrUnknownConnection = errors.New("unknown connection")
	// ErrSendQueueFull is returned when a connection's outbound queue overflows.
	ErrSendQueueFull = errors.New("send queue full")
	// ErrConnectionClosed is returned when sending on a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
)

// Webhook pipeline errors.
var (
	// ErrSignatureMismatch is returned when a payload signature does not verify.
	ErrSignatureMismatch = errors.New("signature mismatch")
	// ErrUnroutableEvent is returned when a payload fits no known envelope shape.
	ErrUnroutableEvent = errors.New("unroutable event")
	// ErrChannelMisconfigured is returned when a channel requires verification but has no secret.
	ErrChannelMisconfigured = errors.New("channel misconfigured")
)

// New creates a new error with the given message.
func New(msg string) error {
	return errors.New(msg)
}

// Wrap wraps an error with additional context, preserving the chain for errors.Is.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// LogWithError logs the error with context and returns a wrapped error. Use this for standardized error logging across components.
func LogWithError(ctx context.Context, log *zap.Logger, msg string, err error, fields ...zap.Field) error {
	if log != nil {
		if ctx != nil {
			if reqID, ok := ctx.Value(requestIDKey{}).(string); ok && reqID != "" {
				fields = append(fields, zap.String("request_id", reqID))
			}
		}
		log.Error(msg, append(fields, zap.Error(err))...)
	}
	return Wrap(err, msg)
}

type requestIDKey struct{}

// WithRequestID stores a request id in the context for LogWithError to pick up.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, id)
}
