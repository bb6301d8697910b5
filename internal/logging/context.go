package logging

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type contextKey int

const (
	loggerKey contextKey = iota
	operationIDKey
)

// WithContext returns the logger stored in ctx, or the global logger.
func WithContext(ctx context.Context) *zap.Logger {
	if logger, ok := ctx.Value(loggerKey).(*zap.Logger); ok {
		return logger
	}
	return L()
}

// WithOperation tags ctx with an operation id and a logger carrying it. An
// empty id generates a new one.
func WithOperation(ctx context.Context, op, id string) context.Context {
	if id == "" {
		id = uuid.NewString()
	}
	logger := WithContext(ctx).With(Op(op), zap.String("operation_id", id))
	ctx = context.WithValue(ctx, loggerKey, logger)
	return context.WithValue(ctx, operationIDKey, id)
}

// OperationID returns the operation id stored in ctx.
func OperationID(ctx context.Context) string {
	id, _ := ctx.Value(operationIDKey).(string)
	return id
}

// ForAccount returns a logger for one account's engine.
func ForAccount(segment string) *zap.Logger {
	return L().With(Account(segment))
}
