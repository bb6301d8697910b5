package logging

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
	size   int64
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.size += int64(n)
	return n, err
}

// Flush lets streaming handlers push partial responses through the recorder.
func (rw *statusRecorder) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware logs each host request and runs it under an operation id taken
// from X-Request-ID when the extension sends one. observe, when non-nil,
// receives the method, status and duration of every request.
func Middleware(next http.Handler, observe func(method string, status int, d time.Duration)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ctx := WithOperation(r.Context(), "host", r.Header.Get("X-Request-ID"))
		w.Header().Set("X-Request-ID", OperationID(ctx))
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r.WithContext(ctx))

		d := time.Since(start)
		if observe != nil {
			observe(r.Method, rw.status, d)
		}

		logger := WithContext(ctx)
		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("route", r.URL.Path),
			zap.Int("status", rw.status),
			zap.Int64("bytes", rw.size),
			zap.Duration("took", d),
		}
		switch {
		case rw.status >= 500:
			logger.Warn("host request failed", fields...)
		default:
			logger.Info("host request", fields...)
		}
	})
}
