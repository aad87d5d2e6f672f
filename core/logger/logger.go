package logger

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Type for the context keys
type contextKeyRequestLoggerType struct{}

var contextKeyRequestLogger = &contextKeyRequestLoggerType{}

const (
	requestIDLoggerKey string = "requestID"
	identityLoggerKey  string = "identity"

	// RequestIDHeader carries the request ID across process boundaries
	RequestIDHeader = "Kurbisio-Request-Id"
)

// InitLogger sets up the custom time formatter for all log statements.
func InitLogger(logLevel logrus.Level) {
	customFormatter := new(logrus.TextFormatter)
	customFormatter.TimestampFormat = "2006-01-02 15:04:05"
	customFormatter.FullTimestamp = true
	logrus.SetFormatter(customFormatter)
	logrus.SetLevel(logLevel)
}

// ParseLevel parses a log level name. Unknown names fall back to info.
func ParseLevel(level string) logrus.Level {
	l, err := logrus.ParseLevel(level)
	if err != nil {
		logrus.WithError(err).Warnf("unknown log level %q, using info", level)
		return logrus.InfoLevel
	}
	return l
}

// AddRequestID adds a logger to every request. The request ID is taken from the
// Kurbisio-Request-Id header if present, otherwise a new one is generated.
func AddRequestID(router *mux.Router) {
	reqID := func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if id := r.Header.Get(RequestIDHeader); len(id) > 0 {
				ctx, _ = ContextWithRequestID(ctx, id)
			} else {
				ctx, _ = ContextWithLogger(ctx)
			}
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	}
	router.Use(reqID)
}

// Default returns a logger without a request ID.
func Default() *logrus.Entry {
	return logrus.NewEntry(logrus.StandardLogger())
}

// ContextWithLogger returns a new context with a logger if the given context has no logger yet. If
// the context already has a logger the given context will be returned.
func ContextWithLogger(ctx context.Context) (context.Context, *logrus.Entry) {
	if ctx == nil {
		ctx = context.Background()
	} else {
		rlog := loggerFromContext(ctx)
		if rlog != nil {
			return ctx, rlog
		}
	}
	id, _ := uuid.NewUUID()
	rlog := logrus.WithField(requestIDLoggerKey, id.String())
	return context.WithValue(ctx, contextKeyRequestLogger, rlog), rlog
}

// ContextWithRequestID returns a new context with a logger for a known request ID. Any
// logger already present in ctx is replaced.
func ContextWithRequestID(ctx context.Context, requestID string) (context.Context, *logrus.Entry) {
	if ctx == nil {
		ctx = context.Background()
	}
	rlog := logrus.WithField(requestIDLoggerKey, requestID)
	return context.WithValue(ctx, contextKeyRequestLogger, rlog), rlog
}

// ContextWithFields returns a new context whose logger carries the additional fields
func ContextWithFields(ctx context.Context, fields logrus.Fields) (context.Context, *logrus.Entry) {
	rlog := FromContext(ctx).WithFields(fields)
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, contextKeyRequestLogger, rlog), rlog
}

func loggerFromContext(ctx context.Context) *logrus.Entry {
	if ctx == nil {
		return nil
	}
	rlog, ok := ctx.Value(contextKeyRequestLogger).(*logrus.Entry)
	if !ok {
		return nil
	}
	return rlog
}

// FromContext returns the logger from the context. If the context does not have a logger
// a new logger is returned. If the provided context is nil, the default logger will be
// returned.
func FromContext(ctx context.Context) *logrus.Entry {
	if ctx == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	rlog := loggerFromContext(ctx)
	if rlog == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return rlog
}

// ContextWithLoggerIdentity returns a new context with a logger and identity.
func ContextWithLoggerIdentity(ctx context.Context, identity string) (context.Context, *logrus.Entry) {
	var rlog *logrus.Entry
	ctx, rlog = ContextWithLogger(ctx)
	rlog = rlog.WithField(identityLoggerKey, identity)
	ctx = context.WithValue(ctx, contextKeyRequestLogger, rlog)
	return ctx, rlog
}

// RequestIDFromContext returns the request id for the given context, or an empty
// string if the context has no logger.
func RequestIDFromContext(ctx context.Context) string {
	rlog := loggerFromContext(ctx)
	if rlog == nil {
		return ""
	}
	if s, ok := rlog.Data[requestIDLoggerKey].(string); ok {
		return s
	}
	return ""
}
