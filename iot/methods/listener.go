package methods

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/dmpatterns/core/logger"
)

// Handler handles one direct method on the device
type Handler interface {
	HandleMethod(ctx context.Context, payload json.RawMessage) Response
}

// HandlerFunc is an adapter to use ordinary functions as handlers
type HandlerFunc func(ctx context.Context, payload json.RawMessage) Response

// HandleMethod implements Handler
func (f HandlerFunc) HandleMethod(ctx context.Context, payload json.RawMessage) Response {
	return f(ctx, payload)
}

// Listener receives direct method calls for one device and dispatches them to
// registered handlers
type Listener struct {
	source   Source
	deviceID string

	mutex    sync.RWMutex
	handlers map[string]Handler
}

// NewListener returns a listener for deviceID which takes calls from source
func NewListener(source Source, deviceID string) *Listener {
	return &Listener{
		source:   source,
		deviceID: deviceID,
		handlers: make(map[string]Handler),
	}
}

// Handle registers the handler for method. A later registration replaces an earlier one.
func (l *Listener) Handle(method string, handler Handler) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.handlers[method] = handler
}

// Dispatch passes call to its handler. Calls without handler yield ErrNoHandler.
func (l *Listener) Dispatch(ctx context.Context, call *Call) (Response, error) {
	l.mutex.RLock()
	handler, ok := l.handlers[call.Method]
	l.mutex.RUnlock()
	if !ok {
		return NewResponse(http.StatusNotImplemented, ErrNoHandler.Error()),
			fmt.Errorf("%w: %s", ErrNoHandler, call.Method)
	}
	return handler.HandleMethod(ctx, call.Payload), nil
}

// Run receives and dispatches calls until ctx is cancelled. Errors from the source are
// retried with exponential backoff.
func (l *Listener) Run(ctx context.Context) error {
	ctx, rlog := logger.ContextWithFields(ctx, logrus.Fields{"device_id": l.deviceID})
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 500 * time.Millisecond
	retry.MaxInterval = 30 * time.Second
	retry.MaxElapsedTime = 0

	for {
		call, err := l.source.Next(ctx, l.deviceID)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			wait := retry.NextBackOff()
			rlog.WithError(err).Warnf("cannot receive method calls, retry in %s", wait)
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		retry.Reset()
		if call == nil {
			continue
		}

		callCtx, clog := logger.ContextWithFields(ctx, logrus.Fields{"method": call.Method, "rid": call.RID})
		res, err := l.Dispatch(callCtx, call)
		if err != nil {
			clog.WithError(err).Infoln("rejected method call")
		}
		if err := l.source.Respond(ctx, l.deviceID, call.RID, res); err != nil {
			clog.WithError(err).Warnln("cannot respond to method call")
		}
	}
}
