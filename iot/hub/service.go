package hub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/dmpatterns/iot/credentials"
	"github.com/relabs-tech/dmpatterns/iot/dm"
	"github.com/relabs-tech/dmpatterns/iot/methods"
	"github.com/relabs-tech/dmpatterns/iot/twin"
)

// ServiceSessionBuilder is a builder helper for the ServiceSession
type ServiceSessionBuilder struct {
	// ConnectionString is a service connection string. This is mandatory.
	ConnectionString string
	// HTTPClient is optional, for example for hubs with private certificates
	HTTPClient *http.Client
	// Router is optional and connects the session to an in-process hub
	Router *mux.Router
}

// ServiceSession is the connection of a back-end service to the hub
type ServiceSession struct {
	invoker *methods.RemoteInvoker
	reader  *serviceReader

	ctx    context.Context
	cancel context.CancelFunc

	mutex   sync.Mutex
	watches []*dm.Watch
}

// serviceReader classifies the errors of the remote store
type serviceReader struct {
	store *twin.RemoteStore
}

func (r *serviceReader) Reported(ctx context.Context, deviceID string) (twin.Document, error) {
	doc, err := r.store.Reported(ctx, deviceID)
	return doc, asConnectionError("read twin", err)
}

// NewServiceSession returns a session for the service connection string
func NewServiceSession(b *ServiceSessionBuilder) (*ServiceSession, error) {
	cs, err := credentials.ParseConnectionString(b.ConnectionString)
	if err != nil {
		return nil, err
	}
	if cs.IsDevice() {
		return nil, fmt.Errorf("%w: not a service connection string", credentials.ErrInvalidConnectionString)
	}
	tokens := credentials.NewTokenSource(cs)
	if _, err := tokens.Token(); err != nil {
		return nil, err
	}
	c := newClient(cs, tokens, b.Router, b.HTTPClient)
	ctx, cancel := context.WithCancel(context.Background())
	return &ServiceSession{
		invoker: methods.NewRemoteInvoker(c),
		reader:  &serviceReader{store: twin.NewRemoteStore(c)},
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Invoke calls method on deviceID with payload, which is marshalled to JSON, and waits
// for the device's response up to timeout
func (s *ServiceSession) Invoke(ctx context.Context, deviceID, method string, payload interface{}, timeout time.Duration) (methods.Response, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return methods.Response{}, err
		}
		raw = data
	}
	res, err := s.invoker.Invoke(ctx, deviceID, method, raw, timeout)
	if errors.Is(err, methods.ErrTimeout) {
		return res, err
	}
	return res, asConnectionError("invoke "+method, err)
}

// Reader returns the service's read access to device twins
func (s *ServiceSession) Reader() twin.ReportedReader {
	return s.reader
}

// Monitor returns a monitor for the capability of deviceID
func (s *ServiceSession) Monitor(deviceID, capability string) *dm.Monitor {
	return dm.NewMonitor(s.reader, deviceID, capability)
}

// Watch polls the capability of deviceID until the watch is stopped or the session closed
func (s *ServiceSession) Watch(deviceID, capability string, interval time.Duration, onValue func(dm.Observation)) *dm.Watch {
	w := s.Monitor(deviceID, capability).Start(s.ctx, interval, onValue)
	s.mutex.Lock()
	s.watches = append(s.watches, w)
	s.mutex.Unlock()
	return w
}

// Close stops all watches
func (s *ServiceSession) Close() error {
	s.cancel()
	s.mutex.Lock()
	watches := s.watches
	s.watches = nil
	s.mutex.Unlock()
	for _, w := range watches {
		w.Stop()
	}
	return nil
}
