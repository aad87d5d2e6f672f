package hub

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/mux"

	"github.com/relabs-tech/dmpatterns/core/logger"
	"github.com/relabs-tech/dmpatterns/iot/credentials"
	"github.com/relabs-tech/dmpatterns/iot/methods"
	"github.com/relabs-tech/dmpatterns/iot/twin"
)

// DeviceSessionBuilder is a builder helper for the DeviceSession
type DeviceSessionBuilder struct {
	// ConnectionString is a device connection string. This is mandatory.
	ConnectionString string
	// HTTPClient is optional, for example for hubs with private certificates
	HTTPClient *http.Client
	// Router is optional and connects the session to an in-process hub
	Router *mux.Router
}

// DeviceSession is the connection of a device to its hub
type DeviceSession struct {
	deviceID string
	tokens   *credentials.TokenSource
	store    *twin.RemoteStore
	listener *methods.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mutex   sync.Mutex
	closers []func()
	started bool
}

// NewDeviceSession parses the connection string and checks that the hub accepts the
// device. Unreachable hubs and rejected credentials yield a *ConnectionError.
func NewDeviceSession(ctx context.Context, b *DeviceSessionBuilder) (*DeviceSession, error) {
	cs, err := credentials.ParseConnectionString(b.ConnectionString)
	if err != nil {
		return nil, err
	}
	if !cs.IsDevice() {
		return nil, fmt.Errorf("%w: not a device connection string", credentials.ErrInvalidConnectionString)
	}
	tokens := credentials.NewTokenSource(cs)
	c := newClient(cs, tokens, b.Router, b.HTTPClient)
	store := twin.NewRemoteStore(c)

	if _, err := tokens.Token(); err != nil {
		return nil, err
	}
	if _, err := c.Get(ctx, "/devices/"+url.PathEscape(cs.DeviceID)+"/twin", nil); err != nil {
		return nil, &ConnectionError{Op: "connect", Err: err}
	}

	sessionCtx, cancel := context.WithCancel(context.Background())
	s := &DeviceSession{
		deviceID: cs.DeviceID,
		tokens:   tokens,
		store:    store,
		listener: methods.NewListener(methods.NewRemoteSource(c), cs.DeviceID),
		ctx:      sessionCtx,
		cancel:   cancel,
	}
	logger.FromContext(ctx).Infoln("device session connected to", cs.Host(), "as", cs.DeviceID)
	return s, nil
}

// DeviceID returns the ID of the connected device
func (s *DeviceSession) DeviceID() string {
	return s.deviceID
}

// Store returns the device's view of the twin. Reports go through the hub.
func (s *DeviceSession) Store() twin.Store {
	return s.store
}

// Handle registers the handler for a direct method. Handlers with a Close() method are
// closed with the session.
func (s *DeviceSession) Handle(method string, handler methods.Handler) {
	s.listener.Handle(method, handler)
	if closer, ok := handler.(interface{ Close() }); ok {
		s.mutex.Lock()
		s.closers = append(s.closers, closer.Close)
		s.mutex.Unlock()
	}
}

// Start starts receiving direct method calls. Calling Start again has no effect.
func (s *DeviceSession) Start() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.listener.Run(s.ctx)
	}()
}

// Close stops receiving calls, closes the handlers and waits for background work to end
func (s *DeviceSession) Close() error {
	s.cancel()
	s.wg.Wait()
	s.mutex.Lock()
	closers := s.closers
	s.closers = nil
	s.mutex.Unlock()
	for _, c := range closers {
		c()
	}
	return nil
}
