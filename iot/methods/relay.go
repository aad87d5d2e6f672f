package methods

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/relabs-tech/dmpatterns/core/logger"
	"github.com/relabs-tech/dmpatterns/iot"
)

// DefaultTimeout is the response timeout for calls which do not specify one
const DefaultTimeout = 30 * time.Second

var (
	// ErrTimeout is returned when the device did not respond in time
	ErrTimeout = errors.New("device did not respond in time")
	// ErrNoHandler is returned when a device has no handler for a method
	ErrNoHandler = errors.New("method not implemented")
	// ErrUnknownCall is returned for responses to calls which are not pending
	ErrUnknownCall = errors.New("no such pending call")
)

// Call is a direct method call on its way to a device
type Call struct {
	RID      string          `json:"rid"`
	DeviceID string          `json:"device_id"`
	Method   string          `json:"method"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Response is a device's answer to a call
type Response struct {
	Status  int             `json:"status"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewResponse returns a response with payload marshalled to JSON
func NewResponse(status int, payload interface{}) Response {
	res := Response{Status: status}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Response{Status: http.StatusInternalServerError}
		}
		res.Payload = data
	}
	return res
}

// Invoker invokes direct methods on devices
type Invoker interface {
	Invoke(ctx context.Context, deviceID, method string, payload json.RawMessage, timeout time.Duration) (Response, error)
}

// Source hands out calls to a device and takes back the responses
type Source interface {
	// Next waits for the next call for the device. It returns nil without error when
	// there was no call within the source's wait period.
	Next(ctx context.Context, deviceID string) (*Call, error)
	Respond(ctx context.Context, deviceID, rid string, res Response) error
}

type pendingCall struct {
	deviceID string
	response chan Response
}

// Relay passes direct method calls from services to devices. Calls are delivered via
// MQTT to devices with a method subscription, and via long-polling to everybody else.
type Relay struct {
	publisher iot.MessagePublisher
	wait      time.Duration

	mutex      sync.Mutex
	queues     map[string][]*Call
	signals    map[string]chan struct{}
	pending    map[string]*pendingCall
	subscribed map[string]bool
}

// RelayBuilder is a builder helper for the Relay
type RelayBuilder struct {
	// Publisher is optional. Without it, calls are only delivered by long-polling.
	Publisher iot.MessagePublisher
	// Wait is the long-poll period of Next. Default is 15 seconds.
	Wait time.Duration
}

// NewRelay returns a new relay
func NewRelay(b *RelayBuilder) *Relay {
	wait := b.Wait
	if wait <= 0 {
		wait = 15 * time.Second
	}
	return &Relay{
		publisher:  b.Publisher,
		wait:       wait,
		queues:     make(map[string][]*Call),
		signals:    make(map[string]chan struct{}),
		pending:    make(map[string]*pendingCall),
		subscribed: make(map[string]bool),
	}
}

// MethodTopic returns the MQTT topic on which a call is delivered to the device
func MethodTopic(call *Call) string {
	return iot.DeviceTopic(call.DeviceID) + "methods/" + call.Method + "/" + call.RID
}

// SetSubscribed records whether a device has an MQTT subscription for methods
func (r *Relay) SetSubscribed(deviceID string, subscribed bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if subscribed {
		r.subscribed[deviceID] = true
	} else {
		delete(r.subscribed, deviceID)
	}
}

// Invoke implements Invoker. It delivers the call and waits for the device's response
// until timeout or ctx expire.
func (r *Relay) Invoke(ctx context.Context, deviceID, method string, payload json.RawMessage, timeout time.Duration) (Response, error) {
	if len(deviceID) == 0 || len(method) == 0 {
		return Response{}, fmt.Errorf("device id and method are mandatory")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	rlog := logger.FromContext(ctx)
	call := &Call{
		RID:      uuid.New().String(),
		DeviceID: deviceID,
		Method:   method,
		Payload:  payload,
	}
	pc := &pendingCall{deviceID: deviceID, response: make(chan Response, 1)}

	r.mutex.Lock()
	r.pending[call.RID] = pc
	viaMQTT := r.publisher != nil && r.subscribed[deviceID]
	if !viaMQTT {
		r.queues[deviceID] = append(r.queues[deviceID], call)
		r.signalLocked(deviceID)
	}
	r.mutex.Unlock()

	defer func() {
		r.mutex.Lock()
		delete(r.pending, call.RID)
		r.dequeueLocked(deviceID, call.RID)
		r.mutex.Unlock()
	}()

	if viaMQTT {
		rlog.Debugf("deliver %s to %s via mqtt", method, deviceID)
		r.publisher.PublishMessageQ1(MethodTopic(call), payloadOrNull(call.Payload))
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-pc.response:
		return res, nil
	case <-timer.C:
		rlog.Infof("method %s on %s timed out after %s", method, deviceID, timeout)
		return Response{}, ErrTimeout
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

func payloadOrNull(payload json.RawMessage) []byte {
	if len(payload) == 0 {
		return []byte("null")
	}
	return payload
}

// signal wakes up all waiting Next calls for the device
func (r *Relay) signalLocked(deviceID string) {
	if ch, ok := r.signals[deviceID]; ok {
		close(ch)
		delete(r.signals, deviceID)
	}
}

func (r *Relay) dequeueLocked(deviceID, rid string) {
	queue := r.queues[deviceID]
	for i, c := range queue {
		if c.RID == rid {
			queue = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	if len(queue) == 0 {
		delete(r.queues, deviceID)
	} else {
		r.queues[deviceID] = queue
	}
}

// Next implements Source. It waits up to the relay's wait period for a call.
func (r *Relay) Next(ctx context.Context, deviceID string) (*Call, error) {
	timer := time.NewTimer(r.wait)
	defer timer.Stop()
	for {
		r.mutex.Lock()
		if queue := r.queues[deviceID]; len(queue) > 0 {
			call := queue[0]
			r.dequeueLocked(deviceID, call.RID)
			r.mutex.Unlock()
			return call, nil
		}
		signal, ok := r.signals[deviceID]
		if !ok {
			signal = make(chan struct{})
			r.signals[deviceID] = signal
		}
		r.mutex.Unlock()

		select {
		case <-signal:
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Respond implements Source. It resolves a pending call.
func (r *Relay) Respond(ctx context.Context, deviceID, rid string, res Response) error {
	r.mutex.Lock()
	pc, ok := r.pending[rid]
	r.mutex.Unlock()
	if !ok || pc.deviceID != deviceID {
		return ErrUnknownCall
	}
	select {
	case pc.response <- res:
	default:
		// duplicate response, the first one wins
	}
	return nil
}
