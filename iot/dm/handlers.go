package dm

import (
	"context"
	"embed"
	"errors"
	"net/http"
	"sync"

	"github.com/goccy/go-json"
	"k8s.io/utils/clock"

	"github.com/relabs-tech/dmpatterns/core/logger"
	"github.com/relabs-tech/dmpatterns/core/schema"
	"github.com/relabs-tech/dmpatterns/iot/methods"
	"github.com/relabs-tech/dmpatterns/iot/twin"
)

// The direct method names
const (
	MethodFirmwareUpdate = "firmwareUpdate"
	MethodReboot         = "reboot"
)

// The method answers
const (
	MessageFirmwareUpdateStarted = "Firmware update started."
	MessageRunInProgress         = "Firmware update already in progress."
	MessageRebootStarted         = "Reboot started"
	MessageShuttingDown          = "Device is shutting down."
)

const firmwareUpdateSchemaID = "https://relabs.tech/schemas/dm/firmware_update.json"

//go:embed schemas/*.json
var schemaFS embed.FS

var (
	validatorOnce sync.Once
	validator     *schema.Validator
)

func payloadValidator() *schema.Validator {
	validatorOnce.Do(func() {
		v, err := schema.NewValidatorFromFS(schemaFS, "schemas")
		if err != nil {
			panic(err)
		}
		validator = v
	})
	return validator
}

// firmwareUpdatePayload is the payload of the firmwareUpdate method
type firmwareUpdatePayload struct {
	PackageURI string `json:"fwPackageUri"`
}

// FirmwareUpdateMethod handles the firmwareUpdate direct method. It starts runs in the
// background, on a context which Close cancels.
type FirmwareUpdateMethod struct {
	orchestrator *Orchestrator
	ctx          context.Context
	cancel       context.CancelFunc
	done         func(Result, error)

	mutex  sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewFirmwareUpdateMethod returns the handler for o. done is optional and gets called at
// the end of each run.
func NewFirmwareUpdateMethod(o *Orchestrator, done func(Result, error)) *FirmwareUpdateMethod {
	ctx, cancel := context.WithCancel(context.Background())
	return &FirmwareUpdateMethod{
		orchestrator: o,
		ctx:          ctx,
		cancel:       cancel,
		done:         done,
	}
}

// HandleMethod implements methods.Handler
func (m *FirmwareUpdateMethod) HandleMethod(ctx context.Context, payload json.RawMessage) methods.Response {
	rlog := logger.FromContext(ctx)
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	if err := payloadValidator().ValidateString(string(payload), firmwareUpdateSchemaID); err != nil {
		rlog.WithError(err).Infoln("rejected firmware update payload")
		return methods.NewResponse(http.StatusBadRequest, "Invalid request: "+err.Error())
	}
	var p firmwareUpdatePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return methods.NewResponse(http.StatusBadRequest, "Invalid request: "+err.Error())
	}

	request, err := NewUpdateRequest(p.PackageURI)
	if err != nil {
		return methods.NewResponse(http.StatusBadRequest, err.Error())
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.closed {
		return methods.NewResponse(http.StatusServiceUnavailable, MessageShuttingDown)
	}
	run, err := m.orchestrator.Begin(request)
	if errors.Is(err, ErrRunInProgress) {
		return methods.NewResponse(http.StatusConflict, MessageRunInProgress)
	}
	if err != nil {
		return methods.NewResponse(http.StatusBadRequest, err.Error())
	}

	// the run outlives the method call, it keeps the logger but not the deadline
	runCtx, _ := logger.ContextWithFields(m.ctx, rlog.Data)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		result, err := run.Execute(runCtx)
		if err != nil {
			logger.FromContext(runCtx).WithError(err).Errorln("firmware update failed in phase", result.Final)
		} else {
			logger.FromContext(runCtx).Infoln("firmware update complete")
		}
		if m.done != nil {
			m.done(result, err)
		}
	}()
	return methods.NewResponse(http.StatusOK, MessageFirmwareUpdateStarted)
}

// Close cancels all running updates and waits for them to end. Later calls are
// answered with 503.
func (m *FirmwareUpdateMethod) Close() {
	m.mutex.Lock()
	m.closed = true
	m.mutex.Unlock()
	m.cancel()
	m.wg.Wait()
}

// Rebooter restarts the device
type Rebooter interface {
	Reboot(ctx context.Context) error
}

// RebooterFunc is an adapter to use ordinary functions as Rebooter
type RebooterFunc func(ctx context.Context) error

// Reboot implements Rebooter
func (f RebooterFunc) Reboot(ctx context.Context) error {
	return f(ctx)
}

// RebootMethod handles the reboot direct method
type RebootMethod struct {
	reporter *Reporter
	rebooter Rebooter
	clock    clock.PassiveClock
	ctx      context.Context
	cancel   context.CancelFunc

	mutex  sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewRebootMethod returns the reboot handler for deviceID
func NewRebootMethod(store twin.ReportedUpdater, deviceID string, rebooter Rebooter) *RebootMethod {
	return NewRebootMethodWithClock(store, deviceID, rebooter, clock.RealClock{})
}

// NewRebootMethodWithClock returns a reboot handler which takes the time from clk
func NewRebootMethodWithClock(store twin.ReportedUpdater, deviceID string, rebooter Rebooter, clk clock.PassiveClock) *RebootMethod {
	if rebooter == nil {
		panic("rebooter is missing")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RebootMethod{
		reporter: NewReporter(store, deviceID, CapabilityReboot),
		rebooter: rebooter,
		clock:    clk,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// HandleMethod implements methods.Handler. The reboot is reported before it happens.
func (m *RebootMethod) HandleMethod(ctx context.Context, payload json.RawMessage) methods.Response {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.closed {
		return methods.NewResponse(http.StatusServiceUnavailable, MessageShuttingDown)
	}
	runCtx, rlog := logger.ContextWithFields(m.ctx, logger.FromContext(ctx).Data)
	rlog = rlog.WithField("capability", CapabilityReboot)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		record := RebootRecord{LastReboot: m.clock.Now().UTC()}
		if err := m.reporter.Report(runCtx, record); err != nil {
			rlog.WithError(err).Warnln("cannot report reboot")
		}
		rlog.Infoln("rebooting")
		if err := m.rebooter.Reboot(runCtx); err != nil {
			rlog.WithError(err).Errorln("reboot failed")
		}
	}()
	return methods.NewResponse(http.StatusOK, MessageRebootStarted)
}

// Close cancels a pending reboot and waits for it. Later calls are answered with 503.
func (m *RebootMethod) Close() {
	m.mutex.Lock()
	m.closed = true
	m.mutex.Unlock()
	m.cancel()
	m.wg.Wait()
}
