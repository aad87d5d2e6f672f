package dm

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/relabs-tech/dmpatterns/core/logger"
	"github.com/relabs-tech/dmpatterns/iot/twin"
)

// Fetcher downloads firmware packages. Failures should be *TransportError, so that
// their code and message end up in the twin.
type Fetcher interface {
	Fetch(ctx context.Context, uri string) ([]byte, error)
}

// Applier applies a downloaded firmware image
type Applier interface {
	Apply(ctx context.Context, image []byte) error
}

// FetcherFunc is an adapter to use ordinary functions as Fetcher
type FetcherFunc func(ctx context.Context, uri string) ([]byte, error)

// Fetch implements Fetcher
func (f FetcherFunc) Fetch(ctx context.Context, uri string) ([]byte, error) {
	return f(ctx, uri)
}

// ApplierFunc is an adapter to use ordinary functions as Applier
type ApplierFunc func(ctx context.Context, image []byte) error

// Apply implements Applier
func (f ApplierFunc) Apply(ctx context.Context, image []byte) error {
	return f(ctx, image)
}

// failureReportTimeout bounds the failure report of a cancelled run
const failureReportTimeout = 10 * time.Second

// Orchestrator runs firmware updates on a device
type Orchestrator struct {
	deviceID string
	reporter *Reporter
	fetcher  Fetcher
	applier  Applier
	leases   *Leases
	clock    clock.PassiveClock
}

// OrchestratorBuilder is a builder helper for the Orchestrator
type OrchestratorBuilder struct {
	// DeviceID is the device being updated. This is mandatory.
	DeviceID string
	// Store receives the status reports. This is mandatory.
	Store twin.ReportedUpdater
	// Fetcher downloads the package. This is mandatory.
	Fetcher Fetcher
	// Applier applies the image. This is mandatory.
	Applier Applier
	// Leases is optional. Orchestrators sharing a lease table never run concurrently
	// for the same device. Default is a private table with DefaultLeaseExpiry.
	Leases *Leases
	// Retry is the retry policy for reports. Default is DefaultRetryPolicy.
	Retry *RetryPolicy
	// Clock is optional and defaults to the real clock
	Clock clock.PassiveClock
}

// NewOrchestrator returns a new orchestrator
func NewOrchestrator(b *OrchestratorBuilder) *Orchestrator {
	if len(b.DeviceID) == 0 {
		panic("DeviceID is missing")
	}
	if b.Store == nil {
		panic("Store is missing")
	}
	if b.Fetcher == nil {
		panic("Fetcher is missing")
	}
	if b.Applier == nil {
		panic("Applier is missing")
	}
	retry := DefaultRetryPolicy
	if b.Retry != nil {
		retry = *b.Retry
	}
	leases := b.Leases
	if leases == nil {
		leases = NewLeases(DefaultLeaseExpiry)
	}
	clk := b.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Orchestrator{
		deviceID: b.DeviceID,
		reporter: NewReporterWithRetry(b.Store, b.DeviceID, CapabilityFirmwareUpdate, retry),
		fetcher:  b.Fetcher,
		applier:  b.Applier,
		leases:   leases,
		clock:    clk,
	}
}

// Result is the outcome of a run
type Result struct {
	// Final is the last phase the run reached
	Final Phase
	// ReportErrors are the reports which failed. They did not stop the run.
	ReportErrors []error
}

// Run is one firmware update holding the device's lease
type Run struct {
	o       *Orchestrator
	id      string
	request UpdateRequest
	handle  *Handle
}

// Begin validates the request and acquires the device's lease. It fails with a
// *ValidationError or ErrRunInProgress, in both cases without reporting anything.
// The returned run must be executed.
func (o *Orchestrator) Begin(request UpdateRequest) (*Run, error) {
	if !IsSecureURI(request.PackageURI()) {
		return nil, &ValidationError{Message: MessageInsecureURI}
	}
	handle, err := o.leases.Acquire(o.deviceID, CapabilityFirmwareUpdate)
	if err != nil {
		return nil, err
	}
	return &Run{
		o:       o,
		id:      uuid.New().String(),
		request: request,
		handle:  handle,
	}, nil
}

// Run begins and executes a run
func (o *Orchestrator) Run(ctx context.Context, request UpdateRequest) (Result, error) {
	run, err := o.Begin(request)
	if err != nil {
		return Result{}, err
	}
	return run.Execute(ctx)
}

// step is one phase of work with its three reports
type step struct {
	working  Phase
	complete Phase
	failed   Phase
	work     func(ctx context.Context) error
}

// Execute runs the phases and releases the lease. The error is nil when the update was
// applied, a *TransportError when fetching or applying failed, or ErrLeaseLost when the
// run lost its lease and stopped reporting.
func (r *Run) Execute(ctx context.Context) (Result, error) {
	defer r.handle.Release()
	o := r.o
	ctx, rlog := logger.ContextWithFields(ctx, logrus.Fields{
		"device_id":  o.deviceID,
		"capability": CapabilityFirmwareUpdate,
		"run_id":     r.id,
	})
	result := Result{}
	report := func(ctx context.Context, record StatusRecord) {
		record.Timestamp = o.clock.Now().UTC()
		result.Final = record.Phase
		rlog.Infoln("firmware update", record)
		if err := o.reporter.ReportStatus(ctx, record); err != nil {
			rlog.WithError(err).Warnln("report failed, continue")
			result.ReportErrors = append(result.ReportErrors, err)
		}
	}

	report(ctx, StatusRecord{Phase: PhaseWaiting, PackageURI: r.request.PackageURI()})

	var image []byte
	steps := []step{
		{
			working:  PhaseDownloading,
			complete: PhaseDownloadComplete,
			failed:   PhaseDownloadFailed,
			work: func(ctx context.Context) (err error) {
				image, err = o.fetcher.Fetch(ctx, r.request.PackageURI())
				return err
			},
		},
		{
			working:  PhaseApplying,
			complete: PhaseApplyComplete,
			failed:   PhaseApplyFailed,
			work: func(ctx context.Context) error {
				return o.applier.Apply(ctx, image)
			},
		},
	}

	for _, s := range steps {
		if err := r.handle.Renew(); err != nil {
			rlog.WithError(err).Errorln("stop run")
			return result, err
		}
		report(ctx, StatusRecord{Phase: s.working})

		stepCtx, cancelStep := context.WithCancel(ctx)
		r.handle.keepAlive(stepCtx, cancelStep)
		err := s.work(stepCtx)
		cancelStep()
		// a run which lost its lease leaves the record to the new holder
		if lost := r.handle.Renew(); lost != nil {
			rlog.WithError(lost).Errorln("stop run after", s.working)
			return result, lost
		}
		if err != nil {
			failure := asTransportError(err, s.failed, ctx.Err() != nil)
			reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureReportTimeout)
			report(reportCtx, StatusRecord{Phase: s.failed, Error: failure.StatusError()})
			cancel()
			return result, failure
		}
		report(ctx, StatusRecord{Phase: s.complete})
	}
	return result, nil
}

// IsValidationError returns true if err rejected a request before any report
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
