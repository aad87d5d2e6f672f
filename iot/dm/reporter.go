package dm

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/dmpatterns/core/logger"
	"github.com/relabs-tech/dmpatterns/iot/twin"
)

// RetryPolicy says how often a failed report is retried. The zero value means no retries.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultRetryPolicy retries with exponential backoff for up to 5 seconds
var DefaultRetryPolicy = RetryPolicy{
	InitialInterval: 100 * time.Millisecond,
	MaxElapsedTime:  5 * time.Second,
}

func (p RetryPolicy) backOff() backoff.BackOff {
	if p.MaxElapsedTime <= 0 {
		return &backoff.StopBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	b.MaxElapsedTime = p.MaxElapsedTime
	return b
}

// Reporter writes the value of one capability into a device's reported properties.
// Each report replaces the capability's previous value.
type Reporter struct {
	store      twin.ReportedUpdater
	deviceID   string
	capability string
	retry      RetryPolicy
}

// NewReporter returns a reporter for the capability of deviceID with the default retry policy
func NewReporter(store twin.ReportedUpdater, deviceID, capability string) *Reporter {
	return NewReporterWithRetry(store, deviceID, capability, DefaultRetryPolicy)
}

// NewReporterWithRetry returns a reporter with a specific retry policy
func NewReporterWithRetry(store twin.ReportedUpdater, deviceID, capability string, retry RetryPolicy) *Reporter {
	if store == nil {
		panic("store is missing")
	}
	if len(deviceID) == 0 || len(capability) == 0 {
		panic("device id and capability are mandatory")
	}
	return &Reporter{
		store:      store,
		deviceID:   deviceID,
		capability: capability,
		retry:      retry,
	}
}

// Capability returns the capability this reporter writes
func (r *Reporter) Capability() string {
	return r.capability
}

// Report writes value as the capability's current value. value must marshal to a JSON
// object. Fields which marshal to null are removed from the twin. Failed writes are
// retried according to the retry policy, as long as ctx permits.
func (r *Reporter) Report(ctx context.Context, value interface{}) error {
	patch, err := twin.PropertiesFrom(value)
	if err != nil {
		return &ReportError{Capability: r.capability, Err: err}
	}
	envelope := twin.Envelope(map[string]interface{}(patch), Namespace, r.capability)
	rlog := logger.FromContext(ctx).WithFields(logrus.Fields{"device_id": r.deviceID, "capability": r.capability})

	attempt := 0
	operation := func() error {
		attempt++
		version, err := r.store.UpdateReported(ctx, r.deviceID, envelope)
		if errors.Is(err, twin.ErrInvalidPatch) {
			return backoff.Permanent(err)
		}
		if err != nil {
			rlog.WithError(err).Debugf("report attempt %d failed", attempt)
			return err
		}
		rlog.Debugf("reported at version %d", version)
		return nil
	}
	if err := backoff.Retry(operation, backoff.WithContext(r.retry.backOff(), ctx)); err != nil {
		return &ReportError{Capability: r.capability, Err: err}
	}
	return nil
}

// ReportStatus validates and reports a firmware update status record
func (r *Reporter) ReportStatus(ctx context.Context, record StatusRecord) error {
	if err := record.Validate(); err != nil {
		return &ReportError{Capability: r.capability, Phase: record.Phase, Err: err}
	}
	if err := r.Report(ctx, record); err != nil {
		var re *ReportError
		if errors.As(err, &re) {
			re.Phase = record.Phase
		}
		return err
	}
	return nil
}
