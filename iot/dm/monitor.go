package dm

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/relabs-tech/dmpatterns/core/logger"
	"github.com/relabs-tech/dmpatterns/iot/twin"
)

// DefaultPollInterval is the cadence of monitors which do not specify one
const DefaultPollInterval = 2 * time.Second

// Observation is one value of a capability, as read from the twin
type Observation struct {
	DeviceID   string
	Version    int64
	ReportedAt time.Time
	Value      twin.Properties
}

// Decode decodes the observed value into v
func (o Observation) Decode(v interface{}) error {
	_, err := o.Value.Decode(v)
	return err
}

// Monitor watches one capability of a device by polling the twin
type Monitor struct {
	reader     twin.ReportedReader
	deviceID   string
	capability string
	clock      clock.WithTicker
}

// NewMonitor returns a monitor for the capability of deviceID
func NewMonitor(reader twin.ReportedReader, deviceID, capability string) *Monitor {
	return NewMonitorWithClock(reader, deviceID, capability, clock.RealClock{})
}

// NewMonitorWithClock returns a monitor which ticks with clk
func NewMonitorWithClock(reader twin.ReportedReader, deviceID, capability string, clk clock.WithTicker) *Monitor {
	if reader == nil {
		panic("reader is missing")
	}
	return &Monitor{
		reader:     reader,
		deviceID:   deviceID,
		capability: capability,
		clock:      clk,
	}
}

// Poll reads the twin now and then every interval until ctx is cancelled, and passes the
// capability's value to onValue. Polls where the capability is absent are skipped, failed
// polls are logged. Poll returns ctx's error.
func (m *Monitor) Poll(ctx context.Context, interval time.Duration, onValue func(Observation)) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	rlog := logger.FromContext(ctx).WithFields(logrus.Fields{"device_id": m.deviceID, "capability": m.capability})
	ticker := m.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		m.pollOnce(ctx, rlog, onValue)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
		}
	}
}

func (m *Monitor) pollOnce(ctx context.Context, rlog *logrus.Entry, onValue func(Observation)) {
	doc, err := m.reader.Reported(ctx, m.deviceID)
	if err != nil {
		if ctx.Err() == nil {
			rlog.WithError(err).Warnln("cannot read twin")
		}
		return
	}
	value, ok := doc.Reported.Lookup(Namespace, m.capability)
	if !ok || value == nil {
		rlog.Debugln("nothing reported yet")
		return
	}
	object, ok := value.(map[string]interface{})
	if !ok {
		rlog.Warnf("capability is not an object but %T", value)
		return
	}
	onValue(Observation{
		DeviceID:   m.deviceID,
		Version:    doc.Version,
		ReportedAt: doc.ReportedAt,
		Value:      twin.Properties(object),
	})
}

// Watch is a running monitor
type Watch struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Start polls in the background until the watch is stopped or ctx is cancelled
func (m *Monitor) Start(ctx context.Context, interval time.Duration, onValue func(Observation)) *Watch {
	ctx, cancel := context.WithCancel(ctx)
	w := &Watch{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(w.done)
		m.Poll(ctx, interval, onValue)
	}()
	return w
}

// Stop stops polling and waits until the last callback has returned. It is safe to call
// Stop more than once.
func (w *Watch) Stop() {
	w.cancel()
	<-w.done
}

// Done is closed when the watch has stopped
func (w *Watch) Done() <-chan struct{} {
	return w.done
}

// OnStatus adapts a status record callback for Poll and Start. Values which do not
// decode are logged and skipped.
func OnStatus(onRecord func(StatusRecord)) func(Observation) {
	return func(o Observation) {
		var record StatusRecord
		if err := o.Decode(&record); err != nil {
			logger.Default().WithError(err).Warnln("cannot decode firmware update status of", o.DeviceID)
			return
		}
		onRecord(record)
	}
}

// OnReboot adapts a reboot record callback for Poll and Start
func OnReboot(onRecord func(RebootRecord)) func(Observation) {
	return func(o Observation) {
		var record RebootRecord
		if err := o.Decode(&record); err != nil {
			logger.Default().WithError(err).Warnln("cannot decode reboot status of", o.DeviceID)
			return
		}
		onRecord(record)
	}
}
