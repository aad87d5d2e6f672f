package twin

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"github.com/relabs-tech/dmpatterns/core/logger"
)

// Change describes one successful write to a device's reported properties.
// The twin itself only keeps the latest state, a stream of changes lets
// external observers reconstruct the history.
type Change struct {
	DeviceID   string     `json:"device_id"`
	Version    int64      `json:"version"`
	Patch      Properties `json:"patch"`
	ReportedAt time.Time  `json:"reported_at"`
}

// Notifier receives twin changes
type Notifier interface {
	Notify(ctx context.Context, change Change) error
}

// NotifyingStore is a Store which passes every successful write on to a Notifier.
// Notification failures are logged, they never fail the write.
type NotifyingStore struct {
	Store
	Notifier Notifier
}

// UpdateReported implements ReportedUpdater
func (s *NotifyingStore) UpdateReported(ctx context.Context, deviceID string, patch Properties) (int64, error) {
	version, err := s.Store.UpdateReported(ctx, deviceID, patch)
	if err != nil {
		return version, err
	}
	change := Change{
		DeviceID: deviceID,
		Version:  version,
		Patch:    patch,
	}
	// the store's timestamp, unless a concurrent write already moved the document on
	doc, err := s.Store.Reported(ctx, deviceID)
	if err == nil && doc.Version == version {
		change.ReportedAt = doc.ReportedAt
	} else {
		change.ReportedAt = time.Now().UTC()
	}
	if err := s.Notifier.Notify(ctx, change); err != nil {
		logger.FromContext(ctx).WithError(err).Warnf("cannot notify twin change of %s version %d", deviceID, version)
	}
	return version, nil
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier publishes twin changes to a kafka topic. Messages are keyed by
// device ID, so all changes of one device land in the same partition in order.
type KafkaNotifier struct {
	writer messageWriter
}

// NewKafkaNotifier returns a notifier writing to topic on brokers
func NewKafkaNotifier(brokers []string, topic string) *KafkaNotifier {
	if len(brokers) == 0 {
		panic("kafka brokers are missing")
	}
	if len(topic) == 0 {
		panic("kafka topic is missing")
	}
	return &KafkaNotifier{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
		},
	}
}

// Notify implements Notifier
func (n *KafkaNotifier) Notify(ctx context.Context, change Change) error {
	value, err := json.Marshal(change)
	if err != nil {
		return err
	}
	return n.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(change.DeviceID),
		Value: value,
		Time:  change.ReportedAt,
	})
}

// Close flushes and closes the underlying writer
func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}
