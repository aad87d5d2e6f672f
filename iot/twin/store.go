package twin

import (
	"context"
	"errors"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

var (
	// ErrInvalidPatch is returned when a patch cannot be applied
	ErrInvalidPatch = errors.New("invalid patch")
	// ErrNotFound is returned when a device has not reported a value
	ErrNotFound = errors.New("not found")
)

// Document is the twin of one device
type Document struct {
	DeviceID   string     `json:"device_id"`
	Reported   Properties `json:"reported"`
	Version    int64      `json:"version"`
	ReportedAt time.Time  `json:"reported_at"`
}

// ReportedUpdater writes reported properties. It is all a device needs.
type ReportedUpdater interface {
	// UpdateReported merges patch into the device's reported properties and returns the
	// new document version.
	UpdateReported(ctx context.Context, deviceID string, patch Properties) (int64, error)
}

// ReportedReader reads reported properties. It is all a monitoring application needs.
type ReportedReader interface {
	// Reported returns the device's current document. A device that has never reported
	// has an empty document with version 0.
	Reported(ctx context.Context, deviceID string) (Document, error)
}

// Store reads and writes device twins
type Store interface {
	ReportedUpdater
	ReportedReader
}

// Report returns the value the device reported at path, or ErrNotFound
func Report(ctx context.Context, r ReportedReader, deviceID string, path ...string) (interface{}, error) {
	doc, err := r.Reported(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	value, ok := doc.Reported.Lookup(path...)
	if !ok {
		return nil, ErrNotFound
	}
	return value, nil
}

// MemoryStore is an in-process Store
type MemoryStore struct {
	mu    sync.RWMutex
	docs  map[string]Document
	clock clock.PassiveClock
}

// NewMemoryStore returns an empty in-process store
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(clock.RealClock{})
}

// NewMemoryStoreWithClock returns an empty in-process store which takes
// ReportedAt timestamps from clk
func NewMemoryStoreWithClock(clk clock.PassiveClock) *MemoryStore {
	return &MemoryStore{
		docs:  make(map[string]Document),
		clock: clk,
	}
}

// UpdateReported implements ReportedUpdater
func (s *MemoryStore) UpdateReported(ctx context.Context, deviceID string, patch Properties) (int64, error) {
	if len(deviceID) == 0 {
		return 0, errors.New("device id is missing")
	}
	if patch == nil {
		return 0, ErrInvalidPatch
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.docs[deviceID]
	doc.DeviceID = deviceID
	doc.Reported = doc.Reported.Merge(patch)
	doc.Version++
	doc.ReportedAt = s.clock.Now().UTC()
	s.docs[deviceID] = doc
	return doc.Version, nil
}

// Reported implements ReportedReader
func (s *MemoryStore) Reported(ctx context.Context, deviceID string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[deviceID]
	if !ok {
		return Document{DeviceID: deviceID, Reported: Properties{}}, nil
	}
	doc.Reported = doc.Reported.Clone()
	return doc, nil
}
