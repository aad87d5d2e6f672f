package twin

import (
	"context"
	"net/url"

	"github.com/relabs-tech/dmpatterns/core/client"
)

// RemoteStore is a Store backed by a hub's REST API
type RemoteStore struct {
	client client.Client
}

// NewRemoteStore returns a store that talks to the hub through c
func NewRemoteStore(c client.Client) *RemoteStore {
	return &RemoteStore{client: c}
}

type versionResponse struct {
	Version int64 `json:"version"`
}

// UpdateReported implements ReportedUpdater
func (s *RemoteStore) UpdateReported(ctx context.Context, deviceID string, patch Properties) (int64, error) {
	var res versionResponse
	_, err := s.client.Patch(ctx, "/devices/"+url.PathEscape(deviceID)+"/twin/reported", patch, &res)
	if err != nil {
		return 0, err
	}
	return res.Version, nil
}

// Reported implements ReportedReader
func (s *RemoteStore) Reported(ctx context.Context, deviceID string) (Document, error) {
	doc := Document{}
	_, err := s.client.Get(ctx, "/devices/"+url.PathEscape(deviceID)+"/twin", &doc)
	if doc.Reported == nil {
		doc.Reported = Properties{}
	}
	return doc, err
}
