package methods

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/dmpatterns/core/client"
)

// RemoteInvoker invokes methods through a hub's REST API
type RemoteInvoker struct {
	client client.Client
}

// NewRemoteInvoker returns an invoker which talks to the hub through c. The client's
// request timeout must exceed the call timeouts.
func NewRemoteInvoker(c client.Client) *RemoteInvoker {
	return &RemoteInvoker{client: c}
}

// Invoke implements Invoker
func (i *RemoteInvoker) Invoke(ctx context.Context, deviceID, method string, payload json.RawMessage, timeout time.Duration) (Response, error) {
	var res Response
	req := InvokeRequest{Payload: payload, TimeoutInSeconds: int(timeout / time.Second)}
	status, err := i.client.Post(ctx, "/devices/"+url.PathEscape(deviceID)+"/methods/"+url.PathEscape(method), req, &res)
	if status == http.StatusGatewayTimeout {
		return res, ErrTimeout
	}
	return res, err
}

// RemoteSource is a Source backed by a hub's REST API
type RemoteSource struct {
	client client.Client
}

// NewRemoteSource returns a source which long-polls the hub through c
func NewRemoteSource(c client.Client) *RemoteSource {
	return &RemoteSource{client: c}
}

// Next implements Source
func (s *RemoteSource) Next(ctx context.Context, deviceID string) (*Call, error) {
	var call Call
	status, err := s.client.Get(ctx, "/devices/"+url.PathEscape(deviceID)+"/methods/next", &call)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	return &call, nil
}

// Respond implements Source
func (s *RemoteSource) Respond(ctx context.Context, deviceID, rid string, res Response) error {
	status, err := s.client.Put(ctx, "/devices/"+url.PathEscape(deviceID)+"/methods/"+url.PathEscape(rid)+"/response", res, nil)
	if status == http.StatusNotFound {
		return ErrUnknownCall
	}
	return err
}
