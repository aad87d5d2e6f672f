package firmware

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/relabs-tech/dmpatterns/core/logger"
	"github.com/relabs-tech/dmpatterns/iot/dm"
)

// DefaultMaxPackageSize is the size limit of fetched packages
const DefaultMaxPackageSize = 256 << 20

// DefaultFetchTimeout bounds a single download
const DefaultFetchTimeout = 10 * time.Minute

// HTTPFetcher downloads firmware packages over https
type HTTPFetcher struct {
	client  *http.Client
	maxSize int64
	timeout time.Duration
}

// FetcherBuilder is a builder helper for the HTTPFetcher
type FetcherBuilder struct {
	// Client is optional and defaults to a client with the default transport
	Client *http.Client
	// MaxSize is optional and defaults to DefaultMaxPackageSize
	MaxSize int64
	// Timeout is optional and defaults to DefaultFetchTimeout
	Timeout time.Duration
}

// NewHTTPFetcher returns a new fetcher
func NewHTTPFetcher(b *FetcherBuilder) *HTTPFetcher {
	f := &HTTPFetcher{
		client:  b.Client,
		maxSize: b.MaxSize,
		timeout: b.Timeout,
	}
	if f.client == nil {
		f.client = &http.Client{}
	}
	if f.maxSize <= 0 {
		f.maxSize = DefaultMaxPackageSize
	}
	if f.timeout <= 0 {
		f.timeout = DefaultFetchTimeout
	}
	return f
}

// Fetch implements dm.Fetcher. Insecure URIs fail with code 400, unreachable servers
// with code 504 and unsuccessful responses with their HTTP status code.
func (f *HTTPFetcher) Fetch(ctx context.Context, uri string) ([]byte, error) {
	if !dm.IsSecureURI(uri) {
		return nil, &dm.TransportError{Code: http.StatusBadRequest, Message: dm.MessageInsecureURI}
	}
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, &dm.TransportError{Code: http.StatusBadRequest, Message: err.Error()}
	}
	res, err := f.client.Do(req)
	if err != nil {
		if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.DeadlineExceeded) {
			return nil, errors.Wrap(cause, "fetch aborted")
		}
		return nil, &dm.TransportError{Code: http.StatusGatewayTimeout, Message: err.Error()}
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, &dm.TransportError{Code: res.StatusCode, Message: http.StatusText(res.StatusCode)}
	}
	if res.ContentLength > f.maxSize {
		return nil, &dm.TransportError{
			Code:    http.StatusRequestEntityTooLarge,
			Message: fmt.Sprintf("package has %d bytes, limit is %d", res.ContentLength, f.maxSize),
		}
	}

	image, err := io.ReadAll(io.LimitReader(res.Body, f.maxSize+1))
	if err != nil {
		return nil, &dm.TransportError{Code: http.StatusGatewayTimeout, Message: err.Error()}
	}
	if int64(len(image)) > f.maxSize {
		return nil, &dm.TransportError{
			Code:    http.StatusRequestEntityTooLarge,
			Message: fmt.Sprintf("package exceeds %d bytes", f.maxSize),
		}
	}
	logger.FromContext(ctx).Debugf("fetched %d bytes", len(image))
	return image, nil
}
