// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package client provides easy and fast access to the hub's REST api

A client either talks directly to a mux router, without marshalling HTTP, or to a remote
hub by URL. The in-process flavour is the tool of choice for unit tests and for handlers
that need to call other handlers; the remote flavour is what device and service sessions use.
*/
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
)

// TokenSource returns the current value of the Authorization header. It is
// called for every request, so implementations can renew expiring tokens.
type TokenSource func() (string, error)

// Client provides easy access to the REST API.
type Client struct {
	router     *mux.Router
	httpClient *http.Client
	url        string
	tokens     TokenSource

	defaultHeaders map[string]string
}

// StatusError is returned when the server answers with an unexpected status code
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s returned status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// NewWithRouter creates a client to make pseudo-REST requests to the hub,
// through the mux router
func NewWithRouter(router *mux.Router) Client {
	return Client{
		router:         router,
		defaultHeaders: map[string]string{},
	}
}

// NewWithURL creates a client to make REST requests to a remote hub. Requests time
// out after 20 seconds unless WithTimeout() says otherwise.
func NewWithURL(url string) Client {
	return Client{
		url:            strings.TrimSuffix(url, "/"),
		httpClient:     &http.Client{Timeout: 20 * time.Second},
		defaultHeaders: map[string]string{},
	}
}

// WithTimeout returns a new client with a different request timeout. Only meaningful
// for clients created with NewWithURL.
func (c Client) WithTimeout(timeout time.Duration) Client {
	if c.httpClient != nil {
		c.httpClient = &http.Client{Timeout: timeout, Transport: c.httpClient.Transport}
	}
	return c
}

// WithHTTPClient returns a new client which uses the given http client for remote requests
func (c Client) WithHTTPClient(httpClient *http.Client) Client {
	c.httpClient = httpClient
	return c
}

// WithHeader returns a new client with a default header added
func (c Client) WithHeader(key string, value string) Client {
	headers := map[string]string{key: value}
	for k, v := range c.defaultHeaders {
		if k != key {
			headers[k] = v
		}
	}
	c.defaultHeaders = headers
	return c
}

// WithTokenSource returns a new client which sets the Authorization header from tokens
func (c Client) WithTokenSource(tokens TokenSource) Client {
	c.tokens = tokens
	return c
}

// Get gets the resource from path. Expects http.StatusOK or http.StatusNoContent,
// otherwise it will flag an error. Returns the actual http status code.
//
// result can be any JSON target or a raw *[]byte. result can be nil.
func (c Client) Get(ctx context.Context, path string, result interface{}) (int, error) {
	return c.do(ctx, http.MethodGet, path, nil, result, http.StatusOK, http.StatusNoContent)
}

// Post posts body to path. Expects http.StatusOK or http.StatusCreated.
//
// body can also be a []byte, result can also be raw *[]byte. result can be nil.
func (c Client) Post(ctx context.Context, path string, body interface{}, result interface{}) (int, error) {
	return c.do(ctx, http.MethodPost, path, body, result, http.StatusOK, http.StatusCreated)
}

// Put puts body to path. Expects http.StatusOK, http.StatusCreated or http.StatusNoContent.
func (c Client) Put(ctx context.Context, path string, body interface{}, result interface{}) (int, error) {
	return c.do(ctx, http.MethodPut, path, body, result, http.StatusOK, http.StatusCreated, http.StatusNoContent)
}

// Patch patches path with body. Expects http.StatusOK or http.StatusNoContent.
func (c Client) Patch(ctx context.Context, path string, body interface{}, result interface{}) (int, error) {
	return c.do(ctx, http.MethodPatch, path, body, result, http.StatusOK, http.StatusNoContent)
}

func (c Client) do(ctx context.Context, method, path string, body interface{}, result interface{}, accepted ...int) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var reader io.Reader
	if body != nil {
		j, ok := body.([]byte)
		if !ok {
			var err error
			j, err = json.Marshal(body)
			if err != nil {
				return http.StatusBadRequest, fmt.Errorf("%s to %s: %w", method, path, err)
			}
		}
		reader = bytes.NewReader(j)
	}

	r, err := http.NewRequestWithContext(ctx, method, c.url+path, reader)
	if err != nil {
		return http.StatusBadRequest, err
	}
	for key, value := range c.defaultHeaders {
		r.Header.Set(key, value)
	}
	if body != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		token, err := c.tokens()
		if err != nil {
			return http.StatusUnauthorized, fmt.Errorf("cannot obtain token: %w", err)
		}
		r.Header.Set("Authorization", token)
	}

	var (
		status  int
		resBody []byte
	)
	if c.router != nil {
		rec := httptest.NewRecorder()
		c.router.ServeHTTP(rec, r)
		status = rec.Code
		resBody = rec.Body.Bytes()
	} else {
		res, err := c.httpClient.Do(r)
		if err != nil {
			return http.StatusServiceUnavailable, err
		}
		defer res.Body.Close()
		status = res.StatusCode
		resBody, _ = io.ReadAll(res.Body)
	}

	ok := false
	for _, a := range accepted {
		if status == a {
			ok = true
			break
		}
	}
	if !ok {
		return status, &StatusError{Method: method, Path: path, Status: status, Body: strings.TrimSpace(string(resBody))}
	}
	if status == http.StatusNoContent || len(resBody) == 0 || result == nil {
		return status, nil
	}
	if raw, ok := result.(*[]byte); ok {
		*raw = resBody
		return status, nil
	}
	return status, json.Unmarshal(resBody, result)
}
