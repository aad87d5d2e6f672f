/*
Package hub connects devices and services to a hub.

Sessions are explicit objects created from a connection string. A DeviceSession
reports into the device's twin and receives direct method calls, a ServiceSession
invokes methods on devices and watches their twins. Both renew their shared access
signatures on their own and end all background work with Close.

	session, err := hub.NewDeviceSession(ctx, &hub.DeviceSessionBuilder{ConnectionString: cs})
	if err != nil {
		...
	}
	defer session.Close()
	session.Handle(dm.MethodReboot, dm.NewRebootMethod(session.Store(), session.DeviceID(), rebooter))
	session.Start()
*/
package hub

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/relabs-tech/dmpatterns/core/client"
	"github.com/relabs-tech/dmpatterns/iot/credentials"
)

// ConnectionError is returned when the hub cannot be reached or rejects the session
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("hub %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsConnectionError returns true if err is or wraps a *ConnectionError
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// asConnectionError classifies errors of the REST client. Transport failures and
// rejected credentials are connection errors, everything else is passed on.
func asConnectionError(op string, err error) error {
	if err == nil {
		return nil
	}
	status := http.StatusServiceUnavailable
	var se *client.StatusError
	if errors.As(err, &se) {
		status = se.Status
	}
	switch status {
	case http.StatusServiceUnavailable, http.StatusUnauthorized, http.StatusForbidden:
		return &ConnectionError{Op: op, Err: err}
	}
	return err
}

// requestTimeout exceeds the long-poll period of the hub
const requestTimeout = 30 * time.Second

// newClient returns a REST client for cs. router is for in-process hubs, httpClient
// for remote hubs with specific transport settings. Both are optional.
func newClient(cs credentials.ConnectionString, tokens *credentials.TokenSource, router *mux.Router, httpClient *http.Client) client.Client {
	var c client.Client
	switch {
	case router != nil:
		c = client.NewWithRouter(router)
	case httpClient != nil:
		c = client.NewWithURL(cs.URL()).WithHTTPClient(httpClient)
	default:
		c = client.NewWithURL(cs.URL()).WithTimeout(requestTimeout)
	}
	return c.WithTokenSource(tokens.Token)
}
