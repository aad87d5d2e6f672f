package dm

import (
	"net/url"
	"strings"
)

// UpdateRequest asks a device to update its firmware from PackageURI. Requests are
// created with NewUpdateRequest and are immutable afterwards.
type UpdateRequest struct {
	packageURI string
}

// NewUpdateRequest validates uri and returns a request for it. Only https URIs with a
// host are accepted, anything else is a *ValidationError.
func NewUpdateRequest(uri string) (UpdateRequest, error) {
	if !IsSecureURI(uri) {
		return UpdateRequest{}, &ValidationError{Message: MessageInsecureURI}
	}
	return UpdateRequest{packageURI: uri}, nil
}

// PackageURI returns the URI of the firmware package
func (r UpdateRequest) PackageURI() string {
	return r.packageURI
}

// IsSecureURI returns true if uri uses secure transport
func IsSecureURI(uri string) bool {
	u, err := url.Parse(strings.TrimSpace(uri))
	if err != nil {
		return false
	}
	return u.Scheme == "https" && len(u.Host) > 0
}
