package credentials

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidConnectionString is returned when a connection string cannot be parsed
var ErrInvalidConnectionString = errors.New("invalid connection string")

// ConnectionString holds the parts of a device or service connection string
type ConnectionString struct {
	HostName            string
	DeviceID            string
	SharedAccessKeyName string
	SharedAccessKey     string
}

// ParseConnectionString parses s. The string must either name a device or a key name,
// never both, and the key must be valid base64.
func ParseConnectionString(s string) (ConnectionString, error) {
	cs := ConnectionString{}
	for _, part := range strings.Split(strings.TrimSpace(s), ";") {
		if len(part) == 0 {
			continue
		}
		i := strings.Index(part, "=")
		if i <= 0 {
			return cs, fmt.Errorf("%w: malformed part %q", ErrInvalidConnectionString, part)
		}
		key, value := part[:i], part[i+1:]
		switch key {
		case "HostName":
			cs.HostName = value
		case "DeviceId":
			cs.DeviceID = value
		case "SharedAccessKeyName":
			cs.SharedAccessKeyName = value
		case "SharedAccessKey":
			cs.SharedAccessKey = value
		default:
			return cs, fmt.Errorf("%w: unknown key %s", ErrInvalidConnectionString, key)
		}
	}

	if len(cs.HostName) == 0 {
		return cs, fmt.Errorf("%w: HostName is missing", ErrInvalidConnectionString)
	}
	if len(cs.SharedAccessKey) == 0 {
		return cs, fmt.Errorf("%w: SharedAccessKey is missing", ErrInvalidConnectionString)
	}
	if _, err := base64.StdEncoding.DecodeString(cs.SharedAccessKey); err != nil {
		return cs, fmt.Errorf("%w: SharedAccessKey is not base64", ErrInvalidConnectionString)
	}
	if len(cs.DeviceID) > 0 == (len(cs.SharedAccessKeyName) > 0) {
		return cs, fmt.Errorf("%w: need exactly one of DeviceId or SharedAccessKeyName", ErrInvalidConnectionString)
	}
	return cs, nil
}

// IsDevice returns true for device connection strings
func (cs ConnectionString) IsDevice() bool {
	return len(cs.DeviceID) > 0
}

// URL returns the base URL of the hub. Host names without a scheme get https.
func (cs ConnectionString) URL() string {
	if strings.Contains(cs.HostName, "://") {
		return strings.TrimSuffix(cs.HostName, "/")
	}
	return "https://" + strings.TrimSuffix(cs.HostName, "/")
}

// Host returns the host name without any scheme. It is what tokens get signed for.
func (cs ConnectionString) Host() string {
	host := cs.HostName
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	return strings.TrimSuffix(host, "/")
}

// Resource returns the resource URI tokens for this connection string are signed for
func (cs ConnectionString) Resource() string {
	if cs.IsDevice() {
		return DeviceResource(cs.Host(), cs.DeviceID)
	}
	return cs.Host()
}

func (cs ConnectionString) String() string {
	parts := []string{"HostName=" + cs.HostName}
	if cs.IsDevice() {
		parts = append(parts, "DeviceId="+cs.DeviceID)
	} else {
		parts = append(parts, "SharedAccessKeyName="+cs.SharedAccessKeyName)
	}
	parts = append(parts, "SharedAccessKey="+cs.SharedAccessKey)
	return strings.Join(parts, ";")
}

// DeviceResource returns the resource URI of a device on host
func DeviceResource(host, deviceID string) string {
	return host + "/devices/" + deviceID
}
