package credentials

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"k8s.io/utils/clock"

	"github.com/relabs-tech/dmpatterns/core/logger"
)

// contextKey is the type for context keys. Go linter does not like plain strings
type contextKey string

const contextKeyIdentity contextKey = "_identity_"

/*Identity is a context object which stores who signed a request.

A device identity carries the device's ID, a service identity carries the key name it
was signed with. Identities are added to a request context by the Middleware and
retrieved with

	id := IdentityFromContext(ctx)
*/
type Identity struct {
	DeviceID string `json:"device_id,omitempty"`
	KeyName  string `json:"key_name,omitempty"`
}

// IsDevice returns true for device identities
func (id *Identity) IsDevice() bool {
	return id != nil && len(id.DeviceID) > 0
}

// IsService returns true for service identities
func (id *Identity) IsService() bool {
	return id != nil && len(id.KeyName) > 0
}

// ContextWithIdentity returns a new context with this identity added to it
func (id *Identity) ContextWithIdentity(ctx context.Context) context.Context {
	return context.WithValue(ctx, contextKeyIdentity, id)
}

// IdentityFromContext retrieves an identity from the context
func IdentityFromContext(ctx context.Context) *Identity {
	id, ok := ctx.Value(contextKeyIdentity).(*Identity)
	if ok {
		return id
	}
	return nil
}

type cachedIdentity struct {
	identity *Identity
	expiry   time.Time
}

// Verifier verifies shared access signatures against the hub's key
type Verifier struct {
	keyName string
	key     string
	clock   clock.PassiveClock

	mutex sync.RWMutex
	cache map[string]cachedIdentity
}

// VerifierBuilder is a builder helper for the Verifier
type VerifierBuilder struct {
	// KeyName is the name of the hub's shared access key. Default is "service".
	KeyName string
	// Key is the hub's base64 encoded shared access key. This is mandatory.
	Key string
	// Clock is optional and defaults to the real clock
	Clock clock.PassiveClock
}

// NewVerifier returns a new verifier
func NewVerifier(b *VerifierBuilder) *Verifier {
	if len(b.Key) == 0 {
		panic("shared access key is missing")
	}
	keyName := b.KeyName
	if len(keyName) == 0 {
		keyName = "service"
	}
	clk := b.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Verifier{
		keyName: keyName,
		key:     b.Key,
		clock:   clk,
		cache:   make(map[string]cachedIdentity),
	}
}

// KeyName returns the name of the hub's key
func (v *Verifier) KeyName() string {
	return v.keyName
}

// Verify verifies an Authorization header value and returns the identity which signed it
func (v *Verifier) Verify(header string) (*Identity, error) {
	now := v.clock.Now()
	v.mutex.RLock()
	cached, ok := v.cache[header]
	v.mutex.RUnlock()
	if ok && now.Before(cached.expiry) {
		return cached.identity, nil
	}

	token, err := ParseSASToken(header)
	if err != nil {
		return nil, err
	}

	var identity *Identity
	if len(token.KeyName) > 0 {
		if token.KeyName != v.keyName {
			return nil, fmt.Errorf("%w: unknown key name %s", ErrSignatureMismatch, token.KeyName)
		}
		if strings.Contains(token.Resource, "/devices/") {
			return nil, fmt.Errorf("%w: service token for device resource", ErrInvalidToken)
		}
		if err := token.Verify(v.key, now); err != nil {
			return nil, err
		}
		identity = &Identity{KeyName: token.KeyName}
	} else {
		i := strings.LastIndex(token.Resource, "/devices/")
		if i < 0 {
			return nil, fmt.Errorf("%w: device token without device resource", ErrInvalidToken)
		}
		deviceID := token.Resource[i+len("/devices/"):]
		if len(deviceID) == 0 || strings.Contains(deviceID, "/") {
			return nil, fmt.Errorf("%w: malformed device resource", ErrInvalidToken)
		}
		deviceKey, err := DeriveDeviceKey(v.key, deviceID)
		if err != nil {
			return nil, err
		}
		if err := token.Verify(deviceKey, now); err != nil {
			return nil, err
		}
		identity = &Identity{DeviceID: deviceID}
	}

	v.mutex.Lock()
	if len(v.cache) > 1000 {
		for k, c := range v.cache {
			if !now.Before(c.expiry) {
				delete(v.cache, k)
			}
		}
	}
	v.cache[header] = cachedIdentity{identity: identity, expiry: token.Expiry}
	v.mutex.Unlock()
	return identity, nil
}

// VerifyDevice verifies that token was signed by deviceID
func (v *Verifier) VerifyDevice(deviceID, token string) error {
	identity, err := v.Verify(token)
	if err != nil {
		return err
	}
	if identity.DeviceID != deviceID {
		return fmt.Errorf("token of %q used by %q", identity.DeviceID, deviceID)
	}
	return nil
}

// Middleware returns a middleware which rejects requests without a valid shared access
// signature. Devices only get access to routes carrying their own device ID.
func (v *Verifier) Middleware() mux.MiddlewareFunc {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if len(header) == 0 {
				http.Error(w, "shared access signature required", http.StatusUnauthorized)
				return
			}
			identity, err := v.Verify(header)
			if err != nil {
				logger.FromContext(r.Context()).WithError(err).Infoln("rejected request to", r.URL.Path)
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			if identity.IsDevice() && mux.Vars(r)["device_id"] != identity.DeviceID {
				http.Error(w, "device not authorized for this resource", http.StatusForbidden)
				return
			}
			h.ServeHTTP(w, r.WithContext(identity.ContextWithIdentity(r.Context())))
		})
	}
}
