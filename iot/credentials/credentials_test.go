package credentials

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/relabs-tech/dmpatterns/core/client"
)

// base64 of "0123456789abcdef0123456789abcdef"
const hubKey = "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY="

func TestParseConnectionString(t *testing.T) {
	cs, err := ParseConnectionString("HostName=hub.example.com;DeviceId=dev-1;SharedAccessKey=" + hubKey)
	require.NoError(t, err)
	assert.True(t, cs.IsDevice())
	assert.Equal(t, "https://hub.example.com", cs.URL())
	assert.Equal(t, "hub.example.com/devices/dev-1", cs.Resource())
	again, err := ParseConnectionString(cs.String())
	require.NoError(t, err)
	assert.Equal(t, cs, again)

	cs, err = ParseConnectionString("HostName=http://localhost:8080;SharedAccessKeyName=service;SharedAccessKey=" + hubKey)
	require.NoError(t, err)
	assert.False(t, cs.IsDevice())
	assert.Equal(t, "http://localhost:8080", cs.URL())
	assert.Equal(t, "localhost:8080", cs.Resource())

	for _, bad := range []string{
		"",
		"HostName=hub;SharedAccessKey=" + hubKey,
		"HostName=hub;DeviceId=d;SharedAccessKeyName=s;SharedAccessKey=" + hubKey,
		"HostName=hub;DeviceId=d;SharedAccessKey=not base64!",
		"HostName=hub;DeviceId=d",
		"DeviceId=d;SharedAccessKey=" + hubKey,
		"HostName=hub;DeviceId=d;SharedAccessKey=" + hubKey + ";Color=blue",
		"HostName",
	} {
		_, err := ParseConnectionString(bad)
		assert.ErrorIs(t, err, ErrInvalidConnectionString, bad)
	}
}

func TestSASToken(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	token, err := NewSASToken("hub/devices/dev-1", hubKey, "", now.Add(time.Hour))
	require.NoError(t, err)
	assert.Contains(t, token, "SharedAccessSignature sr=hub%2Fdevices%2Fdev-1&sig=")

	parsed, err := ParseSASToken(token)
	require.NoError(t, err)
	assert.Equal(t, "hub/devices/dev-1", parsed.Resource)
	assert.Equal(t, now.Add(time.Hour), parsed.Expiry)
	assert.Empty(t, parsed.KeyName)

	assert.NoError(t, parsed.Verify(hubKey, now))
	assert.ErrorIs(t, parsed.Verify(hubKey, now.Add(time.Hour)), ErrTokenExpired)
	otherKey := "b3RoZXIga2V5"
	assert.ErrorIs(t, parsed.Verify(otherKey, now), ErrSignatureMismatch)

	_, err = ParseSASToken("Bearer something")
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = ParseSASToken("SharedAccessSignature sr=x&sig=y&se=soon")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestDeriveDeviceKey(t *testing.T) {
	k1, err := DeriveDeviceKey(hubKey, "dev-1")
	require.NoError(t, err)
	k2, err := DeriveDeviceKey(hubKey, "dev-2")
	require.NoError(t, err)
	again, _ := DeriveDeviceKey(hubKey, "dev-1")
	assert.NotEqual(t, k1, k2)
	assert.Equal(t, k1, again)

	_, err = DeriveDeviceKey("***", "dev-1")
	assert.Error(t, err)
}

func TestTokenSourceRenewal(t *testing.T) {
	fake := clocktesting.NewFakePassiveClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	cs := ConnectionString{HostName: "hub", SharedAccessKeyName: "service", SharedAccessKey: hubKey}
	ts := NewTokenSourceWithClock(cs, time.Hour, fake)

	first, err := ts.Token()
	require.NoError(t, err)
	fake.SetTime(fake.Now().Add(40 * time.Minute))
	second, _ := ts.Token()
	assert.Equal(t, first, second)

	fake.SetTime(fake.Now().Add(10 * time.Minute))
	third, _ := ts.Token()
	assert.NotEqual(t, first, third)

	parsed, err := ParseSASToken(third)
	require.NoError(t, err)
	assert.Equal(t, "service", parsed.KeyName)
	assert.NoError(t, parsed.Verify(hubKey, fake.Now()))
}

func TestVerifier(t *testing.T) {
	fake := clocktesting.NewFakePassiveClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	v := NewVerifier(&VerifierBuilder{Key: hubKey, Clock: fake})

	deviceKey, err := DeriveDeviceKey(hubKey, "dev-1")
	require.NoError(t, err)
	device := NewTokenSourceWithClock(ConnectionString{HostName: "hub", DeviceID: "dev-1", SharedAccessKey: deviceKey}, time.Hour, fake)
	token, err := device.Token()
	require.NoError(t, err)

	identity, err := v.Verify(token)
	require.NoError(t, err)
	assert.True(t, identity.IsDevice())
	assert.Equal(t, "dev-1", identity.DeviceID)
	assert.NoError(t, v.VerifyDevice("dev-1", token))
	assert.Error(t, v.VerifyDevice("dev-2", token))

	// a device signing with the hub key directly is rejected
	forged, _ := NewSASToken("hub/devices/dev-1", hubKey, "", fake.Now().Add(time.Hour))
	_, err = v.Verify(forged)
	assert.ErrorIs(t, err, ErrSignatureMismatch)

	service, _ := NewSASToken("hub", hubKey, "service", fake.Now().Add(time.Hour))
	identity, err = v.Verify(service)
	require.NoError(t, err)
	assert.True(t, identity.IsService())

	wrongName, _ := NewSASToken("hub", hubKey, "admin", fake.Now().Add(time.Hour))
	_, err = v.Verify(wrongName)
	assert.Error(t, err)

	// cached identities expire with their token
	fake.SetTime(fake.Now().Add(2 * time.Hour))
	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestMiddleware(t *testing.T) {
	v := NewVerifier(&VerifierBuilder{Key: hubKey})
	router := mux.NewRouter()
	router.Use(v.Middleware())
	router.HandleFunc("/devices/{device_id}/ping", func(w http.ResponseWriter, r *http.Request) {
		identity := IdentityFromContext(r.Context())
		if identity == nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodGet)
	router.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodGet)

	ctx := context.Background()
	deviceKey, _ := DeriveDeviceKey(hubKey, "dev-1")
	device := client.NewWithRouter(router).WithTokenSource(
		NewTokenSource(ConnectionString{HostName: "hub", DeviceID: "dev-1", SharedAccessKey: deviceKey}).Token)
	service := client.NewWithRouter(router).WithTokenSource(
		NewTokenSource(ConnectionString{HostName: "hub", SharedAccessKeyName: "service", SharedAccessKey: hubKey}).Token)
	anonymous := client.NewWithRouter(router)

	status, err := device.Get(ctx, "/devices/dev-1/ping", nil)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)

	status, _ = device.Get(ctx, "/devices/dev-2/ping", nil)
	assert.Equal(t, http.StatusForbidden, status)
	status, _ = device.Get(ctx, "/status", nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, err = service.Get(ctx, "/devices/dev-2/ping", nil)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)

	status, _ = anonymous.Get(ctx, "/devices/dev-1/ping", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}
