package hub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/dmpatterns/core/client"
	"github.com/relabs-tech/dmpatterns/iot/credentials"
	"github.com/relabs-tech/dmpatterns/iot/dm"
	"github.com/relabs-tech/dmpatterns/iot/methods"
	"github.com/relabs-tech/dmpatterns/iot/twin"
)

const hubKey = "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY="

func startHub(t *testing.T) *httptest.Server {
	router := mux.NewRouter()
	twin.NewAPI(&twin.Builder{Store: twin.NewMemoryStore(), Router: router})
	methods.NewAPI(&methods.Builder{Relay: methods.NewRelay(&methods.RelayBuilder{Wait: 200 * time.Millisecond}), Router: router})
	router.Use(credentials.NewVerifier(&credentials.VerifierBuilder{Key: hubKey}).Middleware())
	server := httptest.NewTLSServer(router)
	t.Cleanup(server.Close)
	return server
}

func deviceConnectionString(t *testing.T, server *httptest.Server, deviceID string) string {
	key, err := credentials.DeriveDeviceKey(hubKey, deviceID)
	require.NoError(t, err)
	return fmt.Sprintf("HostName=%s;DeviceId=%s;SharedAccessKey=%s", strings.TrimPrefix(server.URL, "https://"), deviceID, key)
}

func serviceConnectionString(server *httptest.Server) string {
	return fmt.Sprintf("HostName=%s;SharedAccessKeyName=service;SharedAccessKey=%s", strings.TrimPrefix(server.URL, "https://"), hubKey)
}

func TestFirmwareUpdateThroughHub(t *testing.T) {
	server := startHub(t)
	ctx := context.Background()

	device, err := NewDeviceSession(ctx, &DeviceSessionBuilder{
		ConnectionString: deviceConnectionString(t, server, "dev-1"),
		HTTPClient:       server.Client(),
	})
	require.NoError(t, err)
	defer device.Close()
	o := dm.NewOrchestrator(&dm.OrchestratorBuilder{
		DeviceID: device.DeviceID(),
		Store:    device.Store(),
		Fetcher: dm.FetcherFunc(func(ctx context.Context, uri string) ([]byte, error) {
			return []byte("image"), nil
		}),
		Applier: dm.ApplierFunc(func(ctx context.Context, image []byte) error {
			return nil
		}),
	})
	device.Handle(dm.MethodFirmwareUpdate, dm.NewFirmwareUpdateMethod(o, nil))
	device.Start()
	device.Start()

	service, err := NewServiceSession(&ServiceSessionBuilder{
		ConnectionString: serviceConnectionString(server),
		HTTPClient:       server.Client(),
	})
	require.NoError(t, err)
	defer service.Close()

	phases := make(chan dm.Phase, 100)
	service.Watch("dev-1", dm.CapabilityFirmwareUpdate, 10*time.Millisecond, dm.OnStatus(func(record dm.StatusRecord) {
		select {
		case phases <- record.Phase:
		default:
		}
	}))

	res, err := service.Invoke(ctx, "dev-1", dm.MethodFirmwareUpdate, map[string]string{"fwPackageUri": "https://pkg/fw.bin"}, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.JSONEq(t, `"Firmware update started."`, string(res.Payload))

	res, err = service.Invoke(ctx, "dev-1", dm.MethodFirmwareUpdate, map[string]string{"fwPackageUri": "http://pkg/fw.bin"}, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, res.Status)

	res, err = service.Invoke(ctx, "dev-1", "selfDestruct", nil, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotImplemented, res.Status)

	timeout := time.After(10 * time.Second)
	for done := false; !done; {
		select {
		case phase := <-phases:
			done = phase == dm.PhaseApplyComplete
		case <-timeout:
			t.Fatal("update did not complete")
		}
	}
	report, err := twin.Report(ctx, service.Reader(), "dev-1", dm.Namespace, dm.CapabilityFirmwareUpdate, "status")
	require.NoError(t, err)
	assert.Equal(t, string(dm.PhaseApplyComplete), report)
}

func TestMethodTimeoutThroughHub(t *testing.T) {
	server := startHub(t)
	service, err := NewServiceSession(&ServiceSessionBuilder{
		ConnectionString: serviceConnectionString(server),
		HTTPClient:       server.Client(),
	})
	require.NoError(t, err)
	defer service.Close()

	_, err = service.Invoke(context.Background(), "offline", dm.MethodReboot, nil, time.Second)
	assert.ErrorIs(t, err, methods.ErrTimeout)
	assert.False(t, IsConnectionError(err))
}

func TestRejectedSessions(t *testing.T) {
	server := startHub(t)
	ctx := context.Background()

	wrongKey := fmt.Sprintf("HostName=%s;DeviceId=dev-1;SharedAccessKey=%s", strings.TrimPrefix(server.URL, "https://"), hubKey)
	_, err := NewDeviceSession(ctx, &DeviceSessionBuilder{ConnectionString: wrongKey, HTTPClient: server.Client()})
	require.True(t, IsConnectionError(err), err)
	var se *client.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.Status)

	_, err = NewDeviceSession(ctx, &DeviceSessionBuilder{ConnectionString: serviceConnectionString(server)})
	assert.ErrorIs(t, err, credentials.ErrInvalidConnectionString)
	_, err = NewServiceSession(&ServiceSessionBuilder{ConnectionString: deviceConnectionString(t, server, "dev-1")})
	assert.ErrorIs(t, err, credentials.ErrInvalidConnectionString)
	_, err = NewServiceSession(&ServiceSessionBuilder{ConnectionString: "HostName=hub"})
	assert.ErrorIs(t, err, credentials.ErrInvalidConnectionString)

	// a device may not read other devices
	device, err := NewDeviceSession(ctx, &DeviceSessionBuilder{
		ConnectionString: deviceConnectionString(t, server, "dev-1"),
		HTTPClient:       server.Client(),
	})
	require.NoError(t, err)
	defer device.Close()
	_, err = device.Store().Reported(ctx, "dev-2")
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusForbidden, se.Status)
}

func TestUnreachableHub(t *testing.T) {
	server := startHub(t)
	cs := serviceConnectionString(server)
	httpClient := server.Client()
	server.Close()

	service, err := NewServiceSession(&ServiceSessionBuilder{ConnectionString: cs, HTTPClient: httpClient})
	require.NoError(t, err)
	defer service.Close()
	_, err = service.Invoke(context.Background(), "dev-1", dm.MethodReboot, nil, time.Second)
	assert.True(t, IsConnectionError(err), err)
	_, err = service.Reader().Reported(context.Background(), "dev-1")
	var ce *ConnectionError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "read twin", ce.Op)

	_, err = NewDeviceSession(context.Background(), &DeviceSessionBuilder{
		ConnectionString: deviceConnectionString(t, server, "dev-1"),
		HTTPClient:       httpClient,
	})
	assert.True(t, IsConnectionError(err), err)
}
