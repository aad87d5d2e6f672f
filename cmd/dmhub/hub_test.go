package main

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/dmpatterns/core/client"
	"github.com/relabs-tech/dmpatterns/iot"
	"github.com/relabs-tech/dmpatterns/iot/credentials"
	"github.com/relabs-tech/dmpatterns/iot/methods"
	"github.com/relabs-tech/dmpatterns/iot/twin"
)

const hubKey = "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY="

func serviceClient(t *testing.T, h *hub) client.Client {
	token, err := credentials.NewSASToken("hub.example.com", hubKey, "service", time.Now().Add(time.Hour))
	require.NoError(t, err)
	return client.NewWithRouter(h.router).WithHeader("Authorization", token)
}

func TestHubRoutes(t *testing.T) {
	h := newHub(&hubConfig{Store: twin.NewMemoryStore(), SharedAccessKey: hubKey, SharedAccessKeyName: "service"})
	ctx := context.Background()

	status, err := client.NewWithRouter(h.router).Get(ctx, "/devices/dev-1/twin", nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, status)

	c := serviceClient(t, h)
	_, err = c.Patch(ctx, "/devices/dev-1/twin/reported", map[string]string{"firmwareVersion": "1.0.3"}, nil)
	require.NoError(t, err)
	var report string
	_, err = c.Get(ctx, "/devices/dev-1/twin/firmwareVersion/report", &report)
	require.NoError(t, err)
	assert.Equal(t, "1.0.3", report)

	status, _ = c.Get(ctx, "/devices/dev-1/twin/location/report", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestHubPublishesThroughBroker(t *testing.T) {
	h := newHub(&hubConfig{Store: twin.NewMemoryStore(), SharedAccessKey: hubKey})

	// without broker, messages are dropped
	h.publish("kurbisio/dev-1/methods/reboot/1", nil)

	published := make(chan string, 1)
	h.setPublisher(iot.MessagePublisherFunc(func(topic string, payload []byte) {
		assert.JSONEq(t, `null`, string(payload))
		rid := topic[strings.LastIndex(topic, "/")+1:]
		go h.relay.Respond(context.Background(), "dev-1", rid, methods.NewResponse(http.StatusOK, "Reboot started"))
		published <- topic
	}))
	h.relay.SetSubscribed("dev-1", true)

	res, err := h.relay.Invoke(context.Background(), "dev-1", "reboot", nil, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.Regexp(t, `^kurbisio/dev-1/methods/reboot/.+$`, <-published)
}
