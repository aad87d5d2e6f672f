package mqtt

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/dmpatterns/iot/credentials"
	"github.com/relabs-tech/dmpatterns/iot/methods"
	"github.com/relabs-tech/dmpatterns/iot/twin"
)

const hubKey = "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY="

func TestParseTopic(t *testing.T) {
	kind, _ := parseTopic("dev", "kurbisio/dev/twin/reports")
	assert.Equal(t, topicKindTwinReport, kind)

	kind, rid := parseTopic("dev", "kurbisio/dev/methods/res/42")
	assert.Equal(t, topicKindMethodResponse, kind)
	assert.Equal(t, "42", rid)

	for _, topic := range []string{
		"kurbisio/other/twin/reports",
		"kurbisio/dev/twin/reports/extra",
		"kurbisio/dev/methods/res/",
		"kurbisio/dev/methods/res/42/43",
		"kurbisio/dev/methods/reboot/42",
	} {
		kind, _ := parseTopic("dev", topic)
		assert.Equal(t, topicKindUnknown, kind, topic)
	}
}

func TestSubscriptionAllowed(t *testing.T) {
	assert.True(t, subscriptionAllowed("dev", "kurbisio/dev/methods/#"))
	assert.True(t, subscriptionAllowed("dev", "kurbisio/dev/methods/firmwareUpdate/+"))
	assert.False(t, subscriptionAllowed("dev", "kurbisio/dev/methods/res/+"))
	assert.False(t, subscriptionAllowed("dev", "kurbisio/other/methods/#"))
	assert.False(t, subscriptionAllowed("dev", "kurbisio/#"))
}

func TestHandleMessage(t *testing.T) {
	ctx := context.Background()
	store := twin.NewMemoryStore()
	relay := methods.NewRelay(&methods.RelayBuilder{})
	p := &plugin{store: store, relay: relay}

	assert.False(t, p.handleMessage(ctx, "dev", "kurbisio/dev/twin/reports",
		[]byte(`{"iothubDM":{"reboot":{"lastReboot":"2026-01-01T00:00:00Z"}}}`)))
	value, err := twin.Report(ctx, store, "dev", "iothubDM", "reboot", "lastReboot")
	require.NoError(t, err)
	assert.Equal(t, "2026-01-01T00:00:00Z", value)

	// invalid reports and foreign topics are dropped
	assert.False(t, p.handleMessage(ctx, "dev", "kurbisio/dev/twin/reports", []byte(`not json`)))
	assert.False(t, p.handleMessage(ctx, "dev", "kurbisio/other/twin/reports", []byte(`{"a":1}`)))
	_, err = twin.Report(ctx, store, "other", "a")
	assert.ErrorIs(t, err, twin.ErrNotFound)

	// unrelated topics pass
	assert.True(t, p.handleMessage(ctx, "dev", "telemetry/dev", []byte(`{}`)))

	published := make(chan string, 1)
	relay = methods.NewRelay(&methods.RelayBuilder{Publisher: publisherFunc(func(topic string, payload []byte) {
		published <- topic
	})})
	relay.SetSubscribed("dev", true)
	p.relay = relay
	go func() {
		topic := <-published
		rid := topic[len("kurbisio/dev/methods/reboot/"):]
		p.handleMessage(ctx, "dev", "kurbisio/dev/methods/res/"+rid, []byte(`{"status":200,"payload":"Reboot started"}`))
	}()
	res, err := relay.Invoke(ctx, "dev", "reboot", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 200, res.Status)
	assert.Equal(t, `"Reboot started"`, string(res.Payload))
}

func TestAuthorize(t *testing.T) {
	verifier := credentials.NewVerifier(&credentials.VerifierBuilder{Key: hubKey})
	p := &plugin{verifier: verifier, deviceIds: map[net.Conn]string{}}

	deviceKey, err := credentials.DeriveDeviceKey(hubKey, "dev")
	require.NoError(t, err)
	token, err := credentials.NewTokenSource(credentials.ConnectionString{
		HostName: "hub", DeviceID: "dev", SharedAccessKey: deviceKey}).Token()
	require.NoError(t, err)

	assert.NoError(t, p.authorize(nil, "dev", token))
	assert.Error(t, p.authorize(nil, "other", token))
	assert.Error(t, p.authorize(nil, "dev", "guess"))
	assert.Error(t, p.authorize(nil, "", token))
}

type publisherFunc func(topic string, payload []byte)

func (f publisherFunc) PublishMessageQ1(topic string, payload []byte) { f(topic, payload) }
