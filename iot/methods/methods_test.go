package methods

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/dmpatterns/core/client"
)

type publishedMessage struct {
	topic   string
	payload []byte
}

type fakePublisher chan publishedMessage

func (p fakePublisher) PublishMessageQ1(topic string, payload []byte) {
	p <- publishedMessage{topic: topic, payload: payload}
}

func TestRelayLongPoll(t *testing.T) {
	ctx := context.Background()
	relay := NewRelay(&RelayBuilder{Wait: 50 * time.Millisecond})

	go func() {
		for {
			call, err := relay.Next(ctx, "dev")
			if err != nil {
				return
			}
			if call == nil {
				continue
			}
			relay.Respond(ctx, "dev", call.RID, Response{Status: 200, Payload: call.Payload})
			return
		}
	}()

	res, err := relay.Invoke(ctx, "dev", "echo", json.RawMessage(`{"a":1}`), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 200, res.Status)
	assert.JSONEq(t, `{"a":1}`, string(res.Payload))
}

func TestRelayIdleAndTimeout(t *testing.T) {
	ctx := context.Background()
	relay := NewRelay(&RelayBuilder{Wait: 10 * time.Millisecond})

	call, err := relay.Next(ctx, "dev")
	assert.NoError(t, err)
	assert.Nil(t, call)

	_, err = relay.Invoke(ctx, "dev", "ping", nil, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)

	// calls which timed out are not handed out anymore
	call, err = relay.Next(ctx, "dev")
	assert.NoError(t, err)
	assert.Nil(t, call)

	assert.ErrorIs(t, relay.Respond(ctx, "dev", "nope", Response{}), ErrUnknownCall)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = relay.Next(cancelled, "dev")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRelayMQTT(t *testing.T) {
	ctx := context.Background()
	published := make(fakePublisher, 1)
	relay := NewRelay(&RelayBuilder{Publisher: published, Wait: 10 * time.Millisecond})
	relay.SetSubscribed("dev", true)

	go func() {
		msg := <-published
		parts := strings.Split(msg.topic, "/")
		// kurbisio/{device_id}/methods/{method}/{rid}
		if len(parts) != 5 {
			return
		}
		// a response for the wrong device is ignored
		relay.Respond(ctx, "intruder", parts[4], Response{Status: 500})
		relay.Respond(ctx, parts[1], parts[4], Response{Status: 200, Payload: msg.payload})
	}()

	res, err := relay.Invoke(ctx, "dev", "reboot", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 200, res.Status)
	assert.Equal(t, "null", string(res.Payload))

	// without subscription, calls go to the long-poll queue
	relay.SetSubscribed("dev", false)
	go func() {
		for {
			call, _ := relay.Next(ctx, "dev")
			if call != nil {
				relay.Respond(ctx, "dev", call.RID, Response{Status: 204})
				return
			}
		}
	}()
	res, err = relay.Invoke(ctx, "dev", "reboot", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 204, res.Status)
	assert.Len(t, published, 0)
}

func TestListenerThroughAPI(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	router := mux.NewRouter()
	NewAPI(&Builder{Relay: NewRelay(&RelayBuilder{Wait: 100 * time.Millisecond}), Router: router})

	listener := NewListener(NewRemoteSource(client.NewWithRouter(router)), "dev")
	listener.Handle("echo", HandlerFunc(func(ctx context.Context, payload json.RawMessage) Response {
		return Response{Status: http.StatusOK, Payload: payload}
	}))
	done := make(chan error, 1)
	go func() { done <- listener.Run(ctx) }()

	invoker := NewRemoteInvoker(client.NewWithRouter(router))
	res, err := invoker.Invoke(ctx, "dev", "echo", json.RawMessage(`"hello"`), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, `"hello"`, string(res.Payload))

	res, err = invoker.Invoke(ctx, "dev", "selfdestruct", nil, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotImplemented, res.Status)

	_, err = invoker.Invoke(ctx, "nobody", "echo", nil, time.Second)
	assert.ErrorIs(t, err, ErrTimeout)

	status, err := client.NewWithRouter(router).Put(ctx, "/devices/dev/methods/unknown/response", Response{Status: 200}, nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusNotFound, status)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}
}

func TestDispatchWithoutHandler(t *testing.T) {
	l := NewListener(nil, "dev")
	res, err := l.Dispatch(context.Background(), &Call{Method: "missing"})
	assert.ErrorIs(t, err, ErrNoHandler)
	assert.Equal(t, http.StatusNotImplemented, res.Status)
}
