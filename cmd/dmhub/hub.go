package main

import (
	"net/http"
	"sync"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/dmpatterns/core/logger"
	"github.com/relabs-tech/dmpatterns/iot"
	"github.com/relabs-tech/dmpatterns/iot/credentials"
	"github.com/relabs-tech/dmpatterns/iot/methods"
	"github.com/relabs-tech/dmpatterns/iot/twin"
)

type hubConfig struct {
	Store               twin.Store
	SharedAccessKey     string
	SharedAccessKeyName string
}

// hub bundles the REST side of the hub. The MQTT broker is attached later, because
// it needs the relay and the relay publishes through the broker.
type hub struct {
	router   *mux.Router
	relay    *methods.Relay
	verifier *credentials.Verifier

	mutex     sync.RWMutex
	publisher iot.MessagePublisher
}

func newHub(c *hubConfig) *hub {
	h := &hub{router: mux.NewRouter()}
	h.relay = methods.NewRelay(&methods.RelayBuilder{Publisher: iot.MessagePublisherFunc(h.publish)})
	h.verifier = credentials.NewVerifier(&credentials.VerifierBuilder{
		KeyName: c.SharedAccessKeyName,
		Key:     c.SharedAccessKey,
	})

	logger.AddRequestID(h.router)
	h.router.Use(h.verifier.Middleware())
	h.router.Use(func(next http.Handler) http.Handler {
		return handlers.CompressHandler(next)
	})
	twin.NewAPI(&twin.Builder{Store: c.Store, Router: h.router})
	methods.NewAPI(&methods.Builder{Relay: h.relay, Router: h.router})
	return h
}

func (h *hub) setPublisher(p iot.MessagePublisher) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.publisher = p
}

func (h *hub) publish(topic string, payload []byte) {
	h.mutex.RLock()
	p := h.publisher
	h.mutex.RUnlock()
	if p == nil {
		logger.Default().Warnln("no broker, dropped message on", topic)
		return
	}
	p.PublishMessageQ1(topic, payload)
}
