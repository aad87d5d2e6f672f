package methods

import (
	"errors"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/dmpatterns/core/logger"
)

// API is the hub's RESTful interface for direct methods
type API struct {
	relay *Relay
}

// Builder is a builder helper for the methods API
type Builder struct {
	// Relay passes calls to devices. This is mandatory.
	Relay *Relay
	// Router is a mux router. This is mandatory.
	Router *mux.Router
}

// NewAPI realizes the actual API and adds its routes to the router
func NewAPI(b *Builder) *API {
	if b.Relay == nil {
		panic("Relay is missing")
	}
	if b.Router == nil {
		panic("Router is missing")
	}
	a := &API{relay: b.Relay}
	a.handleRoutes(b.Router)
	return a
}

// InvokeRequest is the body of a method invocation
type InvokeRequest struct {
	Payload          json.RawMessage `json:"payload,omitempty"`
	TimeoutInSeconds int             `json:"timeout_in_seconds,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	jsonData, _ := json.MarshalIndent(v, "", " ")
	w.Write(jsonData)
}

func (a *API) handleRoutes(router *mux.Router) {
	logger.Default().Debugln("methods: handle route /devices/{device_id}/methods/next GET")
	logger.Default().Debugln("methods: handle route /devices/{device_id}/methods/{method} POST")
	logger.Default().Debugln("methods: handle route /devices/{device_id}/methods/{rid}/response PUT")

	router.HandleFunc("/devices/{device_id}/methods/next", func(w http.ResponseWriter, r *http.Request) {
		deviceID := mux.Vars(r)["device_id"]
		call, err := a.relay.Next(r.Context(), deviceID)
		if err != nil {
			// the device went away
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if call == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, call)
	}).Methods(http.MethodGet)

	router.HandleFunc("/devices/{device_id}/methods/{method}", func(w http.ResponseWriter, r *http.Request) {
		params := mux.Vars(r)
		deviceID, method := params["device_id"], params["method"]
		var req InvokeRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "invalid json data", http.StatusBadRequest)
				return
			}
		}
		if len(req.Payload) > 0 && !json.Valid(req.Payload) {
			http.Error(w, "invalid json payload", http.StatusBadRequest)
			return
		}
		timeout := time.Duration(req.TimeoutInSeconds) * time.Second
		res, err := a.relay.Invoke(r.Context(), deviceID, method, req.Payload, timeout)
		if errors.Is(err, ErrTimeout) {
			http.Error(w, err.Error(), http.StatusGatewayTimeout)
			return
		}
		if err != nil {
			logger.FromContext(r.Context()).WithError(err).Errorf("cannot invoke %s on %s", method, deviceID)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}).Methods(http.MethodPost)

	router.HandleFunc("/devices/{device_id}/methods/{rid}/response", func(w http.ResponseWriter, r *http.Request) {
		params := mux.Vars(r)
		deviceID, rid := params["device_id"], params["rid"]
		var res Response
		if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
			http.Error(w, "invalid json data", http.StatusBadRequest)
			return
		}
		err := a.relay.Respond(r.Context(), deviceID, rid, res)
		if errors.Is(err, ErrUnknownCall) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodPut)
}
