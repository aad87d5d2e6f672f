package twin

import (
	"errors"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/dmpatterns/core/logger"
)

// API is the hub's RESTful interface for the device twin.
type API struct {
	store Store
}

// Builder is a builder helper for the twin API
type Builder struct {
	// Store holds the twins. This is mandatory.
	Store Store
	// Router is a mux router. This is mandatory.
	Router *mux.Router
}

// NewAPI realizes the actual API and adds its routes to the router
func NewAPI(b *Builder) *API {
	if b.Store == nil {
		panic("Store is missing")
	}
	if b.Router == nil {
		panic("Router is missing")
	}
	a := &API{store: b.Store}
	a.handleRoutes(b.Router)
	return a
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	jsonData, _ := json.MarshalIndent(v, "", " ")
	w.Write(jsonData)
}

func (a *API) handleRoutes(router *mux.Router) {
	logger.Default().Debugln("twin: handle route /devices/{device_id}/twin GET")
	logger.Default().Debugln("twin: handle route /devices/{device_id}/twin/{key}/report GET")
	logger.Default().Debugln("twin: handle route /devices/{device_id}/twin/reported PATCH")

	router.HandleFunc("/devices/{device_id}/twin", func(w http.ResponseWriter, r *http.Request) {
		deviceID := mux.Vars(r)["device_id"]
		doc, err := a.store.Reported(r.Context(), deviceID)
		if err != nil {
			logger.FromContext(r.Context()).WithError(err).Errorln("cannot read twin of", deviceID)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, doc)
	}).Methods(http.MethodGet)

	router.HandleFunc("/devices/{device_id}/twin/{key}/report", func(w http.ResponseWriter, r *http.Request) {
		params := mux.Vars(r)
		deviceID, key := params["device_id"], params["key"]
		value, err := Report(r.Context(), a.store, deviceID, key)
		if errors.Is(err, ErrNotFound) {
			http.Error(w, "no such report", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, value)
	}).Methods(http.MethodGet)

	router.HandleFunc("/devices/{device_id}/twin/reported", func(w http.ResponseWriter, r *http.Request) {
		deviceID := mux.Vars(r)["device_id"]
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		patch, err := PropertiesFrom(body)
		if err != nil {
			http.Error(w, "invalid json data", http.StatusBadRequest)
			return
		}
		version, err := a.store.UpdateReported(r.Context(), deviceID, patch)
		if errors.Is(err, ErrInvalidPatch) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err != nil {
			logger.FromContext(r.Context()).WithError(err).Errorln("cannot update twin of", deviceID)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, versionResponse{Version: version})
	}).Methods(http.MethodPatch)
}
