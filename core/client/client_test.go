package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/things/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"` + mux.Vars(r)["id"] + `","auth":"` + r.Header.Get("Authorization") + `"}`))
	}).Methods(http.MethodGet)
	router.HandleFunc("/things/{id}", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Write(body)
	}).Methods(http.MethodPut)
	router.HandleFunc("/empty", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodGet)
	router.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such thing", http.StatusNotFound)
	}).Methods(http.MethodGet)
	return router
}

func TestClientWithRouter(t *testing.T) {
	c := NewWithRouter(newTestRouter()).WithTokenSource(func() (string, error) { return "secret", nil })
	ctx := context.Background()

	var thing struct {
		ID   string `json:"id"`
		Auth string `json:"auth"`
	}
	status, err := c.Get(ctx, "/things/a", &thing)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "a", thing.ID)
	assert.Equal(t, "secret", thing.Auth)

	var echoed map[string]interface{}
	_, err = c.Put(ctx, "/things/a", map[string]interface{}{"x": 1.0}, &echoed)
	require.NoError(t, err)
	assert.Equal(t, 1.0, echoed["x"])

	var raw []byte
	_, err = c.Put(ctx, "/things/a", []byte(`{"y":2}`), &raw)
	require.NoError(t, err)
	assert.JSONEq(t, `{"y":2}`, string(raw))

	status, err = c.Get(ctx, "/empty", &thing)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)

	status, err = c.Get(ctx, "/broken", nil)
	assert.Equal(t, http.StatusNotFound, status)
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, "no such thing", statusErr.Body)
}

func TestClientWithURL(t *testing.T) {
	srv := httptest.NewServer(newTestRouter())
	defer srv.Close()

	c := NewWithURL(srv.URL + "/").WithHeader("Authorization", "static")
	var thing map[string]string
	_, err := c.Get(context.Background(), "/things/b", &thing)
	require.NoError(t, err)
	assert.Equal(t, "b", thing["id"])
	assert.Equal(t, "static", thing["auth"])
}

func TestClientTokenSourceError(t *testing.T) {
	c := NewWithRouter(newTestRouter()).WithTokenSource(func() (string, error) { return "", errors.New("expired") })
	status, err := c.Get(context.Background(), "/things/a", nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, status)
}
