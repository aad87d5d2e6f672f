package firmware

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/dmpatterns/iot/dm"
)

func requireTransportError(t *testing.T, err error, code int) {
	t.Helper()
	var te *dm.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, code, te.Code, te.Message)
}

func TestHTTPFetcher(t *testing.T) {
	image := []byte("[fake image data]")
	mux := http.NewServeMux()
	mux.HandleFunc("/fw.bin", func(w http.ResponseWriter, r *http.Request) {
		w.Write(image)
	})
	mux.HandleFunc("/big.bin", func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte{1}, 64))
	})
	server := httptest.NewTLSServer(mux)
	defer server.Close()

	f := NewHTTPFetcher(&FetcherBuilder{Client: server.Client(), MaxSize: 32})
	ctx := context.Background()

	data, err := f.Fetch(ctx, server.URL+"/fw.bin")
	require.NoError(t, err)
	assert.Equal(t, image, data)

	_, err = f.Fetch(ctx, server.URL+"/missing.bin")
	requireTransportError(t, err, http.StatusNotFound)

	_, err = f.Fetch(ctx, server.URL+"/big.bin")
	requireTransportError(t, err, http.StatusRequestEntityTooLarge)

	_, err = f.Fetch(ctx, strings.Replace(server.URL, "https://", "http://", 1)+"/fw.bin")
	requireTransportError(t, err, http.StatusBadRequest)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = f.Fetch(cancelled, server.URL+"/fw.bin")
	assert.ErrorIs(t, err, context.Canceled)
	var te *dm.TransportError
	assert.False(t, errors.As(err, &te))
}

func TestHTTPFetcherUnreachable(t *testing.T) {
	server := httptest.NewTLSServer(http.NotFoundHandler())
	client := server.Client()
	url := server.URL
	server.Close()

	f := NewHTTPFetcher(&FetcherBuilder{Client: client, Timeout: 5 * time.Second})
	_, err := f.Fetch(context.Background(), url+"/fw.bin")
	requireTransportError(t, err, http.StatusGatewayTimeout)
}

func TestSlotApplier(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "slots")
	a, err := NewSlotApplier(dir)
	require.NoError(t, err)
	ctx := context.Background()

	active, err := a.Active()
	require.NoError(t, err)
	assert.Empty(t, active)

	require.NoError(t, a.Apply(ctx, []byte("image one")))
	active, _ = a.Active()
	assert.Equal(t, SlotA, active)

	compressed := Compress([]byte("image two"))
	assert.True(t, IsCompressed(compressed))
	require.NoError(t, a.Apply(ctx, compressed))
	active, _ = a.Active()
	assert.Equal(t, SlotB, active)

	data, err := os.ReadFile(a.SlotPath(SlotA))
	require.NoError(t, err)
	assert.Equal(t, "image one", string(data))
	data, err = os.ReadFile(a.SlotPath(SlotB))
	require.NoError(t, err)
	assert.Equal(t, "image two", string(data))

	// failed applies leave the active slot alone
	requireTransportError(t, a.Apply(ctx, nil), http.StatusBadRequest)
	requireTransportError(t, a.Apply(ctx, append(append([]byte{}, zstdMagic...), 0xde, 0xad)), http.StatusBadRequest)
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, a.Apply(cancelled, []byte("image three")), context.Canceled)
	active, _ = a.Active()
	assert.Equal(t, SlotB, active)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".tmp-"), e.Name())
	}
}

func TestSlotApplierSizeLimit(t *testing.T) {
	a, err := NewSlotApplier(t.TempDir())
	require.NoError(t, err)
	a = a.WithMaxImageSize(1024)
	ctx := context.Background()

	// a small package must not inflate beyond the limit
	bomb := Compress(bytes.Repeat([]byte{0}, 64*1024))
	assert.Less(t, len(bomb), 1024)
	requireTransportError(t, a.Apply(ctx, bomb), http.StatusRequestEntityTooLarge)
	requireTransportError(t, a.Apply(ctx, bytes.Repeat([]byte{1}, 1025)), http.StatusRequestEntityTooLarge)
	active, err := a.Active()
	require.NoError(t, err)
	assert.Empty(t, active)
	_, err = os.Stat(a.SlotPath(SlotA))
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, a.Apply(ctx, Compress(bytes.Repeat([]byte{2}, 1024))))
	data, err := os.ReadFile(a.SlotPath(SlotA))
	require.NoError(t, err)
	assert.Len(t, data, 1024)
}

func TestS3StorePresignedURL(t *testing.T) {
	t.Setenv("AWS_CONFIG_FILE", filepath.Join(t.TempDir(), "config"))
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", filepath.Join(t.TempDir(), "credentials"))

	_, err := NewS3Store(context.Background(), S3Configuration{AWSRegion: "eu-central-1"})
	assert.Error(t, err)

	s, err := NewS3Store(context.Background(), S3Configuration{
		AWSRegion:     "eu-central-1",
		AWSBucketName: "packages",
		AccessID:      "AKIDEXAMPLE",
		AccessKey:     "secret",
		KeyPrefix:     "firmware/",
	})
	require.NoError(t, err)

	url, err := s.PresignedURL(context.Background(), "fw-1.0.bin", 15*time.Minute)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "https://packages.s3.eu-central-1.amazonaws.com/firmware/fw-1.0.bin?"), url)
	assert.Contains(t, url, "X-Amz-Expires=900")
	assert.True(t, dm.IsSecureURI(url))
}
