package metrics

import (
	"context"
	"io"
	"net/http"
	"testing"

	"grid_trader/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T) *Server {
	t.Helper()

	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)

	s := NewServer(0, logger)
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

func TestServer_ServesHealthz(t *testing.T) {
	s := startTestServer(t)

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))
}

func TestServer_ServesPrometheusScrape(t *testing.T) {
	s := startTestServer(t)

	resp, err := http.Get("http://" + s.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_StopWithoutStartIsNoop(t *testing.T) {
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)

	s := NewServer(0, logger)
	assert.NoError(t, s.Stop(context.Background()))
	assert.Empty(t, s.Addr())
}
