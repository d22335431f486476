// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pegasus-isi/gpumon/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findFreePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = l.Close() }()
	return l.Addr().(*net.TCPAddr).Port
}

func TestNewAPIServer(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		s := NewAPIServer()
		assert.Equal(t, "api-server", s.Name())
		assert.Equal(t, []string{config.DefaultListenAddress}, *s.webConfig.WebListenAddresses)
		assert.Empty(t, *s.webConfig.WebConfigFile)
	})

	t.Run("with listen", func(t *testing.T) {
		s := NewAPIServer(
			WithLogger(slog.Default().With("test", "custom")),
			WithListen([]string{":9090", ":9091"}, "web.yaml"),
		)
		assert.Equal(t, []string{":9090", ":9091"}, *s.webConfig.WebListenAddresses)
		assert.Equal(t, "web.yaml", *s.webConfig.WebConfigFile)
	})
}

func TestAPIServerRegister(t *testing.T) {
	s := NewAPIServer()
	require.NoError(t, s.Init())

	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("pong"))
	})
	require.NoError(t, s.Register("/ping", "Ping", "Replies pong", ok))

	err := s.Register("/ping", "Ping", "again", ok)
	assert.ErrorContains(t, err, "/ping already registered")

	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, "pong", rec.Body.String())

	rec = httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, "<h1>gpumon</h1>")
	assert.Contains(t, body, `<a href="/ping">Ping</a> Replies pong`)

	rec = httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPIServerLandingPageEscapes(t *testing.T) {
	s := NewAPIServer()
	require.NoError(t, s.Init())
	require.NoError(t, s.Register("/x", "<script>", "a & b", http.NotFoundHandler()))

	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotContains(t, rec.Body.String(), "<script>")
	assert.Contains(t, rec.Body.String(), "a &amp; b")
}

func TestAPIServerRun(t *testing.T) {
	addr := fmt.Sprintf("127.0.0.1:%d", findFreePort(t))
	s := NewAPIServer(WithListen([]string{addr}, ""))
	require.NoError(t, s.Init())
	require.NoError(t, s.Register("/gpu/test", "Test", "Test endpoint", http.HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	client := &http.Client{Timeout: 500 * time.Millisecond}
	var resp *http.Response
	require.Eventually(t, func() bool {
		var err error
		resp, err = client.Get("http://" + addr + "/")
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Contains(t, string(body), "/gpu/test")

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.NoError(t, s.Shutdown())
}

func TestAPIServerPortConflict(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	s := NewAPIServer(WithListen([]string{l.Addr().String()}, ""))
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	err = s.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "in use")
}

func TestAPIServerShutdownWithoutRun(t *testing.T) {
	assert.NoError(t, NewAPIServer().Shutdown())
}
