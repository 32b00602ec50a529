package main

import (
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeServer struct{}

func (fakeServer) GetStats() string { return "sockets=2,users=1,rooms=1,uptime=1s" }

type stopRecorder struct {
	mu         sync.Mutex
	reason     string
	completion time.Time
	calls      int
	done       chan struct{}
}

func (s *stopRecorder) stop(reason string, completion time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reason, s.completion = reason, completion
	s.calls++
	close(s.done)
}

func startTestControl(t *testing.T) (string, *stopRecorder) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "campus.sock")
	rec := &stopRecorder{done: make(chan struct{})}
	ctl, err := startControlSocket(path, fakeServer{}, rec.stop, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { ctl.Close() })
	return path, rec
}

func TestControlStats(t *testing.T) {
	path, _ := startTestControl(t)

	reply, err := sendControl(path, "stats")
	require.NoError(t, err)
	assert.Equal(t, "sockets=2,users=1,rooms=1,uptime=1s", reply)

	_, err = sendControl(path, "reboot")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unknown command")
}

func TestControlShutdown(t *testing.T) {
	path, rec := startTestControl(t)

	_, err := sendControl(path, "shutdown", "restart", "not a time")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid completion time")

	reply, err := sendControl(path, "shutdown", "restart", "2030-01-01T00:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, "Shutting down", reply)

	select {
	case <-rec.done:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown was not requested")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, "restart", rec.reason)
	assert.Equal(t, time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC), rec.completion)
}

func TestControlSocketUnavailable(t *testing.T) {
	_, err := sendControl(filepath.Join(t.TempDir(), "missing.sock"), "stats")
	assert.Error(t, err)
}
