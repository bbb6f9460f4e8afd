package loki

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLoki struct {
	mu     sync.Mutex
	pushes []pushRequest
	status int
}

func (f *fakeLoki) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != PushPath || r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req pushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, req)
	if f.status != 0 {
		w.WriteHeader(f.status)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeLoki) lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, p := range f.pushes {
		for _, s := range p.Streams {
			for _, v := range s.Values {
				out = append(out, v[1])
			}
		}
	}
	return out
}

func TestWriter_FlushesFullBatch(t *testing.T) {
	f := &fakeLoki{}
	srv := httptest.NewServer(f)
	defer srv.Close()

	w := New(Config{URL: srv.URL, BatchSize: 2, FlushInterval: time.Hour, Labels: map[string]string{"role": "storage"}})
	defer func() { _ = w.Close() }()

	logger := zerolog.New(w)
	logger.Info().Msg("first")
	logger.Info().Msg("second")

	require.Eventually(t, func() bool { return len(f.lines()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, f.lines()[0], `"message":"first"`)

	f.mu.Lock()
	labels := f.pushes[0].Streams[0].Stream
	f.mu.Unlock()
	assert.Equal(t, map[string]string{"job": "filemesh", "role": "storage"}, labels)
}

func TestWriter_CloseFlushesRemainder(t *testing.T) {
	f := &fakeLoki{}
	srv := httptest.NewServer(f)
	defer srv.Close()

	w := New(Config{URL: srv.URL, BatchSize: 100, FlushInterval: time.Hour})
	_, err := w.Write([]byte("{\"message\":\"tail\"}\n"))
	require.NoError(t, err)
	_, err = w.Write([]byte("  \n"))
	require.NoError(t, err)

	require.NoError(t, w.Close())
	assert.Equal(t, []string{`{"message":"tail"}`}, f.lines())
	assert.Zero(t, w.Failures())
}

func TestWriter_CountsFailures(t *testing.T) {
	f := &fakeLoki{status: http.StatusInternalServerError}
	srv := httptest.NewServer(f)
	defer srv.Close()

	w := New(Config{URL: srv.URL, FlushInterval: time.Hour})
	_, _ = w.Write([]byte("line"))
	assert.Error(t, w.Close())
	assert.Equal(t, uint64(1), w.Failures())
}
