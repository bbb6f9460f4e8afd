package tracing

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_ServesSnapshot(t *testing.T) {
	r, err := Start(time.Second, 0)
	require.NoError(t, err)
	defer r.Stop()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/debug/trace", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/octet-stream", w.Header().Get("Content-Type"))
	assert.NotZero(t, w.Body.Len())
}

func TestRecorder_StoppedIsUnavailable(t *testing.T) {
	r, err := Start(time.Second, 1<<20)
	require.NoError(t, err)
	r.Stop()
	r.Stop()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/debug/trace", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
