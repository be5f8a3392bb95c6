package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serveHealth(h *HealthHandler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, path, nil)
	if path == "/health/live" {
		h.Live(c)
	} else {
		h.Ready(c)
	}
	return w
}

func TestHealthHandler_Live(t *testing.T) {
	w := serveHealth(NewHealthHandler(nil), "/health/live")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealthHandler_Ready(t *testing.T) {
	redisOK := PingFunc(func(ctx context.Context) error { return nil })
	chainDown := PingFunc(func(ctx context.Context) error { return errors.New("no healthy rpc") })

	t.Run("not ready", func(t *testing.T) {
		h := NewHealthHandler(map[string]Pinger{"redis": redisOK})
		w := serveHealth(h, "/health/ready")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})

	t.Run("ready", func(t *testing.T) {
		h := NewHealthHandler(map[string]Pinger{"redis": redisOK})
		h.SetReady(true)
		w := serveHealth(h, "/health/ready")
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("dependency down", func(t *testing.T) {
		h := NewHealthHandler(map[string]Pinger{"redis": redisOK, "chain": chainDown})
		h.SetReady(true)
		w := serveHealth(h, "/health/ready")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)

		var body struct {
			Checks map[string]string `json:"checks"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "ok", body.Checks["redis"])
		assert.Equal(t, "no healthy rpc", body.Checks["chain"])
	})
}
