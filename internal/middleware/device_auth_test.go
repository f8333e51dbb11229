package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeviceAuth(t *testing.T) {
	InitDeviceAuth("fleet-secret")

	var seenDeviceID string
	handler := DeviceAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenDeviceID, _ = r.Context().Value("deviceID").(string)
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("valid credential passes device id through", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/sync/batch", nil)
		req.Header.Set(HeaderDeviceID, "kiosk-01")
		req.Header.Set(HeaderSyncSecret, "fleet-secret")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "kiosk-01", seenDeviceID)
	})

	t.Run("missing device id", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/sync/batch", nil)
		req.Header.Set(HeaderSyncSecret, "fleet-secret")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("missing secret", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/sync/batch", nil)
		req.Header.Set(HeaderDeviceID, "kiosk-01")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("wrong secret", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/sync/batch", nil)
		req.Header.Set(HeaderDeviceID, "kiosk-01")
		req.Header.Set(HeaderSyncSecret, "guess")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}
