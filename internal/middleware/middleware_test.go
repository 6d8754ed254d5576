package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecordsStatus(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Metrics)
	r.Get("/v1/records", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/records", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)

	// Requests outside a chi router still pass through.
	plain := httptest.NewRecorder()
	Metrics(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})).ServeHTTP(plain, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, plain.Code)
	require.Equal(t, "ok", plain.Body.String())
}
