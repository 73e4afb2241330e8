package middleware

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fhirbridge/fhirbridge/services/ingestor/auth"
	"github.com/fhirbridge/fhirbridge/services/ingestor/datatypes"
	"github.com/fhirbridge/fhirbridge/services/ingestor/store"
)

type emptyKeyStore struct{}

func (emptyKeyStore) InsertKey(context.Context, *datatypes.APIKey) error { return nil }
func (emptyKeyStore) LookupKey(context.Context, string) (*datatypes.APIKey, error) {
	return nil, store.ErrNotFound
}
func (emptyKeyStore) TouchKey(context.Context, string) error { return nil }

type failingKeyStore struct{}

func (failingKeyStore) InsertKey(context.Context, *datatypes.APIKey) error { return nil }
func (failingKeyStore) LookupKey(context.Context, string) (*datatypes.APIKey, error) {
	return nil, fmt.Errorf("connection refused")
}
func (failingKeyStore) TouchKey(context.Context, string) error { return nil }

func newRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	provider := auth.NewProvider(emptyKeyStore{}, "master-secret")

	router := gin.New()
	router.Use(AuthMiddleware(provider))
	router.GET("/protected", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return router
}

func perform(router *gin.Engine, authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware(t *testing.T) {
	router := newRouter(t)

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"valid bearer", "Bearer master-secret", http.StatusOK},
		{"lowercase scheme", "bearer master-secret", http.StatusOK},
		{"wrong key", "Bearer nope", http.StatusForbidden},
		{"missing header", "", http.StatusForbidden},
		{"malformed header", "master-secret", http.StatusForbidden},
		{"wrong scheme", "Basic master-secret", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := perform(router, tt.header)
			require.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusForbidden {
				assert.Contains(t, w.Body.String(), "invalid or missing API key")
			}
		})
	}
}

func TestAuthMiddleware_StoreOutageIs503(t *testing.T) {
	gin.SetMode(gin.TestMode)
	provider := auth.NewProvider(failingKeyStore{}, "")

	router := gin.New()
	router.Use(AuthMiddleware(provider))
	router.GET("/protected", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	// A store failure must not look like a revoked key, or clients would
	// discard valid cached keys during a database blip.
	w := perform(router, "Bearer sk-valid-but-unverifiable")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "30", w.Header().Get("Retry-After"))
}
