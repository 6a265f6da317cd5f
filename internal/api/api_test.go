package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/npezzotti/go-huddle/internal/config"
	"github.com/npezzotti/go-huddle/internal/database"
	"github.com/npezzotti/go-huddle/internal/server"
	"github.com/npezzotti/go-huddle/internal/stats"
	"github.com/npezzotti/go-huddle/internal/testutil"
	"github.com/stretchr/testify/require"
)

var testSigningKey = []byte("test-signing-key")

func testConfig() *config.Config {
	return &config.Config{
		ServerAddr:     "localhost:8000",
		SigningKey:     testSigningKey,
		AllowedOrigins: []string{"http://localhost:3000"},
	}
}

func newTestServer(t *testing.T) (*Server, *server.Hub) {
	t.Helper()

	repo, err := database.NewBuntRepository(":memory:")
	require.NoError(t, err)

	hub, err := server.NewHub(testutil.TestLogger(t), repo, stats.NewPermissiveMock(), server.DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, hub.Start(context.Background()))

	t.Cleanup(func() {
		hub.Shutdown()
		repo.Close()
	})

	return NewServer(http.NewServeMux(), testutil.TestLogger(t), hub, repo, testConfig()), hub
}

func token(t *testing.T, identity string) string {
	t.Helper()
	tok, err := CreateToken(testSigningKey, identity, DefaultTokenExpiration)
	require.NoError(t, err)
	return tok
}

// do sends an authenticated request as identity through the full handler
// chain.
func do(t *testing.T, s *Server, method, path, identity string, body any) *httptest.ResponseRecorder {
	t.Helper()

	buf := &bytes.Buffer{}
	if body != nil {
		require.NoError(t, json.NewEncoder(buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, buf)
	if identity != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, identity))
	}

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&v), rr.Body.String())
	return v
}
