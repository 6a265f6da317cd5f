package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentity(t *testing.T) {
	tcases := []struct {
		name     string
		ctx      context.Context
		identity string
		expected bool
	}{
		{
			name:     "no identity",
			ctx:      context.Background(),
			expected: false,
		},
		{
			name:     "empty identity",
			ctx:      WithIdentity(context.Background(), ""),
			expected: false,
		},
		{
			name:     "identity set",
			ctx:      WithIdentity(context.Background(), "alice"),
			identity: "alice",
			expected: true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			identity, ok := Identity(tc.ctx)
			assert.Equal(t, tc.expected, ok)
			assert.Equal(t, tc.identity, identity)
		})
	}
}

func TestIdentityFromToken(t *testing.T) {
	s := &Server{signingKey: testSigningKey}

	t.Run("valid token", func(t *testing.T) {
		identity, err := s.identityFromToken(token(t, "alice"))
		require.NoError(t, err)
		assert.Equal(t, "alice", identity)
	})

	t.Run("expired token", func(t *testing.T) {
		tok, err := CreateToken(testSigningKey, "alice", -time.Minute)
		require.NoError(t, err)
		_, err = s.identityFromToken(tok)
		assert.Error(t, err)
	})

	t.Run("wrong key", func(t *testing.T) {
		tok, err := CreateToken([]byte("other-key"), "alice", time.Minute)
		require.NoError(t, err)
		_, err = s.identityFromToken(tok)
		assert.Error(t, err)
	})

	t.Run("missing subject", func(t *testing.T) {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			expClaim: time.Now().Add(time.Minute).Unix(),
		}).SignedString(testSigningKey)
		require.NoError(t, err)
		_, err = s.identityFromToken(tok)
		assert.ErrorContains(t, err, "subject")
	})

	t.Run("unsigned token", func(t *testing.T) {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
			subjectClaim: "alice",
		}).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = s.identityFromToken(tok)
		assert.Error(t, err)
	})

	_, err := CreateToken(testSigningKey, "", time.Minute)
	assert.Error(t, err)
}

func TestTokenFromRequest(t *testing.T) {
	tcases := []struct {
		name     string
		header   string
		cookie   string
		expected string
	}{
		{name: "bearer header", header: "Bearer abc", expected: "abc"},
		{name: "cookie", cookie: "def", expected: "def"},
		{name: "header wins", header: "Bearer abc", cookie: "def", expected: "abc"},
		{name: "other scheme", header: "Basic abc", expected: ""},
		{name: "nothing", expected: ""},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			if tc.cookie != "" {
				req.AddCookie(&http.Cookie{Name: tokenCookieKey, Value: tc.cookie})
			}
			assert.Equal(t, tc.expected, tokenFromRequest(req))
		})
	}
}
