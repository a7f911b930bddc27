package identity_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jorgeolive/peregrinapp-backend/internal/identity"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret string, claims jwt.RegisteredClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestVerifyValidToken(t *testing.T) {
	v := identity.NewJWTVerifier(testSecret)
	token := signToken(t, testSecret, jwt.RegisteredClaims{
		Subject:   "42",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})

	subject, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "42", subject)
}

func TestVerifyRejections(t *testing.T) {
	v := identity.NewJWTVerifier(testSecret)

	cases := map[string]string{
		"empty token": "",
		"wrong secret": signToken(t, "other-secret", jwt.RegisteredClaims{
			Subject:   "42",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}),
		"expired": signToken(t, testSecret, jwt.RegisteredClaims{
			Subject:   "42",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		}),
		"missing subject": signToken(t, testSecret, jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}),
	}

	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(token)
			assert.True(t, errors.Is(err, identity.ErrTokenInvalid), "expected ErrTokenInvalid, got %v", err)
		})
	}
}

func TestHTTPDirectoryFetchUser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/users/42":
			w.Write([]byte(`{"id":"42","displayName":"Maria","phoneNumber":"+34600000000","isActivated":true,"dmsEnabled":true}`))
		case "/users/99":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	d := identity.NewHTTPDirectory(srv.URL, time.Second)

	user, found, err := d.FetchUser(context.Background(), "42")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Maria", user.DisplayName)
	assert.True(t, user.IsActivated)

	_, found, err = d.FetchUser(context.Background(), "99")
	require.NoError(t, err)
	assert.False(t, found, "404 means absent, not error")

	_, _, err = d.FetchUser(context.Background(), "boom")
	assert.Error(t, err)
}
