package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret-0123456789"

func TestVerify(t *testing.T) {
	v := NewVerifier(logs.NewTestingLog(t), secret)
	tok, err := NewToken(secret, "65f1c0ffee", time.Hour)
	require.NoError(t, err)
	cred, err := v.Verify(tok)
	require.NoError(t, err)
	require.Equal(t, "65f1c0ffee", cred.UserID)

	// wrong secret
	other, _ := NewToken("another-secret", "65f1c0ffee", time.Hour)
	_, err = v.Verify(other)
	require.ErrorIs(t, err, ErrInvalidToken)

	// expired
	old, _ := NewToken(secret, "65f1c0ffee", -time.Minute)
	_, err = v.Verify(old)
	require.ErrorIs(t, err, ErrInvalidToken)

	// no user id
	empty, _ := NewToken(secret, "", time.Hour)
	_, err = v.Verify(empty)
	require.ErrorIs(t, err, ErrInvalidToken)

	// "none" algorithm is refused
	none := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{})
	s, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = v.Verify(s)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthenticateRequest(t *testing.T) {
	v := NewVerifier(logs.NewTestingLog(t), secret)
	tok, _ := NewToken(secret, "user-7", time.Hour)

	cases := []struct {
		header  string
		message string
	}{
		{"", ErrNoToken.Error()},
		{"Bearer", ErrBadTokenFormat.Error()},
		{"Basic abc", ErrBadTokenFormat.Error()},
		{"Bearer garbage", ErrInvalidToken.Error()},
	}
	for _, c := range cases {
		r := httptest.NewRequest("GET", "/", nil)
		if c.header != "" {
			r.Header.Set("Authorization", c.header)
		}
		w := httptest.NewRecorder()
		require.Nil(t, v.AuthenticateRequest(w, r))
		require.Equal(t, http.StatusUnauthorized, w.Code)
		body := map[string]string{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		require.Equal(t, c.message, body["message"], c.header)
	}

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	cred := v.AuthenticateRequest(w, r)
	require.NotNil(t, cred)
	require.Equal(t, "user-7", cred.UserID)
}
