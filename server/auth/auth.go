// Package auth verifies the bearer tokens that our login service issues
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/golang-jwt/jwt/v5"
)

var ErrNoToken = errors.New("No token, authorization denied")
var ErrBadTokenFormat = errors.New("Invalid token format, authorization denied")
var ErrInvalidToken = errors.New("Token is not valid")

// Claims is the payload of a token: {"user": {"id": "..."}}
type Claims struct {
	User struct {
		ID string `json:"id"`
	} `json:"user"`
	jwt.RegisteredClaims
}

type Credentials struct {
	UserID string
}

type Verifier struct {
	log    logs.Log
	secret []byte
	parser *jwt.Parser
}

func NewVerifier(log logs.Log, secret string) *Verifier {
	return &Verifier{
		log:    log,
		secret: []byte(secret),
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()),
	}
}

// Verify parses a token, and checks its signature and expiry
func (v *Verifier) Verify(token string) (*Credentials, error) {
	claims := &Claims{}
	parsed, err := v.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.User.ID == "" {
		return nil, ErrInvalidToken
	}
	return &Credentials{
		UserID: claims.User.ID,
	}, nil
}

// Extract the token from an "Authorization: Bearer <token>" header
func BearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", ErrNoToken
	}
	scheme, token, ok := strings.Cut(h, " ")
	token = strings.TrimSpace(token)
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", ErrBadTokenFormat
	}
	return token, nil
}

// If authorization fails, sends a response to 'w', and returns nil
// If authorization succeeds, returns a non-nil Credentials
func (v *Verifier) AuthenticateRequest(w http.ResponseWriter, r *http.Request) *Credentials {
	token, err := BearerToken(r)
	if err == nil {
		var cred *Credentials
		cred, err = v.Verify(token)
		if err == nil {
			return cred
		}
		v.log.Infof("Token verification failed: %v", err)
		err = ErrInvalidToken
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"message": err.Error()})
	return nil
}

// NewToken issues a token in the same format as our login service
func NewToken(secret, userID string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	claims.User.ID = userID
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
