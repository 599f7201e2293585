// Package auth decides who may control a tournament clock. Displays never
// need a token; start, pause and the other director commands do.
package auth

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrInvalidToken means the token was checked and refused.
	ErrInvalidToken = errors.New("auth: invalid token")

	// ErrUnavailable means no decision could be made.
	ErrUnavailable = errors.New("auth: unavailable")
)

// Identity is an authenticated tournament director.
type Identity struct {
	DirectorID string `json:"director_id"`
	Name       string `json:"name"`
}

// Validator validates director tokens.
type Validator interface {
	// Validate returns the director for token, ErrInvalidToken when it is
	// rejected, or ErrUnavailable when no decision could be made. A nil
	// identity with a nil error means access control is off.
	Validate(ctx context.Context, token string) (*Identity, error)
}

// TokenFromRequest extracts a bearer token from the Authorization header, or
// from the "token" query parameter for browser WebSocket clients that cannot
// set headers.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// StaticValidator accepts a fixed set of tokens from configuration.
type StaticValidator struct {
	tokens map[string]string // token -> director name
}

// NewStaticValidator creates a validator for token -> director name pairs.
func NewStaticValidator(tokens map[string]string) *StaticValidator {
	copied := make(map[string]string, len(tokens))
	for token, name := range tokens {
		if token != "" {
			copied[token] = name
		}
	}
	return &StaticValidator{tokens: copied}
}

func (v *StaticValidator) Validate(_ context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}
	for candidate, name := range v.tokens {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			return &Identity{DirectorID: name, Name: name}, nil
		}
	}
	return nil, ErrInvalidToken
}

// HTTPValidator asks an external service whether a token belongs to a
// director. The secret, when set, is sent as X-Admin-Secret.
type HTTPValidator struct {
	url    string
	secret string
	client *http.Client
}

// NewHTTPValidator creates a validator for the endpoint at url.
func NewHTTPValidator(url, secret string) *HTTPValidator {
	return &HTTPValidator{url: url, secret: secret, client: &http.Client{Timeout: time.Second}}
}

type validateRequest struct {
	Token string `json:"token"`
}

type validateResponse struct {
	Valid      bool   `json:"valid"`
	DirectorID string `json:"director_id,omitempty"`
	Name       string `json:"name,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Validate posts the token to the validation endpoint. 401 and 403 are a
// rejection; every other failure means the service could not decide.
func (v *HTTPValidator) Validate(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}

	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	resp, err := v.post(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrInvalidToken
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var body validateResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	if !body.Valid {
		return nil, ErrInvalidToken
	}
	return &Identity{DirectorID: body.DirectorID, Name: body.Name}, nil
}

func (v *HTTPValidator) post(ctx context.Context, token string) (*http.Response, error) {
	payload, err := json.Marshal(validateRequest{Token: token})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if v.secret != "" {
		req.Header.Set("X-Admin-Secret", v.secret)
	}
	return v.client.Do(req)
}

// NoopValidator lets anyone control the clock.
type NoopValidator struct{}

// NewNoopValidator returns a validator that turns access control off.
func NewNoopValidator() *NoopValidator { return &NoopValidator{} }

func (v *NoopValidator) Validate(context.Context, string) (*Identity, error) {
	return nil, nil
}
