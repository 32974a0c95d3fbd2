// Package auth verifies bearer credentials against the document store's
// identity endpoint and guards project-scoped resources.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrUnavailable  = errors.New("identity service unavailable")
)

const mePath = "/api/users/me"

type Verifier struct {
	baseURL string
	timeout time.Duration
	client  *http.Client
}

// NewVerifier returns a verifier owning client. The caller creates the
// client at startup and releases it with Close at shutdown.
func NewVerifier(baseURL string, timeout time.Duration, client *http.Client) *Verifier {
	if client == nil {
		client = &http.Client{}
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Verifier{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
		client:  client,
	}
}

// Verify exchanges token for the caller's identity.
func (v *Verifier) Verify(ctx context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrInvalidToken
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+mePath, nil)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Identity{}, ErrInvalidToken
	case resp.StatusCode >= 500:
		return Identity{}, fmt.Errorf("%w: status=%d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return Identity{}, fmt.Errorf("%w: status=%d", ErrInvalidToken, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: read identity: %v", ErrUnavailable, err)
	}
	identity, err := decodeIdentity(body)
	if err != nil {
		return Identity{}, err
	}
	return identity, nil
}

func (v *Verifier) Close() {
	v.client.CloseIdleConnections()
}

// decodeIdentity accepts a bare identity document or {"doc": identity}.
// Payload may return user ids and project references as numbers or
// populated relation objects, so both are normalised to strings.
func decodeIdentity(body []byte) (Identity, error) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return Identity{}, fmt.Errorf("%w: identity is not a JSON object", ErrInvalidToken)
	}
	if doc, ok := raw["doc"].(map[string]any); ok {
		raw = doc
	}
	if user, ok := raw["user"].(map[string]any); ok && raw["id"] == nil {
		raw = user
	}

	identity := Identity{
		ID:       refString(raw["id"]),
		Roles:    refStrings(raw["roles"]),
		Projects: refStrings(raw["projects"]),
	}
	if email, ok := raw["email"].(string); ok {
		identity.Email = email
	}
	if identity.ID == "" {
		return Identity{}, fmt.Errorf("%w: identity has no id", ErrInvalidToken)
	}
	return identity, nil
}

func refString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return fmt.Sprintf("%.0f", t)
	case map[string]any:
		return refString(t["id"])
	default:
		return ""
	}
}

func refStrings(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return []string{}
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s := refString(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}
