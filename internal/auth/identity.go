package auth

import (
	"context"
	"slices"
	"strings"

	"github.com/jomapps/mcp-story-bible-service/internal/svcerr"
)

// Identity is the authenticated caller. It is bound once per connection
// or request and never mutated afterwards.
type Identity struct {
	ID       string   `json:"id"`
	Email    string   `json:"email,omitempty"`
	Roles    []string `json:"roles"`
	Projects []string `json:"projects"`
}

func (i Identity) HasProject(projectID string) bool {
	return projectID != "" && slices.Contains(i.Projects, projectID)
}

func (i Identity) HasRole(role string) bool {
	return slices.Contains(i.Roles, role)
}

// EnsureAccess fails with an authorization error when projectID is not in
// the identity's project set. It performs no I/O.
func EnsureAccess(projectID string, identity Identity) error {
	if strings.TrimSpace(projectID) == "" || !identity.HasProject(projectID) {
		return svcerr.Authorization("User %s does not have access to project %s", identity.ID, projectID)
	}
	return nil
}

type identityKey struct{}

func WithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

func IdentityFrom(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(Identity)
	return identity, ok
}

// ParseBearer extracts the token of an "Authorization: Bearer <token>"
// header value.
func ParseBearer(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return "", false
	}
	token := strings.TrimSpace(header[7:])
	return token, token != ""
}
