package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jomapps/mcp-story-bible-service/internal/svcerr"
)

func TestEnsureAccess(t *testing.T) {
	identity := Identity{ID: "user-1", Projects: []string{"proj-1"}}
	if err := EnsureAccess("proj-1", identity); err != nil {
		t.Fatalf("EnsureAccess(proj-1) error = %v", err)
	}

	err := EnsureAccess("proj-2", identity)
	if !svcerr.Is(err, svcerr.KindAuthorization) {
		t.Fatalf("EnsureAccess(proj-2) error = %v, want authorization", err)
	}
	if !strings.Contains(err.Error(), "proj-2") || !strings.Contains(err.Error(), "user-1") {
		t.Fatalf("message should name user and project: %q", err.Error())
	}

	if err := EnsureAccess("", identity); !svcerr.Is(err, svcerr.KindAuthorization) {
		t.Fatalf("empty project must be denied, got %v", err)
	}
}

func TestParseBearer(t *testing.T) {
	tests := []struct {
		header string
		token  string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer  abc ", "abc", true},
		{"Basic abc", "", false},
		{"Bearer ", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		token, ok := ParseBearer(tt.header)
		if token != tt.token || ok != tt.ok {
			t.Errorf("ParseBearer(%q) = (%q, %v), want (%q, %v)", tt.header, token, ok, tt.token, tt.ok)
		}
	}
}

func TestVerifyUnwrapsDocEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/users/me" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("Authorization = %q", got)
		}
		_, _ = w.Write([]byte(`{"doc":{"id":"user-1","email":"a@b.c","roles":["writer"],"projects":["proj-1",{"id":"proj-2"}]}}`))
	}))
	defer srv.Close()

	v := NewVerifier(srv.URL+"/", time.Second, srv.Client())
	defer v.Close()

	identity, err := v.Verify(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if identity.ID != "user-1" || identity.Email != "a@b.c" {
		t.Fatalf("unexpected identity: %#v", identity)
	}
	if !identity.HasProject("proj-1") || !identity.HasProject("proj-2") || !identity.HasRole("writer") {
		t.Fatalf("unexpected projects/roles: %#v", identity)
	}
}

func TestVerifyBareIdentityWithNumericID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":17,"projects":[]}`))
	}))
	defer srv.Close()

	identity, err := NewVerifier(srv.URL, time.Second, srv.Client()).Verify(context.Background(), "tok")
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if identity.ID != "17" || len(identity.Projects) != 0 {
		t.Fatalf("unexpected identity: %#v", identity)
	}
}

func TestVerifyFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, `{}`, ErrInvalidToken},
		{"server error", http.StatusBadGateway, `{}`, ErrUnavailable},
		{"no id", http.StatusOK, `{"doc":{"email":"x"}}`, ErrInvalidToken},
		{"not json", http.StatusOK, `nope`, ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewVerifier(srv.URL, time.Second, srv.Client()).Verify(context.Background(), "tok")
			if !errors.Is(err, tt.want) {
				t.Fatalf("Verify() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestVerifyEmptyTokenSkipsNetwork(t *testing.T) {
	v := NewVerifier("http://127.0.0.1:1", time.Second, nil)
	if _, err := v.Verify(context.Background(), "  "); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("Verify(empty) error = %v", err)
	}
}

func TestVerifyUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewVerifier(url, time.Second, nil).Verify(context.Background(), "tok")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Verify() error = %v, want ErrUnavailable", err)
	}
}

func TestIdentityContext(t *testing.T) {
	ctx := WithIdentity(context.Background(), Identity{ID: "u"})
	got, ok := IdentityFrom(ctx)
	if !ok || got.ID != "u" {
		t.Fatalf("IdentityFrom() = %#v, %v", got, ok)
	}
	if _, ok := IdentityFrom(context.Background()); ok {
		t.Fatalf("expected no identity")
	}
}
