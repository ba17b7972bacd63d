package secrets

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/marcus-qen/lictor/internal/fault"
)

func TestResolveNestedReferences(t *testing.T) {
	provider := NewStaticProvider(map[string]string{
		"db/primary/password": "hunter2",
		"api/token":           "tok-123",
	})
	r := NewResolver(provider, nil, zap.NewNop())

	inputs := map[string]any{
		"host": "db01",
		"auth": map[string]any{
			"user":     "app",
			"password": map[string]any{"type": "secret", "path": "db/primary/password"},
		},
		"headers": []any{
			map[string]any{"type": "secret", "path": "api/token"},
			"plain",
		},
	}

	res, err := r.Resolve(context.Background(), "exec-1", "t1", inputs)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	defer res.Zeroise()

	auth := res.Inputs["auth"].(map[string]any)
	if auth["password"] != "hunter2" {
		t.Fatalf("password = %v", auth["password"])
	}
	headers := res.Inputs["headers"].([]any)
	if headers[0] != "tok-123" || headers[1] != "plain" {
		t.Fatalf("headers = %v", headers)
	}
	if res.SecretCount() != 2 {
		t.Fatalf("secret count = %d, want 2", res.SecretCount())
	}

	// Original inputs keep the reference form.
	orig := inputs["auth"].(map[string]any)["password"].(map[string]any)
	if orig["path"] != "db/primary/password" {
		t.Fatal("original inputs were mutated")
	}
}

func TestResolveMissingSecret(t *testing.T) {
	r := NewResolver(NewStaticProvider(nil), nil, zap.NewNop())

	_, err := r.Resolve(context.Background(), "exec-1", "t1", map[string]any{
		"password": map[string]any{"type": "secret", "path": "nope"},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if got := fault.ClassOf(err); got != fault.SecretResolution {
		t.Fatalf("class = %s, want %s", got, fault.SecretResolution)
	}
}

func TestResolveIgnoresNonSecretMaps(t *testing.T) {
	r := NewResolver(NewStaticProvider(nil), nil, zap.NewNop())

	inputs := map[string]any{
		"filter": map[string]any{"type": "hostname", "path": "/etc"},
	}
	res, err := r.Resolve(context.Background(), "exec-1", "t1", inputs)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	defer res.Zeroise()

	filter := res.Inputs["filter"].(map[string]any)
	if filter["type"] != "hostname" || filter["path"] != "/etc" {
		t.Fatalf("non-secret map altered: %v", filter)
	}
}

func TestZeroiseWipesValues(t *testing.T) {
	provider := NewStaticProvider(map[string]string{"k": "supersecret"})
	r := NewResolver(provider, nil, zap.NewNop())

	res, err := r.Resolve(context.Background(), "exec-1", "t1", map[string]any{
		"cred": map[string]any{"type": "secret", "path": "k"},
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	held := res.secrets[0]
	res.Zeroise()

	for _, b := range held.value {
		if b != 0 {
			t.Fatal("secret bytes not zeroed")
		}
	}
	if res.Inputs != nil {
		t.Fatal("inputs not dropped")
	}
	// Idempotent.
	res.Zeroise()
}

func TestHTTPProviderFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		// PathEscape turns the / in the secret path into %2F; the server
		// sees the decoded form.
		switch req.URL.Path {
		case "/api/v1/secrets/db/primary":
			json.NewEncoder(w).Encode(map[string]string{"value": "hunter2"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "tok")
	got, err := p.Fetch(context.Background(), "db/primary")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(got) != "hunter2" {
		t.Fatalf("value = %q", got)
	}

	if _, err := p.Fetch(context.Background(), "missing"); err == nil {
		t.Fatal("expected not-found error")
	}
}
