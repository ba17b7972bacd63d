// Package secrets materialises secret references in step inputs just before
// the adapter call. Plans and the store only ever carry references of the
// form {"type": "secret", "path": "..."}; values exist in memory for the
// duration of one adapter invocation and are wiped on return. Every fetch
// appends a secret_access event carrying the path, never the value.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Secret is one fetched value. Wipe zero-fills the backing bytes; the
// string handed to the adapter cannot be zeroed in place, so callers must
// drop the materialised inputs map after the adapter returns.
type Secret struct {
	Path  string
	value []byte
}

func (s *Secret) Value() string { return string(s.value) }

func (s *Secret) Wipe() {
	for i := range s.value {
		s.value[i] = 0
	}
	s.value = nil
}

// Provider fetches a secret value by path. Implementations return plain
// errors; the resolver classifies them.
type Provider interface {
	Fetch(ctx context.Context, path string) ([]byte, error)
}

// ErrNotFound marks a path the provider has no value for.
var ErrNotFound = errors.New("secret not found")

// HTTPProvider fetches from the platform secret store service.
type HTTPProvider struct {
	server string
	token  string
	http   *http.Client
}

func NewHTTPProvider(server, token string) *HTTPProvider {
	return &HTTPProvider{
		server: strings.TrimRight(server, "/"),
		token:  token,
		http:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *HTTPProvider) Fetch(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		p.server+"/api/v1/secrets/"+url.PathEscape(path), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("secret store request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("secret store returned status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("parse secret store response: %w", err)
	}
	return []byte(out.Value), nil
}

// StaticProvider serves a fixed path→value map. Used in tests and dev.
type StaticProvider struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewStaticProvider(values map[string]string) *StaticProvider {
	if values == nil {
		values = make(map[string]string)
	}
	return &StaticProvider{values: values}
}

func (p *StaticProvider) Put(path, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[path] = value
}

func (p *StaticProvider) Fetch(_ context.Context, path string) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.values[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return []byte(v), nil
}
