package rbac

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/marcus-qen/lictor/internal/fault"
)

// User is an actor as the directory service describes it. Permissions lists
// explicit grants on top of whatever the roles imply.
type User struct {
	ID          string       `json:"id"`
	TenantID    string       `json:"tenant_id"`
	Roles       []Role       `json:"roles"`
	Permissions []Permission `json:"permissions,omitempty"`
	Disabled    bool         `json:"disabled,omitempty"`
}

// Can reports whether the user holds a permission, either as an explicit
// grant or through a role.
func (u *User) Can(perm Permission) bool {
	for _, p := range u.Permissions {
		if p == perm {
			return true
		}
	}
	for _, r := range u.Roles {
		if RoleGrants(r, perm) {
			return true
		}
	}
	return false
}

// HasRole reports whether the user holds the role or a higher one.
func (u *User) HasRole(required Role) bool {
	for _, r := range u.Roles {
		if RoleAtLeast(r, required) {
			return true
		}
	}
	return false
}

// Directory resolves actor ids to users. The engine never stores users; the
// platform's directory service owns them.
type Directory interface {
	GetUser(ctx context.Context, id string) (*User, error)
}

// HTTPDirectory queries the platform directory service.
type HTTPDirectory struct {
	server string
	token  string
	http   *http.Client
}

func NewHTTPDirectory(server, token string) *HTTPDirectory {
	return &HTTPDirectory{
		server: strings.TrimRight(server, "/"),
		token:  token,
		http:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *HTTPDirectory) GetUser(ctx context.Context, id string) (*User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		d.server+"/api/v1/users/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}

	resp, err := d.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("directory request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fault.New(fault.Permission, "actor %q not known to directory", id)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("directory returned status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var u User
	if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
		return nil, fmt.Errorf("parse directory response: %w", err)
	}
	return &u, nil
}

// StaticDirectory serves a fixed user set. Used in tests and single-tenant
// dev setups where no directory service runs.
type StaticDirectory struct {
	mu    sync.RWMutex
	users map[string]User
}

func NewStaticDirectory(users ...User) *StaticDirectory {
	d := &StaticDirectory{users: make(map[string]User, len(users))}
	for _, u := range users {
		d.users[u.ID] = u
	}
	return d
}

func (d *StaticDirectory) Put(u User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[u.ID] = u
}

func (d *StaticDirectory) Remove(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.users, id)
}

func (d *StaticDirectory) GetUser(_ context.Context, id string) (*User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[id]
	if !ok {
		return nil, fault.New(fault.Permission, "actor %q not known to directory", id)
	}
	return &u, nil
}
