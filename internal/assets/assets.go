// Package assets is the engine's client for the platform inventory service.
// The engine never stores assets; it resolves targets and connection details
// at execution time so plans always run against current inventory.
// Credential lookups return a username and a secret-store path, never
// secret material.
package assets

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/marcus-qen/lictor/internal/fault"
)

// Asset is one remote target as inventory describes it.
type Asset struct {
	ID             string   `json:"id"`
	TenantID       string   `json:"tenant_id"`
	Hostname       string   `json:"hostname"`
	IP             string   `json:"ip,omitempty"`
	Port           int      `json:"port,omitempty"`
	OS             string   `json:"os,omitempty"`
	Status         string   `json:"status,omitempty"`
	ConnectionType string   `json:"connection_type,omitempty"`
	Tags           []string `json:"tags,omitempty"`
}

// Credentials point at login material for an asset. SecretPath resolves
// through the secret store; the value never transits this client.
type Credentials struct {
	AssetID    string `json:"asset_id"`
	Username   string `json:"username"`
	SecretPath string `json:"secret_path"`
	Method     string `json:"method,omitempty"`
}

// Client queries the inventory service.
type Client struct {
	server string
	token  string
	http   *http.Client
}

func NewClient(server, token string) *Client {
	return &Client{
		server: strings.TrimRight(server, "/"),
		token:  token,
		http:   &http.Client{Timeout: 15 * time.Second},
	}
}

// GetAsset resolves one asset by id or hostname.
func (c *Client) GetAsset(ctx context.Context, idOrHostname string) (*Asset, error) {
	var out Asset
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/assets/"+url.PathEscape(idOrHostname), nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// QueryAssets lists assets matching the filters. Filter keys map straight
// onto query parameters (tenant, os, tag, status, hostname).
func (c *Client) QueryAssets(ctx context.Context, filters map[string]string) ([]Asset, error) {
	path := "/api/v1/assets"
	if len(filters) > 0 {
		keys := make([]string, 0, len(filters))
		for k := range filters {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		q := url.Values{}
		for _, k := range keys {
			q.Set(k, filters[k])
		}
		path += "?" + q.Encode()
	}
	var out []Asset
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetAssetCredentials fetches the credential pointer for an asset. The
// inventory service audits every call; reason is mandatory.
func (c *Client) GetAssetCredentials(ctx context.Context, assetID, reason string) (*Credentials, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, fault.New(fault.Validation, "credential access requires a reason")
	}
	payload := map[string]string{"reason": reason}
	var out Credentials
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/assets/"+url.PathEscape(assetID)+"/credentials", payload, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewBuffer(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.server+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("asset service request failed: %w", err)
	}
	defer resp.Body.Close()

	resBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classifyStatus(resp.StatusCode, resBody)
	}

	if out == nil || len(resBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(resBody, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

func classifyStatus(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	var apiErr struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error != "" {
		msg = apiErr.Error
	}
	switch status {
	case http.StatusNotFound:
		return fault.New(fault.Adapter, "asset not found: %s", msg)
	case http.StatusForbidden, http.StatusUnauthorized:
		return fault.New(fault.Permission, "asset service denied access: %s", msg)
	default:
		return fault.New(fault.Adapter, "asset service returned status %d: %s", status, msg)
	}
}
