// Package client provides a Go client for sandboxd's admin/control HTTP API
// (pkg/api), used by cmd/sandboxctl.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Client wraps the admin API with convenient, bearer-authenticated methods.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient returns a Client that authenticates every request with token
// against the admin API at baseURL (e.g. "https://sandboxd.internal:8443").
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// APIError is returned when the admin API responds with a structured
// {message, status_code} error body (spec §7).
type APIError struct {
	Message    string `json:"message"`
	StatusCode int    `json:"status_code"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("sandboxd: %s (status %d)", e.Message, e.StatusCode)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling sandboxd: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr APIError
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil {
			return fmt.Errorf("sandboxd returned status %d", resp.StatusCode)
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ProjectState is the wire shape of a project lifecycle response.
type ProjectState struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

// CreateProjectOptions configures a new project at creation time.
type CreateProjectOptions struct {
	OwnerEmail    string `json:"owner_email,omitempty"`
	IdleMinutes   int    `json:"idle_minutes,omitempty"`
	NotifyWebhook string `json:"notify_webhook,omitempty"`
}

// CreateProject requests a new project named name.
func (c *Client) CreateProject(ctx context.Context, name string, opts CreateProjectOptions) (*ProjectState, error) {
	var out ProjectState
	if err := c.do(ctx, http.MethodPost, "/projects/"+name, opts, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetProject returns the current lifecycle state of a project.
func (c *Client) GetProject(ctx context.Context, name string) (*ProjectState, error) {
	var out ProjectState
	if err := c.do(ctx, http.MethodGet, "/projects/"+name, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteProject destroys a project, or permanently removes its record if
// it is already destroyed (idempotent).
func (c *Client) DeleteProject(ctx context.Context, name string) (string, error) {
	var out map[string]string
	if err := c.do(ctx, http.MethodDelete, "/projects/"+name, nil, &out); err != nil {
		return "", err
	}
	return out["state"], nil
}

// AuditEvent mirrors pkg/types.AuditEvent for clients that don't want to
// import the server-side package directly.
type AuditEvent struct {
	ID         string    `json:"id"`
	TenantName string    `json:"tenant_name"`
	Kind       string    `json:"kind"`
	Detail     string    `json:"detail"`
	At         time.Time `json:"at"`
}

// ListEvents returns the most recent audit events for a project, capped at
// 200 by the server.
func (c *Client) ListEvents(ctx context.Context, name string) ([]AuditEvent, error) {
	var out struct {
		Events []AuditEvent `json:"events"`
	}
	if err := c.do(ctx, http.MethodGet, "/projects/"+name+"/events", nil, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

// CreateACMEAccount registers the ACME account used for subsequent
// certificate issuance.
func (c *Client) CreateACMEAccount(ctx context.Context, email string) error {
	return c.do(ctx, http.MethodPost, "/admin/acme/"+email, nil, nil)
}

// CertificateInfo describes an issued custom-domain certificate.
type CertificateInfo struct {
	FQDN     string    `json:"fqdn"`
	NotAfter time.Time `json:"not_after"`
}

// RequestCertificate issues (or renews) a certificate for fqdn on behalf
// of project name, solving the given ACME challenge type ("http-01" or
// "dns-01"; "" defaults to "http-01" server-side).
func (c *Client) RequestCertificate(ctx context.Context, name, fqdn, challengeType string) (*CertificateInfo, error) {
	path := "/admin/acme/request/" + name + "/" + fqdn
	if challengeType != "" {
		path += "?challenge_type=" + url.QueryEscape(challengeType)
	}
	var out CertificateInfo
	if err := c.do(ctx, http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Revive restarts every tenant currently in the Errored phase, returning
// the names it enqueued.
func (c *Client) Revive(ctx context.Context) ([]string, error) {
	var out struct {
		Revived []string `json:"revived"`
	}
	if err := c.do(ctx, http.MethodPost, "/admin/revive", nil, &out); err != nil {
		return nil, err
	}
	return out.Revived, nil
}
