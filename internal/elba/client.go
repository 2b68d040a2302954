// Package elba pushes synchronized resources to the central platform: user
// batches, data protection objects, and per-organisation connection status.
package elba

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tenantsync/tenantsync/internal/errkind"
	"github.com/tenantsync/tenantsync/internal/metrics"
)

const (
	defaultTimeout   = 120 * time.Second
	maxErrorBodySize = 1 << 20 // 1 MiB
)

// Connection statuses reported through UpdateConnectionStatus.
const (
	StatusHealthy      = ""
	StatusUnauthorized = "unauthorized"
	StatusError        = "error"
	StatusUninstalled  = "uninstalled"
)

type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

// User is one account in the platform's canonical shape.
type User struct {
	ID               string   `json:"id"`
	DisplayName      string   `json:"displayName"`
	Email            string   `json:"email,omitempty"`
	AdditionalEmails []string `json:"additionalEmails,omitempty"`
	Role             string   `json:"role,omitempty"`
	AuthMethod       string   `json:"authMethod,omitempty"`
	URL              string   `json:"url,omitempty"`
}

// PushResult reports partial acceptance of a user batch.
type PushResult struct {
	FailedIDs []string `json:"failedIds"`
}

// DataProtectionObject is one vendor resource in the platform's data
// protection shape.
type DataProtectionObject struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	OwnerID  string          `json:"ownerId,omitempty"`
	URL      string          `json:"url,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// AuthenticationObject describes one account's sign-in posture.
type AuthenticationObject struct {
	UserID   string `json:"userId"`
	MFA      bool   `json:"mfa"`
	LastSeen string `json:"lastActiveAt,omitempty"`
}

// New creates a platform client. It validates that baseURL and apiKey are
// provided.
func New(baseURL, apiKey string) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	apiKey = strings.TrimSpace(apiKey)

	if base == "" {
		return nil, errors.New("elba base URL is required")
	}
	if apiKey == "" {
		return nil, errors.New("elba api key is required")
	}

	return &Client{
		BaseURL: base,
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: defaultTimeout},
	}, nil
}

// PushUsers upserts a batch of users for one organisation. Users absent from
// the batch are untouched; reconciliation happens through DeleteUsersSyncedBefore.
func (c *Client) PushUsers(ctx context.Context, organisationID uuid.UUID, region string, users []User) (PushResult, error) {
	if len(users) == 0 {
		return PushResult{}, nil
	}
	body, err := c.do(ctx, http.MethodPost, "/api/rest/users", map[string]any{
		"organisationId": organisationID,
		"region":         region,
		"users":          users,
	})
	if err != nil {
		return PushResult{}, err
	}
	var out struct {
		InsertedOrUpdated int      `json:"insertedOrUpdated"`
		FailedIDs         []string `json:"failedIds"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return PushResult{}, fmt.Errorf("elba push users: %w", err)
	}
	metrics.UsersPushedTotal.Add(float64(len(users) - len(out.FailedIDs)))
	return PushResult{FailedIDs: out.FailedIDs}, nil
}

// DeleteUsersByIDs removes specific users from the platform.
func (c *Client) DeleteUsersByIDs(ctx context.Context, organisationID uuid.UUID, region string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := c.do(ctx, http.MethodPost, "/api/rest/users/delete", map[string]any{
		"organisationId": organisationID,
		"region":         region,
		"ids":            ids,
	})
	return err
}

// DeleteUsersSyncedBefore removes every user the platform last saw before the
// watermark. Called once per completed full sync to reconcile deletions.
func (c *Client) DeleteUsersSyncedBefore(ctx context.Context, organisationID uuid.UUID, region string, watermark time.Time) error {
	_, err := c.do(ctx, http.MethodPost, "/api/rest/users/delete", map[string]any{
		"organisationId":   organisationID,
		"region":           region,
		"lastSyncedBefore": watermark.UTC().Format(time.RFC3339),
	})
	return err
}

// UpdateConnectionStatus reports the organisation's health. An empty status
// clears a previous error.
func (c *Client) UpdateConnectionStatus(ctx context.Context, organisationID uuid.UUID, region string, status string) error {
	payload := map[string]any{"organisationId": organisationID, "region": region}
	if status != StatusHealthy {
		payload["errorType"] = status
	}
	_, err := c.do(ctx, http.MethodPost, "/api/rest/connection-status", payload)
	if err == nil {
		label := status
		if label == StatusHealthy {
			label = "healthy"
		}
		metrics.ConnectionStatusTotal.WithLabelValues(label).Inc()
	}
	return err
}

// PushDataProtectionObjects upserts vendor resources into the platform's
// data protection inventory.
func (c *Client) PushDataProtectionObjects(ctx context.Context, organisationID uuid.UUID, region string, objects []DataProtectionObject) error {
	if len(objects) == 0 {
		return nil
	}
	_, err := c.do(ctx, http.MethodPost, "/api/rest/data-protection/objects", map[string]any{
		"organisationId": organisationID,
		"region":         region,
		"objects":        objects,
	})
	return err
}

// DeleteDataProtectionObjects removes vendor resources that no longer exist.
func (c *Client) DeleteDataProtectionObjects(ctx context.Context, organisationID uuid.UUID, region string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := c.do(ctx, http.MethodDelete, "/api/rest/data-protection/objects", map[string]any{
		"organisationId": organisationID,
		"region":         region,
		"ids":            ids,
	})
	return err
}

// PushAuthenticationObjects reports sign-in posture for a batch of users.
func (c *Client) PushAuthenticationObjects(ctx context.Context, organisationID uuid.UUID, region string, objects []AuthenticationObject) error {
	if len(objects) == 0 {
		return nil
	}
	_, err := c.do(ctx, http.MethodPost, "/api/rest/authentication/objects", map[string]any{
		"organisationId": organisationID,
		"region":         region,
		"objects":        objects,
	})
	return err
}

func (c *Client) ensureClient() error {
	if c.BaseURL == "" {
		return errors.New("elba base URL is required")
	}
	if c.APIKey == "" {
		return errors.New("elba api key is required")
	}
	if c.HTTP == nil {
		return errors.New("elba http client is not configured")
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	if err := c.ensureClient(); err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("elba encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "tenantsync")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elba %s %s: %w", method, path, err)
	}
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	resp.Body.Close()
	if readErr != nil {
		return nil, fmt.Errorf("elba %s %s: %w", method, path, readErr)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errkind.FromHTTPResponse(resp.StatusCode, resp.Header, fmt.Sprintf("elba %s %s", method, path))
	}
	return body, nil
}
