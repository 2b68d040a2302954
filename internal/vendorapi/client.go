// Package vendorapi is the outbound client for the vendor's REST API: cursor
// paginated user listing, object lookup, and change-notification
// subscriptions. Every non-2xx response is classified into the shared error
// taxonomy so handlers never inspect status codes.
package vendorapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tenantsync/tenantsync/internal/errkind"
)

const (
	defaultTimeout   = 120 * time.Second
	defaultPageSize  = 100
	maxErrorBodySize = 1 << 20 // 1 MiB
)

// ErrObjectNotFound reports that a vendor object no longer exists. Callers
// translate it into a downstream deletion rather than a failure.
var ErrObjectNotFound = errors.New("vendor object not found")

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// User is one vendor account as returned by the users endpoint.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
	Role        string `json:"role"`
	Active      bool   `json:"active"`
	MFAEnabled  bool   `json:"mfaEnabled"`
}

// Page is one page of users plus the cursor for the next one. An empty
// NextCursor means the listing is exhausted.
type Page struct {
	Users      []User
	NextCursor string
}

// Object is one vendor resource fetched for data protection scanning.
type Object struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	OwnerID   string          `json:"ownerId"`
	URL       string          `json:"url"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Raw       json.RawMessage `json:"-"`
}

// Subscription is a vendor change-notification registration.
type Subscription struct {
	ID          string    `json:"id"`
	Resource    string    `json:"resource"`
	ExpiresAt   time.Time `json:"expiresAt"`
	ClientState string    `json:"clientState"`
}

// New creates a vendor client. It validates that baseURL is provided.
func New(baseURL string) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return nil, errors.New("vendor base URL is required")
	}
	return &Client{
		BaseURL: base,
		HTTP:    &http.Client{Timeout: defaultTimeout},
	}, nil
}

// ListUsers fetches one page of users. The cursor comes from a previous
// page's NextCursor; an empty cursor starts from the beginning.
func (c *Client) ListUsers(ctx context.Context, token, cursor string, pageSize int) (Page, error) {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	endpoint, err := url.Parse(c.BaseURL + "/v1/users")
	if err != nil {
		return Page{}, err
	}
	q := endpoint.Query()
	q.Set("limit", strconv.Itoa(pageSize))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint.RawQuery = q.Encode()

	body, err := c.do(ctx, http.MethodGet, endpoint.String(), token, nil)
	if err != nil {
		return Page{}, err
	}

	var payload struct {
		Users      []User `json:"users"`
		NextCursor string `json:"nextCursor"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return Page{}, fmt.Errorf("vendor list users: %w", err)
	}
	return Page{Users: payload.Users, NextCursor: payload.NextCursor}, nil
}

// GetObject fetches one vendor resource. A vendor 404 maps to
// ErrObjectNotFound.
func (c *Client) GetObject(ctx context.Context, token, objectID string) (Object, error) {
	objectID = strings.TrimSpace(objectID)
	if objectID == "" {
		return Object{}, errors.New("vendor object id is required")
	}
	endpoint := c.BaseURL + "/v1/objects/" + url.PathEscape(objectID)
	body, err := c.do(ctx, http.MethodGet, endpoint, token, nil)
	if err != nil {
		if isNotFound(err) {
			return Object{}, ErrObjectNotFound
		}
		return Object{}, err
	}

	var object Object
	if err := json.Unmarshal(body, &object); err != nil {
		return Object{}, fmt.Errorf("vendor get object: %w", err)
	}
	object.Raw = body
	return object, nil
}

// CreateSubscription registers a change-notification subscription. The
// clientState round-trips on every notification and authenticates it.
func (c *Client) CreateSubscription(ctx context.Context, token, resource, notificationURL, clientState string) (Subscription, error) {
	payload := map[string]any{
		"resource":        resource,
		"notificationUrl": notificationURL,
		"clientState":     clientState,
	}
	body, err := c.do(ctx, http.MethodPost, c.BaseURL+"/v1/subscriptions", token, payload)
	if err != nil {
		return Subscription{}, err
	}
	var sub Subscription
	if err := json.Unmarshal(body, &sub); err != nil {
		return Subscription{}, fmt.Errorf("vendor create subscription: %w", err)
	}
	return sub, nil
}

// DeleteSubscription removes a subscription. Deleting an already-gone
// subscription is not an error.
func (c *Client) DeleteSubscription(ctx context.Context, token, subscriptionID string) error {
	subscriptionID = strings.TrimSpace(subscriptionID)
	if subscriptionID == "" {
		return errors.New("vendor subscription id is required")
	}
	endpoint := c.BaseURL + "/v1/subscriptions/" + url.PathEscape(subscriptionID)
	_, err := c.do(ctx, http.MethodDelete, endpoint, token, nil)
	if err != nil && !isNotFound(err) {
		return err
	}
	return nil
}

func (c *Client) ensureClient() error {
	if c.BaseURL == "" {
		return errors.New("vendor base URL is required")
	}
	if c.HTTP == nil {
		return errors.New("vendor http client is not configured")
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, endpoint, token string, payload any) ([]byte, error) {
	if err := c.ensureClient(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(token) == "" {
		return nil, errkind.Unauthorized(errors.New("vendor access token is empty"))
	}

	var reqBody io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("vendor encode: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "tenantsync")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vendor %s: %w", method, err)
	}
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	resp.Body.Close()
	if readErr != nil {
		return nil, fmt.Errorf("vendor %s: %w", method, readErr)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, errkind.Fatal(fmt.Errorf("vendor %s: %w", method, ErrObjectNotFound))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errkind.FromHTTPResponse(resp.StatusCode, resp.Header, fmt.Sprintf("vendor %s", method))
	}
	return body, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrObjectNotFound)
}
