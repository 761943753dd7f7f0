package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"intakeline/internal/domain"
)

// Client is the live HTTP backend.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// NewClient creates a live client with sane defaults.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

type saveFormRequest struct {
	Fields  map[string]string `json:"fields"`
	Partial bool              `json:"partial"`
}

type formResponse struct {
	EntityID string            `json:"entity_id"`
	FormKind string            `json:"form_kind"`
	Fields   map[string]string `json:"fields"`
}

type entityResponse struct {
	ID     string            `json:"id"`
	Fields map[string]string `json:"fields"`
}

// FetchEntity implements Backend.
func (c *Client) FetchEntity(ctx context.Context, id string) (domain.EntityRecord, error) {
	var resp entityResponse
	endpoint := fmt.Sprintf("entities/%s", url.PathEscape(id))
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, classifyTransport(err)
	}
	return domain.EntityRecord(resp.Fields), nil
}

// FetchForm implements Backend.
func (c *Client) FetchForm(ctx context.Context, id, formKind string) (domain.EntityRecord, error) {
	var resp formResponse
	endpoint := fmt.Sprintf("entities/%s/forms/%s", url.PathEscape(id), url.PathEscape(formKind))
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, classifyTransport(err)
	}
	return domain.EntityRecord(resp.Fields), nil
}

// SaveForm implements Backend. The response body is the canonical record.
func (c *Client) SaveForm(ctx context.Context, id, formKind string, fields map[string]string, partial bool) (domain.EntityRecord, error) {
	var resp formResponse
	endpoint := fmt.Sprintf("entities/%s/forms/%s", url.PathEscape(id), url.PathEscape(formKind))
	body := saveFormRequest{Fields: fields, Partial: partial}
	if err := c.do(ctx, http.MethodPost, endpoint, body, &resp); err != nil {
		return nil, classifyTransport(err)
	}
	return domain.EntityRecord(resp.Fields), nil
}

// CreateEntity registers a new entity; used by seeding and tests.
func (c *Client) CreateEntity(ctx context.Context, id string, fields map[string]string) (domain.EntityRecord, error) {
	var resp entityResponse
	body := map[string]any{"id": id, "fields": fields}
	if err := c.do(ctx, http.MethodPost, "entities", body, &resp); err != nil {
		return nil, classifyTransport(err)
	}
	return domain.EntityRecord(resp.Fields), nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
