package repository

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

	"github.com/astromechza/newsdoc-sync/pkg/newsdoc"
)

// Client is a Repository backed by the repository HTTP API. Every call carries the caller's
// access token as a bearer token.
type Client struct {
	base   *url.URL
	client *http.Client
}

func NewClient(baseURL string, client *http.Client) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse repository url: %w", err)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Client{base: u, client: client}, nil
}

type getDocumentResponse struct {
	Document newsdoc.Document `json:"document"`
	Version  int64            `json:"version"`
}

type saveDocumentRequest struct {
	Document newsdoc.Document `json:"document"`
	Status   string           `json:"status,omitempty"`
	Cause    string           `json:"cause,omitempty"`
}

type statusesResponse struct {
	Statuses []Status `json:"statuses"`
}

type errorResponse struct {
	Message string `json:"message"`
}

func (c *Client) documentURL(uuid string, suffix string, query url.Values) string {
	u := *c.base
	u.Path = c.base.Path + "/v1/documents/" + url.PathEscape(uuid) + suffix
	u.RawQuery = query.Encode()
	return u.String()
}

func (c *Client) do(ctx context.Context, method, target, token string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: failed to encode request: %w", ErrRepository, err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("%w: failed to build request: %w", ErrRepository, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrRepository, method, target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e errorResponse
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &e) != nil || e.Message == "" {
			e.Message = strings.TrimSpace(string(raw))
		}
		return fmt.Errorf("%w: %s %s returned %d: %s", ErrRepository, method, target, resp.StatusCode, e.Message)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: failed to decode response: %w", ErrRepository, err)
	}
	return nil
}

func (c *Client) GetDocument(ctx context.Context, token, uuid string, version int64) (*newsdoc.Document, int64, error) {
	q := url.Values{}
	if version > 0 {
		q.Set("version", strconv.FormatInt(version, 10))
	}
	var out getDocumentResponse
	if err := c.do(ctx, http.MethodGet, c.documentURL(uuid, "", q), token, nil, &out); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, 0, err
		}
		return nil, 0, fmt.Errorf("failed to get document %s: %w", uuid, err)
	}
	doc := out.Document.Normalize()
	return &doc, out.Version, nil
}

func (c *Client) SaveDocument(ctx context.Context, token string, doc newsdoc.Document, opts SaveOptions) (SaveResult, error) {
	if err := doc.Validate(); err != nil {
		return SaveResult{}, fmt.Errorf("%w: %w", ErrRepository, err)
	}
	var out SaveResult
	body := saveDocumentRequest{Document: doc, Status: opts.Status, Cause: opts.Cause}
	if err := c.do(ctx, http.MethodPut, c.documentURL(doc.UUID, "", nil), token, body, &out); err != nil {
		return SaveResult{}, fmt.Errorf("failed to save document %s: %w", doc.UUID, err)
	}
	if out.UUID == "" {
		out.UUID = doc.UUID
	}
	return out, nil
}

func (c *Client) GetStatuses(ctx context.Context, token, uuid string) ([]Status, error) {
	var out statusesResponse
	if err := c.do(ctx, http.MethodGet, c.documentURL(uuid, "/statuses", nil), token, nil, &out); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get statuses of %s: %w", uuid, err)
	}
	return out.Statuses, nil
}
