package salesforce

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/forcebridge/mcp-salesforce/internal/util"
)

const (
	// DefaultAPIVersion is the Salesforce REST API version used when none
	// is configured
	DefaultAPIVersion = "v59.0"

	// defaultTimeout bounds every API call
	defaultTimeout = 30 * time.Second
)

// ErrAuthExpired indicates the access token was rejected by Salesforce
// (HTTP 401 / INVALID_SESSION_ID). The caller should refresh the token and
// retry through a fresh client.
var ErrAuthExpired = errors.New("access token expired or invalid")

// IsAuthExpired reports whether err carries an auth-expired signal
func IsAuthExpired(err error) bool {
	return errors.Is(err, ErrAuthExpired)
}

// APIError is a structured error response from Salesforce
type APIError struct {
	StatusCode int
	ErrorCode  string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("salesforce API error (status %d, code %s): %s", e.StatusCode, e.ErrorCode, e.Message)
}

// Client is an authenticated Salesforce REST client bound to one credential
// snapshot. It is cheap to construct and is discarded after use.
type Client struct {
	baseURL     string
	accessToken string
	apiVersion  string
	httpClient  *http.Client
}

// Config holds client construction parameters
type Config struct {
	// BaseURL is the org's instance URL (required)
	BaseURL string

	// AccessToken is the bearer token for API calls (required)
	AccessToken string

	// APIVersion is the REST API version (default DefaultAPIVersion)
	APIVersion string

	// HTTPClient is an optional custom HTTP client
	HTTPClient *http.Client
}

// NewClient creates a Salesforce client from a credential snapshot
func NewClient(cfg Config) (*Client, error) {
	base := util.NormalizeBaseURL(cfg.BaseURL)
	if base == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if cfg.AccessToken == "" {
		return nil, fmt.Errorf("access token is required")
	}

	apiVersion := cfg.APIVersion
	if apiVersion == "" {
		apiVersion = DefaultAPIVersion
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}

	return &Client{
		baseURL:     base,
		accessToken: cfg.AccessToken,
		apiVersion:  apiVersion,
		httpClient:  httpClient,
	}, nil
}

// QueryResult is a page of SOQL query results
type QueryResult struct {
	TotalSize      int              `json:"totalSize"`
	Done           bool             `json:"done"`
	NextRecordsURL string           `json:"nextRecordsUrl,omitempty"`
	Records        []map[string]any `json:"records"`
}

// Query executes a SOQL query and returns the first page of results
func (c *Client) Query(ctx context.Context, soql string) (*QueryResult, error) {
	if soql == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}

	path := fmt.Sprintf("/services/data/%s/query?q=%s", c.apiVersion, url.QueryEscape(soql))
	var result QueryResult
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	return &result, nil
}

// FieldDescription describes one field of an object
type FieldDescription struct {
	Name           string `json:"name"`
	Label          string `json:"label"`
	Type           string `json:"type"`
	Length         int    `json:"length,omitempty"`
	Nillable       bool   `json:"nillable"`
	Createable     bool   `json:"createable"`
	Updateable     bool   `json:"updateable"`
	PicklistValues []struct {
		Value  string `json:"value"`
		Label  string `json:"label"`
		Active bool   `json:"active"`
	} `json:"picklistValues,omitempty"`
}

// ObjectDescription is the metadata describe result for an object
type ObjectDescription struct {
	Name       string             `json:"name"`
	Label      string             `json:"label"`
	Custom     bool               `json:"custom"`
	Queryable  bool               `json:"queryable"`
	Createable bool               `json:"createable"`
	Updateable bool               `json:"updateable"`
	Fields     []FieldDescription `json:"fields"`
}

// DescribeObject fetches field-level metadata for an object
func (c *Client) DescribeObject(ctx context.Context, objectName string) (*ObjectDescription, error) {
	if objectName == "" {
		return nil, fmt.Errorf("object name cannot be empty")
	}

	path := fmt.Sprintf("/services/data/%s/sobjects/%s/describe", c.apiVersion, url.PathEscape(objectName))
	var result ObjectDescription
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, fmt.Errorf("describe %s failed: %w", objectName, err)
	}
	return &result, nil
}

// CreateRecord inserts a record and returns its new ID
func (c *Client) CreateRecord(ctx context.Context, objectName string, fields map[string]any) (string, error) {
	if objectName == "" {
		return "", fmt.Errorf("object name cannot be empty")
	}
	if len(fields) == 0 {
		return "", fmt.Errorf("fields cannot be empty")
	}

	path := fmt.Sprintf("/services/data/%s/sobjects/%s", c.apiVersion, url.PathEscape(objectName))
	var result struct {
		ID      string `json:"id"`
		Success bool   `json:"success"`
	}
	if err := c.do(ctx, http.MethodPost, path, fields, &result); err != nil {
		return "", fmt.Errorf("create %s failed: %w", objectName, err)
	}
	if !result.Success {
		return "", fmt.Errorf("create %s reported failure", objectName)
	}
	return result.ID, nil
}

// UpdateRecord applies a partial update to an existing record
func (c *Client) UpdateRecord(ctx context.Context, objectName, recordID string, fields map[string]any) error {
	if objectName == "" || recordID == "" {
		return fmt.Errorf("object name and record ID are required")
	}
	if len(fields) == 0 {
		return fmt.Errorf("fields cannot be empty")
	}

	path := fmt.Sprintf("/services/data/%s/sobjects/%s/%s",
		c.apiVersion, url.PathEscape(objectName), url.PathEscape(recordID))
	if err := c.do(ctx, http.MethodPatch, path, fields, nil); err != nil {
		return fmt.Errorf("update %s %s failed: %w", objectName, recordID, err)
	}
	return nil
}

// ApexClass is an Apex class fetched through the Tooling API
type ApexClass struct {
	ID         string  `json:"Id,omitempty"`
	Name       string  `json:"Name"`
	Body       string  `json:"Body"`
	APIVersion float64 `json:"ApiVersion,omitempty"`
	Status     string  `json:"Status,omitempty"`
}

// GetApexClass fetches an Apex class by name via the Tooling API
func (c *Client) GetApexClass(ctx context.Context, name string) (*ApexClass, error) {
	if name == "" {
		return nil, fmt.Errorf("class name cannot be empty")
	}

	soql := fmt.Sprintf("SELECT Id, Name, Body, ApiVersion, Status FROM ApexClass WHERE Name = '%s' LIMIT 1",
		escapeSOQLString(name))
	path := fmt.Sprintf("/services/data/%s/tooling/query?q=%s", c.apiVersion, url.QueryEscape(soql))

	var result struct {
		TotalSize int         `json:"totalSize"`
		Records   []ApexClass `json:"records"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, fmt.Errorf("get apex class %s failed: %w", name, err)
	}
	if result.TotalSize == 0 || len(result.Records) == 0 {
		return nil, fmt.Errorf("apex class %s not found", name)
	}
	return &result.Records[0], nil
}

// SaveApexClass creates the class when it does not exist yet, or replaces
// its body via the Tooling API when it does. Returns the class ID.
func (c *Client) SaveApexClass(ctx context.Context, name, body string) (string, error) {
	if name == "" || body == "" {
		return "", fmt.Errorf("class name and body are required")
	}

	existing, err := c.GetApexClass(ctx, name)
	if err != nil && IsAuthExpired(err) {
		return "", err
	}

	if err != nil {
		// Not found: create
		path := fmt.Sprintf("/services/data/%s/tooling/sobjects/ApexClass", c.apiVersion)
		var result struct {
			ID      string `json:"id"`
			Success bool   `json:"success"`
		}
		payload := map[string]any{"Name": name, "Body": body}
		if err := c.do(ctx, http.MethodPost, path, payload, &result); err != nil {
			return "", fmt.Errorf("create apex class %s failed: %w", name, err)
		}
		return result.ID, nil
	}

	path := fmt.Sprintf("/services/data/%s/tooling/sobjects/ApexClass/%s",
		c.apiVersion, url.PathEscape(existing.ID))
	payload := map[string]any{"Body": body}
	if err := c.do(ctx, http.MethodPatch, path, payload, nil); err != nil {
		return "", fmt.Errorf("update apex class %s failed: %w", name, err)
	}
	return existing.ID, nil
}

// do executes one API request, decoding a JSON response into out when out is
// non-nil. Auth-expired responses are mapped to ErrAuthExpired.
func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return c.parseError(resp)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// parseError maps a Salesforce error response to an APIError, wrapping
// ErrAuthExpired for rejected tokens
func (c *Client) parseError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	apiErr := &APIError{StatusCode: resp.StatusCode}

	// Salesforce reports errors as a JSON array of {message, errorCode}
	var parsed []struct {
		Message   string `json:"message"`
		ErrorCode string `json:"errorCode"`
	}
	if err := json.Unmarshal(data, &parsed); err == nil && len(parsed) > 0 {
		apiErr.ErrorCode = parsed[0].ErrorCode
		apiErr.Message = parsed[0].Message
	} else {
		apiErr.Message = string(data)
	}

	if resp.StatusCode == http.StatusUnauthorized || apiErr.ErrorCode == "INVALID_SESSION_ID" {
		return fmt.Errorf("%w: %v", ErrAuthExpired, apiErr)
	}
	return apiErr
}

// escapeSOQLString escapes single quotes and backslashes for embedding in a
// SOQL string literal
func escapeSOQLString(s string) string {
	var buf bytes.Buffer
	for _, r := range s {
		switch r {
		case '\'', '\\':
			buf.WriteRune('\\')
		}
		buf.WriteRune(r)
	}
	return buf.String()
}
