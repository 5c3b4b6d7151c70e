package docdb

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

	"github.com/google/uuid"
	"github.com/hashicorp/go-cleanhttp"
)

const (
	DefaultAPIVersion = "2024-05-01"

	apiDomain    = "api.sanity.io"
	apiCDNDomain = "apicdn.sanity.io"
)

// Params describes how to reach one dataset.
type Params struct {
	ProjectID  string
	Dataset    string
	Token      string
	APIVersion string
	// APIHost replaces the project host when set, e.g. for a proxy.
	APIHost string
	UseCDN  bool
	Timeout time.Duration
}

// Option defines a functional option for configuring an HTTPClient.
type Option func(*HTTPClient)

// WithHTTPClient overrides the underlying *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTransactionIDs overrides how transaction ids are generated.
func WithTransactionIDs(next func() string) Option {
	return func(c *HTTPClient) {
		if next != nil {
			c.nextTxID = next
		}
	}
}

// HTTPClient talks to the document API over HTTPS.
type HTTPClient struct {
	params   Params
	baseURL  *url.URL
	cdnURL   *url.URL
	http     *http.Client
	nextTxID func() string
}

var _ Client = (*HTTPClient)(nil)

// FromParams builds a client handle from plain parameters. A non-empty
// dataset argument takes precedence over params.Dataset.
func FromParams(params Params, dataset string, opts ...Option) (*HTTPClient, error) {
	if dataset != "" {
		params.Dataset = dataset
	}
	if params.ProjectID == "" {
		return nil, fmt.Errorf("%w: project id is required", ErrInvalidParams)
	}
	if params.Dataset == "" {
		return nil, fmt.Errorf("%w: dataset is required", ErrInvalidParams)
	}
	if params.APIVersion == "" {
		params.APIVersion = DefaultAPIVersion
	}

	base, cdn, err := hosts(params)
	if err != nil {
		return nil, err
	}

	hc := cleanhttp.DefaultClient()
	hc.Timeout = params.Timeout

	c := &HTTPClient{
		params:   params,
		baseURL:  base,
		cdnURL:   cdn,
		http:     hc,
		nextTxID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func hosts(p Params) (base, cdn *url.URL, err error) {
	if p.APIHost != "" {
		base, err = url.Parse(strings.TrimRight(p.APIHost, "/"))
		if err != nil {
			return nil, nil, fmt.Errorf("%w: api host %q: %v", ErrInvalidParams, p.APIHost, err)
		}
		if base.Scheme == "" || base.Host == "" {
			return nil, nil, fmt.Errorf("%w: api host %q must be an absolute URL", ErrInvalidParams, p.APIHost)
		}
		return base, base, nil
	}
	base = &url.URL{Scheme: "https", Host: p.ProjectID + "." + apiDomain}
	cdn = &url.URL{Scheme: "https", Host: p.ProjectID + "." + apiCDNDomain}
	return base, cdn, nil
}

// Dataset returns the dataset every request targets.
func (c *HTTPClient) Dataset() string {
	return c.params.Dataset
}

// Params returns the resolved parameters the client was built from.
func (c *HTTPClient) Params() Params {
	return c.params
}

// Environ exports the connection parameters as KEY=value pairs so that
// child processes can build their own client.
func (c *HTTPClient) Environ(prefix string) []string {
	return []string{
		prefix + "PROJECT_ID=" + c.params.ProjectID,
		prefix + "DATASET=" + c.params.Dataset,
		prefix + "API_VERSION=" + c.params.APIVersion,
		prefix + "API_HOST=" + c.baseURL.String(),
		prefix + "TOKEN=" + c.params.Token,
	}
}

// Fetch runs a query and decodes its result into out.
func (c *HTTPClient) Fetch(ctx context.Context, query string, params map[string]any, out any) error {
	values := url.Values{}
	values.Set("query", query)
	for name, value := range params {
		encoded, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("encode query param %q: %w", name, err)
		}
		values.Set("$"+name, string(encoded))
	}

	base := c.baseURL
	if c.params.UseCDN && c.params.Token == "" {
		base = c.cdnURL
	}
	endpoint := c.endpoint(base, "query", values)

	var resp struct {
		Result json.RawMessage `json:"result"`
	}
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("decode query result: %w", err)
	}
	return nil
}

// GetDocument returns the document with the given id.
func (c *HTTPClient) GetDocument(ctx context.Context, id string) (Document, error) {
	endpoint := c.endpoint(c.baseURL, "doc", nil, id)

	var resp struct {
		Documents []Document `json:"documents"`
	}
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, fmt.Errorf("get document %q: %w", id, err)
	}
	if len(resp.Documents) == 0 || resp.Documents[0] == nil {
		return nil, fmt.Errorf("%w: %q", ErrDocumentNotFound, id)
	}
	return resp.Documents[0], nil
}

// Create stores a new document and returns it as the backend saw it.
func (c *HTTPClient) Create(ctx context.Context, doc Document) (Document, error) {
	values := url.Values{}
	values.Set("returnDocuments", "true")
	values.Set("visibility", "sync")
	endpoint := c.endpoint(c.baseURL, "mutate", values)

	body := mutateRequest{Mutations: []map[string]any{{"create": doc}}}
	var resp struct {
		Results []struct {
			ID       string   `json:"id"`
			Document Document `json:"document"`
		} `json:"results"`
	}
	if err := c.do(ctx, http.MethodPost, endpoint, body, &resp); err != nil {
		return nil, fmt.Errorf("create document: %w", err)
	}
	if len(resp.Results) == 0 {
		return doc, nil
	}
	if resp.Results[0].Document != nil {
		return resp.Results[0].Document, nil
	}
	created := Document{}
	for k, v := range doc {
		created[k] = v
	}
	created["_id"] = resp.Results[0].ID
	return created, nil
}

// NewTransaction opens an empty transaction bound to this client.
func (c *HTTPClient) NewTransaction() Tx {
	return &Transaction{client: c}
}

type mutateRequest struct {
	Mutations []map[string]any `json:"mutations"`
}

func (c *HTTPClient) commit(ctx context.Context, mutations []map[string]any) (CommitResult, error) {
	txID := c.nextTxID()
	values := url.Values{}
	values.Set("returnIds", "true")
	values.Set("visibility", "sync")
	values.Set("transactionId", txID)
	endpoint := c.endpoint(c.baseURL, "mutate", values)

	var result CommitResult
	if err := c.do(ctx, http.MethodPost, endpoint, mutateRequest{Mutations: mutations}, &result); err != nil {
		return CommitResult{}, fmt.Errorf("commit transaction %s: %w", txID, err)
	}
	if result.TransactionID == "" {
		result.TransactionID = txID
	}
	return result, nil
}

func (c *HTTPClient) endpoint(base *url.URL, kind string, query url.Values, extra ...string) string {
	version := strings.TrimPrefix(c.params.APIVersion, "v")
	if version == "X" {
		version = "1"
	}
	u := *base
	segments := append([]string{u.Path, "v" + version, "data", kind, c.params.Dataset}, extra...)
	u.Path = strings.Join(segments, "/")
	u.RawQuery = query.Encode()
	return u.String()
}

func (c *HTTPClient) do(ctx context.Context, method, endpoint string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.params.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.params.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(status int, data []byte) error {
	apiErr := &APIError{StatusCode: status}
	var payload struct {
		Error struct {
			Type        string `json:"type"`
			Description string `json:"description"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &payload) == nil {
		apiErr.Type = payload.Error.Type
		apiErr.Description = payload.Error.Description
		if apiErr.Description == "" {
			apiErr.Description = payload.Message
		}
	}
	return apiErr
}
