package pfasync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mmdatafocus/pfa_mirror/models"
)

// QueryRequest addresses one page of the remote paged query.
type QueryRequest struct {
	Tenant        string
	RemoteOrgCode string
	GridId        string
	Offset        int
	Limit         int
}

// QueryPage is one page of remote rows. Total is nil when the remote cannot say.
type QueryPage struct {
	Rows  []map[string]interface{}
	Total *int
}

// WriteRequest is one record delta pushed to the remote system.
type WriteRequest struct {
	Tenant          string
	RemoteOrgCode   string
	RemoteRecordId  string
	Operation       models.QueueOperation
	Delta           map[string]interface{}
	ExpectedVersion int64
}

type WriteResult struct {
	NewVersion int64
}

// RemoteClient is the remote system as ingestion and write-back see it.
type RemoteClient interface {
	Count(ctx context.Context, req QueryRequest) (*int, error)
	Query(ctx context.Context, req QueryRequest) (QueryPage, error)
	Write(ctx context.Context, req WriteRequest) (WriteResult, error)
}

// ClientFactory builds a client for one endpoint with its decrypted API key.
type ClientFactory func(endpoint models.ApiEndpointConfig, apiKey string) (RemoteClient, error)

// clientCache keeps one client per endpoint and key, so a client's pacer spans every
// call made through it rather than one queue item.
type clientCache struct {
	mu      sync.Mutex
	clients map[string]RemoteClient
}

func (c *clientCache) get(factory ClientFactory, endpoint models.ApiEndpointConfig, apiKey string) (RemoteClient, error) {
	key := fmt.Sprintf("%d|%s|%s|%s", endpoint.ID, endpoint.BaseURL, endpoint.WritePath, apiKey)
	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.clients[key]; ok {
		return client, nil
	}
	client, err := factory(endpoint, apiKey)
	if err != nil {
		return nil, err
	}
	if c.clients == nil {
		c.clients = map[string]RemoteClient{}
	}
	c.clients[key] = client
	return client, nil
}

type httpRemoteClient struct {
	baseURL   string
	queryPath string
	writePath string
	apiKey    string
	apiKeyHdr string
	http      *http.Client
	limiter   <-chan time.Time
}

// NewHTTPClient is the default ClientFactory.
func NewHTTPClient(endpoint models.ApiEndpointConfig, apiKey string) (RemoteClient, error) {
	baseURL := strings.TrimSpace(endpoint.BaseURL)
	if baseURL == "" {
		baseURL = strings.TrimSpace(os.Getenv("PFA_API_BASE_URL"))
	}
	if baseURL == "" {
		return nil, newConfigError(ErrorCodeNoCredentials, "endpoint %d has no base url", endpoint.ID)
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, newConfigError(ErrorCodeNoCredentials, "endpoint %d api key is empty", endpoint.ID)
	}
	apiKeyHeader := strings.TrimSpace(os.Getenv("PFA_API_KEY_HEADER"))
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	rateLimitPerMin := int64(600)
	if v := strings.TrimSpace(os.Getenv("PFA_RATE_LIMIT_PER_MIN")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			rateLimitPerMin = n
		}
	}
	interval := time.Minute / time.Duration(rateLimitPerMin)

	queryPath := endpoint.QueryPath
	if queryPath == "" {
		queryPath = "/pfa/query"
	}
	return &httpRemoteClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		queryPath: queryPath,
		writePath: endpoint.WritePath,
		apiKey:    apiKey,
		apiKeyHdr: apiKeyHeader,
		http:      &http.Client{Timeout: 30 * time.Second},
		limiter:   time.Tick(interval),
	}, nil
}

type queryBody struct {
	Tenant       string `json:"tenant"`
	Organization string `json:"organization"`
	GridId       string `json:"gridId"`
	Offset       int    `json:"offset"`
	Limit        int    `json:"limit"`
	CountOnly    bool   `json:"countOnly,omitempty"`
}

type queryResponse struct {
	Rows  []map[string]interface{} `json:"rows"`
	Data  []map[string]interface{} `json:"data"`
	Total *json.Number             `json:"total"`
}

type writeBody struct {
	Tenant          string                 `json:"tenant"`
	Organization    string                 `json:"organization"`
	RecordId        string                 `json:"recordId"`
	Operation       string                 `json:"operation"`
	Delta           map[string]interface{} `json:"delta"`
	ExpectedVersion int64                  `json:"expectedVersion"`
}

type writeResponse struct {
	Version int64 `json:"version"`
}

type errorResponse struct {
	Code           string `json:"code"`
	Message        string `json:"message"`
	Error          string `json:"error"`
	CurrentVersion int64  `json:"currentVersion"`
}

func (c *httpRemoteClient) Count(ctx context.Context, req QueryRequest) (*int, error) {
	var parsed queryResponse
	body := queryBody{Tenant: req.Tenant, Organization: req.RemoteOrgCode, GridId: req.GridId, CountOnly: true}
	if err := c.post(ctx, c.queryPath, body, &parsed); err != nil {
		return nil, err
	}
	return totalOf(parsed.Total), nil
}

func (c *httpRemoteClient) Query(ctx context.Context, req QueryRequest) (QueryPage, error) {
	var parsed queryResponse
	body := queryBody{
		Tenant:       req.Tenant,
		Organization: req.RemoteOrgCode,
		GridId:       req.GridId,
		Offset:       req.Offset,
		Limit:        req.Limit,
	}
	if err := c.post(ctx, c.queryPath, body, &parsed); err != nil {
		return QueryPage{}, err
	}
	rows := parsed.Rows
	if len(rows) == 0 {
		rows = parsed.Data
	}
	return QueryPage{Rows: rows, Total: totalOf(parsed.Total)}, nil
}

func (c *httpRemoteClient) Write(ctx context.Context, req WriteRequest) (WriteResult, error) {
	if c.writePath == "" {
		return WriteResult{}, newConfigError(ErrorCodeNoWriteEndpoint, "endpoint has no write path")
	}
	var parsed writeResponse
	body := writeBody{
		Tenant:          req.Tenant,
		Organization:    req.RemoteOrgCode,
		RecordId:        req.RemoteRecordId,
		Operation:       string(req.Operation),
		Delta:           req.Delta,
		ExpectedVersion: req.ExpectedVersion,
	}
	if err := c.post(ctx, c.writePath, body, &parsed); err != nil {
		return WriteResult{}, err
	}
	if parsed.Version <= 0 {
		return WriteResult{}, &RemoteError{StatusCode: http.StatusOK, Code: "invalid_version", Message: "write response has no version"}
	}
	return WriteResult{NewVersion: parsed.Version}, nil
}

func (c *httpRemoteClient) post(ctx context.Context, path string, in interface{}, out interface{}) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.limiter:
	}
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set(c.apiKeyHdr, c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return remoteErrorFrom(resp.StatusCode, body)
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode remote response: %w", err)
	}
	return nil
}

func remoteErrorFrom(status int, body []byte) *RemoteError {
	re := &RemoteError{StatusCode: status, Message: strings.TrimSpace(string(body))}
	var parsed errorResponse
	if err := json.Unmarshal(body, &parsed); err == nil {
		re.Code = parsed.Code
		re.CurrentVersion = parsed.CurrentVersion
		if parsed.Message != "" {
			re.Message = parsed.Message
		} else if parsed.Error != "" {
			re.Message = parsed.Error
		}
	}
	if len(re.Message) > 512 {
		re.Message = re.Message[:512]
	}
	return re
}

func totalOf(n *json.Number) *int {
	if n == nil {
		return nil
	}
	v, err := n.Int64()
	if err != nil || v < 0 {
		return nil
	}
	total := int(v)
	return &total
}
