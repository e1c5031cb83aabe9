// Package careers provides a Go client for the career copilot front door:
// token issuance, JSON-RPC task submission and the SSE streaming channel.
package careers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. Streaming calls override it with a zero timeout.
const DefaultHTTPTimeout = 30 * time.Second

// JSON-RPC methods exposed by the front door.
const (
	methodTaskSend          = "task/send"
	methodTaskSendSubscribe = "task/sendSubscribe"
	methodTaskGet           = "task/get"
	methodTaskCancel        = "task/cancel"
	methodTaskResubscribe   = "task/resubscribe"
)

// Terminal task states.
const (
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateCanceled  = "canceled"
)

// Client wraps the HTTP interactions with the career copilot API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	nextID     atomic.Int64

	mu          sync.RWMutex
	accessToken string
}

// Credentials represents account credentials used to obtain access tokens.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Token represents an issued access token pair.
type Token struct {
	AccessToken  string `json:"access_token"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
}

// Part is one content segment of a message or artifact.
type Part struct {
	Type     string         `json:"type"`
	Text     string         `json:"text,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	FileURI  string         `json:"file_uri,omitempty"`
	FileName string         `json:"file_name,omitempty"`
	MimeType string         `json:"mime_type,omitempty"`
}

// Message is a user or agent message.
type Message struct {
	Role     string         `json:"role"`
	Parts    []Part         `json:"parts"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// TextMessage builds a plain-text user message.
func TextMessage(text string) Message {
	return Message{Role: "user", Parts: []Part{{Type: "text", Text: text}}}
}

// TaskStatus is the server-side status snapshot of a task.
type TaskStatus struct {
	State    string   `json:"state"`
	Message  *Message `json:"message,omitempty"`
	Progress float64  `json:"progress,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// Final reports whether the state is terminal.
func (s TaskStatus) Final() bool {
	switch s.State {
	case StateCompleted, StateFailed, StateCanceled:
		return true
	}
	return false
}

// Artifact is one output slot produced by a task.
type Artifact struct {
	Parts    []Part         `json:"parts"`
	Index    int            `json:"index"`
	Append   bool           `json:"append,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Task is the protocol-level task snapshot returned by the front door.
type Task struct {
	ID        string     `json:"id"`
	SessionID string     `json:"session_id,omitempty"`
	Status    TaskStatus `json:"status"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
	CreatedAt int64      `json:"created_at,omitempty"`
	UpdatedAt int64      `json:"updated_at,omitempty"`
}

// SendTaskParams is the payload of task/send and task/sendSubscribe.
type SendTaskParams struct {
	ID                  string         `json:"id,omitempty"`
	SessionID           string         `json:"sessionId,omitempty"`
	Message             Message        `json:"message"`
	AcceptedOutputModes []string       `json:"acceptedOutputModes,omitempty"`
	Metadata            map[string]any `json:"metadata,omitempty"`
}

// StreamEvent is one frame of the SSE streaming channel. Exactly one of
// Status and Artifact is set unless Err reports a transport failure.
type StreamEvent struct {
	TaskID   string
	Status   *TaskStatus
	Final    bool
	Artifact *Artifact
	Err      error
}

// RPCError represents a JSON-RPC error returned by the server.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("careers rpc error %d: %s", e.Code, e.Message)
}

// APIError represents server side validation or internal errors from the
// non-RPC endpoints.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("careers api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("careers api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the career copilot API. When httpClient
// is nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Authenticate exchanges credentials for an access token and stores it for
// subsequent calls.
func (c *Client) Authenticate(ctx context.Context, creds Credentials) (Token, error) {
	payload := map[string]string{
		"grant_type": "password",
		"username":   creds.Username,
		"password":   creds.Password,
	}
	var token Token
	if err := c.post(ctx, "/auth/token", payload, &token); err != nil {
		return Token{}, err
	}
	c.SetAccessToken(token.AccessToken)
	return token, nil
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken overrides the stored access token.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// SendTask submits a task and returns its initial snapshot.
func (c *Client) SendTask(ctx context.Context, params SendTaskParams) (Task, error) {
	var task Task
	if err := c.rpc(ctx, methodTaskSend, params, &task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// GetTask fetches the current task snapshot.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var task Task
	if err := c.rpc(ctx, methodTaskGet, map[string]string{"id": taskID}, &task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// CancelTask requests cancellation and returns the resulting snapshot.
func (c *Client) CancelTask(ctx context.Context, taskID string) (Task, error) {
	var task Task
	if err := c.rpc(ctx, methodTaskCancel, map[string]string{"id": taskID}, &task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// SendTaskSubscribe submits a task and streams its events until the final
// frame. The returned channel is closed when the stream ends.
func (c *Client) SendTaskSubscribe(ctx context.Context, params SendTaskParams) (<-chan StreamEvent, error) {
	return c.stream(ctx, methodTaskSendSubscribe, params)
}

// Resubscribe re-attaches to the event stream of an existing task.
func (c *Client) Resubscribe(ctx context.Context, taskID string) (<-chan StreamEvent, error) {
	return c.stream(ctx, methodTaskResubscribe, map[string]string{"id": taskID})
}

// WaitUntilCompleted polls the task until it reaches a terminal state.
func (c *Client) WaitUntilCompleted(ctx context.Context, taskID string, interval time.Duration) (Task, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		task, err := c.GetTask(ctx, taskID)
		if err != nil {
			return Task{}, err
		}
		if task.Status.Final() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return Task{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// rpcRequest is the JSON-RPC request envelope.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// rpcResponse is the JSON-RPC response envelope.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// rpc performs a unary JSON-RPC call against /a2a.
func (c *Client) rpc(ctx context.Context, method string, params, out any) error {
	req, err := c.newRPCRequest(ctx, method, params)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return readAPIError(resp)
	}
	var envelope rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if envelope.Error != nil {
		return envelope.Error
	}
	if out == nil || len(envelope.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}

// stream opens an SSE stream for a subscribe-style method.
func (c *Client) stream(ctx context.Context, method string, params any) (<-chan StreamEvent, error) {
	req, err := c.newRPCRequest(ctx, method, params)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	// Streams outlive the default timeout, so use a dedicated client.
	streamClient := &http.Client{Transport: c.httpClient.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, readAPIError(resp)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		// The server answered with a unary error envelope.
		defer resp.Body.Close()
		var envelope rpcResponse
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		if envelope.Error != nil {
			return nil, envelope.Error
		}
		return nil, errors.New("careers: server did not open an event stream")
	}

	events := make(chan StreamEvent, 8)
	go func() {
		defer close(events)
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			event, final, err := decodeFrame(strings.TrimPrefix(line, "data: "))
			if err != nil {
				events <- StreamEvent{Err: err}
				return
			}
			select {
			case events <- event:
			case <-ctx.Done():
				return
			}
			if final {
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			events <- StreamEvent{Err: err}
		}
	}()
	return events, nil
}

// decodeFrame parses one SSE data payload into a stream event.
func decodeFrame(payload string) (StreamEvent, bool, error) {
	var envelope rpcResponse
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
		return StreamEvent{}, false, fmt.Errorf("decode frame: %w", err)
	}
	if envelope.Error != nil {
		return StreamEvent{}, false, envelope.Error
	}
	var frame struct {
		ID       string      `json:"id"`
		Status   *TaskStatus `json:"status"`
		Final    bool        `json:"final"`
		Artifact *Artifact   `json:"artifact"`
	}
	if err := json.Unmarshal(envelope.Result, &frame); err != nil {
		return StreamEvent{}, false, fmt.Errorf("decode frame result: %w", err)
	}
	event := StreamEvent{
		TaskID:   frame.ID,
		Status:   frame.Status,
		Final:    frame.Final,
		Artifact: frame.Artifact,
	}
	return event, frame.Final, nil
}

// newRPCRequest builds an authenticated POST /a2a request.
func (c *Client) newRPCRequest(ctx context.Context, method string, params any) (*http.Request, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/a2a", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// post sends a JSON payload to a non-RPC endpoint.
func (c *Client) post(ctx context.Context, endpoint string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return readAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func readAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read error response: %w", err)
	}
	if len(data) > 0 {
		var wrapped struct {
			Error *APIError `json:"error"`
		}
		if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Error != nil {
			wrapped.Error.StatusCode = resp.StatusCode
			apiErr = wrapped.Error
		} else {
			_ = json.Unmarshal(data, apiErr)
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = string(bytes.TrimSpace(data))
	}
	return apiErr
}
