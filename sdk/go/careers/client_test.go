package careers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// fakeFrontDoor emulates the daemon's /auth/token and /a2a endpoints.
// Tasks complete after the first task/get poll.
type fakeFrontDoor struct {
	created int
	tasks   map[string]*Task
	polls   map[string]int
}

func newFakeFrontDoor() *fakeFrontDoor {
	return &fakeFrontDoor{tasks: map[string]*Task{}, polls: map[string]int{}}
}

func (f *fakeFrontDoor) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/token", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Password != "pwd" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]string{"code": "INVALID_CREDENTIALS", "message": "bad credentials"},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(Token{AccessToken: "token-" + req.Username, TokenType: "Bearer", ExpiresIn: 60})
	})
	mux.HandleFunc("/a2a", f.handleRPC)
	return mux
}

func (f *fakeFrontDoor) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req struct {
		ID     any             `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	respond := func(result any) {
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
	}
	fail := func(code int, message string) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0", "id": req.ID,
			"error": map[string]any{"code": code, "message": message},
		})
	}

	switch req.Method {
	case methodTaskSend:
		f.created++
		id := fmt.Sprintf("task-%d", f.created)
		task := &Task{ID: id, Status: TaskStatus{State: "pending"}}
		f.tasks[id] = task
		respond(task)
	case methodTaskGet:
		var params struct {
			ID string `json:"id"`
		}
		_ = json.Unmarshal(req.Params, &params)
		task, ok := f.tasks[params.ID]
		if !ok {
			fail(-32001, "task not found")
			return
		}
		f.polls[params.ID]++
		if f.polls[params.ID] > 1 {
			task.Status = TaskStatus{State: StateCompleted}
			task.Artifacts = []Artifact{{Parts: []Part{{Type: "text", Text: "done"}}}}
		}
		respond(task)
	case methodTaskSendSubscribe:
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		frames := []any{
			map[string]any{"id": "task-s", "status": map[string]any{"state": "working"}, "final": false},
			map[string]any{"id": "task-s", "artifact": map[string]any{"parts": []map[string]any{{"type": "text", "text": "chunk"}}, "index": 0}},
			map[string]any{"id": "task-s", "status": map[string]any{"state": StateCompleted}, "final": true},
		}
		for _, frame := range frames {
			data, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": frame})
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	default:
		fail(-32601, "method not found")
	}
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	srv := httptest.NewServer(newFakeFrontDoor().handler())
	t.Cleanup(srv.Close)
	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestAuthenticateStoresToken(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	token, err := client.Authenticate(ctx, Credentials{Username: "alice", Password: "pwd"})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if token.AccessToken == "" || client.AccessToken() != token.AccessToken {
		t.Fatalf("expected stored token, got %q", client.AccessToken())
	}

	_, err = client.Authenticate(ctx, Credentials{Username: "alice", Password: "wrong"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 api error, got %v", err)
	}
}

func TestSendAndWaitForTask(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	if _, err := client.Authenticate(ctx, Credentials{Username: "alice", Password: "pwd"}); err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	created, err := client.SendTask(ctx, SendTaskParams{Message: TextMessage("帮我匹配职位")})
	if err != nil {
		t.Fatalf("send task: %v", err)
	}
	if created.ID == "" || created.Status.State != "pending" {
		t.Fatalf("unexpected task: %+v", created)
	}

	done, err := client.WaitUntilCompleted(ctx, created.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.Status.State != StateCompleted || len(done.Artifacts) == 0 {
		t.Fatalf("unexpected final task: %+v", done)
	}

	_, err = client.GetTask(ctx, "missing")
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != -32001 {
		t.Fatalf("expected -32001, got %v", err)
	}
}

func TestSendTaskSubscribeDecodesFrames(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	if _, err := client.Authenticate(ctx, Credentials{Username: "alice", Password: "pwd"}); err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	events, err := client.SendTaskSubscribe(ctx, SendTaskParams{Message: TextMessage("准备面试")})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	var states []string
	var artifacts int
	for event := range events {
		if event.Err != nil {
			t.Fatalf("stream error: %v", event.Err)
		}
		if event.Status != nil {
			states = append(states, event.Status.State)
		}
		if event.Artifact != nil {
			artifacts++
		}
	}
	if len(states) != 2 || states[0] != "working" || states[1] != StateCompleted {
		t.Fatalf("unexpected states: %v", states)
	}
	if artifacts != 1 {
		t.Fatalf("expected 1 artifact frame, got %d", artifacts)
	}
}

func TestRPCRequiresReachableServer(t *testing.T) {
	client, err := NewClient("http://127.0.0.1:1", &http.Client{Timeout: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.GetTask(context.Background(), "x"); err == nil {
		t.Fatal("expected transport error")
	}
}
