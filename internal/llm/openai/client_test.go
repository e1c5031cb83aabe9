package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"CareerCopilot/internal/llm"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error when api key is missing")
	}
}

func TestGenerateSuccess(t *testing.T) {
	var captured struct {
		Authorization string
		Body          map[string]any
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.Authorization = r.Header.Get("Authorization")
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&captured.Body); err != nil {
			t.Fatalf("failed to decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{
					"message": map[string]any{
						"content": `{"thought":"先匹配画像","reply":"推荐 3 个职位"}`,
					},
				},
			},
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()

	resp, err := client.Generate(context.Background(), llm.Request{
		Goal:  "帮我找后端岗位",
		Skill: "job_matching",
		Context: []llm.ContextCard{
			{Title: "画像", Content: "5 年 Go 开发经验"},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.Reply != "推荐 3 个职位" || resp.Thought != "先匹配画像" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	if !strings.HasPrefix(captured.Authorization, "Bearer ") {
		t.Fatalf("authorization header missing: %q", captured.Authorization)
	}

	if captured.Body["model"] == "" {
		t.Fatalf("model field missing in request")
	}
}

func TestGenerateIncludesHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("failed to decode body: %v", err)
		}
		if len(body.Messages) != 4 {
			t.Fatalf("expected system+history+user messages, got %d", len(body.Messages))
		}
		if body.Messages[1].Role != "user" || body.Messages[2].Role != "assistant" {
			t.Fatalf("unexpected history roles: %+v", body.Messages)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "直接回答"}},
			},
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()

	resp, err := client.Generate(context.Background(), llm.Request{
		Goal: "继续",
		History: []llm.HistoryEntry{
			{Role: "user", Content: "帮我改简历"},
			{Role: "assistant", Content: "好的，请提供目标职位"},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 非 JSON 格式的内容整体作为 reply 兜底。
	if resp.Reply != "直接回答" {
		t.Fatalf("unexpected reply: %q", resp.Reply)
	}
}

func TestGenerateHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadRequest)
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()

	if _, err := client.Generate(context.Background(), llm.Request{Goal: "test"}); err == nil {
		t.Fatalf("expected error when http status is not success")
	}
}
