package agent

import (
	"context"
	stdErrors "errors"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"CareerCopilot/internal/protocol"
)

type staticAgent struct {
	card protocol.AgentCard
}

func (s staticAgent) Card() protocol.AgentCard { return s.card }

func (s staticAgent) Invoke(context.Context, Request, Emitter) (*Result, error) {
	return &Result{Reply: "ok"}, nil
}

func TestRegistryLocalResolve(t *testing.T) {
	registry := NewRegistry()
	local := staticAgent{card: protocol.AgentCard{
		Name:   "matcher",
		Skills: []protocol.AgentSkill{{ID: SkillJobMatching}},
	}}
	if err := registry.RegisterLocal(local); err != nil {
		t.Fatalf("register local: %v", err)
	}

	agent, err := registry.Resolve(SkillJobMatching)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if agent.Card().Name != "matcher" {
		t.Fatalf("unexpected agent: %s", agent.Card().Name)
	}

	if _, err := registry.Resolve("unknown_skill"); !stdErrors.Is(err, ErrAgentNotFound) {
		t.Fatalf("expected agent not found, got %v", err)
	}

	infos := registry.List()
	if len(infos) != 1 || infos[0].Status != StatusOnline {
		t.Fatalf("unexpected registry listing: %+v", infos)
	}
}

func TestRegistryRegisterRemote(t *testing.T) {
	card := protocol.AgentCard{
		Name:    "negotiator",
		Version: "1.0.0",
		Skills:  []protocol.AgentSkill{{ID: "salary_negotiation"}},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/agent.json" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(card)
	}))
	defer srv.Close()

	registry := NewRegistry()
	info, err := registry.RegisterRemote(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("register remote: %v", err)
	}
	if info.Card.Name != "negotiator" || info.Endpoint != srv.URL {
		t.Fatalf("unexpected info: %+v", info)
	}

	if _, err := registry.Resolve("salary_negotiation"); err != nil {
		t.Fatalf("resolve remote skill: %v", err)
	}

	// 探测在线。
	registry.Probe(context.Background())
	infos := registry.List()
	if infos[0].Status != StatusOnline {
		t.Fatalf("expected online after probe, got %s", infos[0].Status)
	}

	// 远端下线后探测应标记为 error。
	srv.Close()
	registry.Probe(context.Background())
	infos = registry.List()
	if infos[0].Status != StatusError {
		t.Fatalf("expected error status after server shutdown, got %s", infos[0].Status)
	}
}

func TestRegistryRegisterRemoteRejectsBadCard(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"name":""}`))
	}))
	defer srv.Close()

	registry := NewRegistry()
	if _, err := registry.RegisterRemote(context.Background(), srv.URL); err == nil {
		t.Fatal("expected error for card without a name")
	}
}
