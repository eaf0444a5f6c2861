package planner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantrylab/gantry/internal/application/agent"
	"github.com/gantrylab/gantry/internal/domain"
)

func plannerFixture(t *testing.T, respond func(w http.ResponseWriter, req stepRequestDTO)) *HTTP {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/plan", r.URL.Path)

		var req stepRequestDTO
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		respond(w, req)
	}))
	t.Cleanup(srv.Close)
	return NewHTTP(srv.URL, "", 5*time.Second)
}

func TestHTTP_ProposeCall(t *testing.T) {
	var seen stepRequestDTO
	p := plannerFixture(t, func(w http.ResponseWriter, req stepRequestDTO) {
		seen = req
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"action": "call",
			"tool": "apply_patch",
			"params": {"diff": "..."},
			"tokens_used": 120,
			"cost_cents": 3
		}`))
	})

	action, err := p.Propose(context.Background(), agent.PlanRequest{
		Goal:      "fix the flaky test",
		AgentType: "builder",
		Mode:      domain.ModeMechanic,
		History: []*domain.Event{
			{Seq: 1, Kind: domain.EventInfo, Summary: "job accepted"},
		},
		Catalog: []agent.Descriptor{
			{Name: "apply_patch", Category: agent.CategoryMutating},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, agent.ActionCall, action.Kind)
	assert.Equal(t, "apply_patch", action.Tool)
	assert.JSONEq(t, `{"diff": "..."}`, string(action.Params))
	assert.Equal(t, 120, action.TokensUsed)
	assert.Equal(t, 3, action.CostCents)

	assert.Equal(t, "fix the flaky test", seen.Goal)
	assert.Equal(t, "builder", seen.AgentType)
	assert.Equal(t, "mechanic", seen.Mode)
	require.Len(t, seen.History, 1)
	assert.Equal(t, int64(1), seen.History[0].Seq)
	assert.Equal(t, domain.EventInfo, seen.History[0].Kind)
	require.Len(t, seen.Catalog, 1)
	assert.Equal(t, "apply_patch", seen.Catalog[0].Name)
}

func TestHTTP_ProposeAnswer(t *testing.T) {
	p := plannerFixture(t, func(w http.ResponseWriter, _ stepRequestDTO) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"action": "answer", "answer": "done, patch applied", "tokens_used": 40}`))
	})

	action, err := p.Propose(context.Background(), agent.PlanRequest{Goal: "g", Mode: domain.ModeMechanic})
	require.NoError(t, err)

	assert.Equal(t, agent.ActionAnswer, action.Kind)
	assert.Equal(t, "done, patch applied", action.Answer)
	assert.Equal(t, 40, action.TokensUsed)
}

func TestHTTP_ProposeEscalate(t *testing.T) {
	p := plannerFixture(t, func(w http.ResponseWriter, _ stepRequestDTO) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"action": "escalate", "reason": "conflicting requirements"}`))
	})

	action, err := p.Propose(context.Background(), agent.PlanRequest{Goal: "g", Mode: domain.ModeGenius})
	require.NoError(t, err)

	assert.Equal(t, agent.ActionEscalate, action.Kind)
	assert.Equal(t, "conflicting requirements", action.Reason)
}

func TestHTTP_EmptyHistoryAndCatalogSerializeAsArrays(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var raw map[string]json.RawMessage
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		assert.Equal(t, "[]", string(raw["history"]))
		assert.Equal(t, "[]", string(raw["catalog"]))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"action": "answer"}`))
	}))
	t.Cleanup(srv.Close)

	_, err := NewHTTP(srv.URL, "", time.Second).Propose(context.Background(), agent.PlanRequest{Goal: "g"})
	require.NoError(t, err)
}

func TestHTTP_SendsBearerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sekret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"action": "answer"}`))
	}))
	t.Cleanup(srv.Close)

	_, err := NewHTTP(srv.URL, "sekret", time.Second).Propose(context.Background(), agent.PlanRequest{Goal: "g"})
	require.NoError(t, err)
}

func TestHTTP_CallWithoutToolFails(t *testing.T) {
	p := plannerFixture(t, func(w http.ResponseWriter, _ stepRequestDTO) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"action": "call"}`))
	})

	_, err := p.Propose(context.Background(), agent.PlanRequest{Goal: "g"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "without a tool")
}

func TestHTTP_UnknownActionFails(t *testing.T) {
	p := plannerFixture(t, func(w http.ResponseWriter, _ stepRequestDTO) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"action": "shrug"}`))
	})

	_, err := p.Propose(context.Background(), agent.PlanRequest{Goal: "g"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"shrug"`)
}

func TestHTTP_ServerErrorSurfaces(t *testing.T) {
	p := plannerFixture(t, func(w http.ResponseWriter, _ stepRequestDTO) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	})

	_, err := p.Propose(context.Background(), agent.PlanRequest{Goal: "g"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "model overloaded")
}

func TestEscalate_Propose(t *testing.T) {
	action, err := NewEscalate("").Propose(context.Background(), agent.PlanRequest{Goal: "g"})
	require.NoError(t, err)
	assert.Equal(t, agent.ActionEscalate, action.Kind)
	assert.Equal(t, DefaultEscalateReason, action.Reason)

	action, err = NewEscalate("maintenance window").Propose(context.Background(), agent.PlanRequest{Goal: "g"})
	require.NoError(t, err)
	assert.Equal(t, "maintenance window", action.Reason)
}
