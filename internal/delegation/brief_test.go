package delegation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/quorumrun/nexus/internal/compaction"
	"github.com/quorumrun/nexus/internal/sessionstore"
	"github.com/quorumrun/nexus/pkg/contract"
	"github.com/quorumrun/nexus/pkg/model"
)

type stubBriefProvider struct {
	reply string
}

func (p *stubBriefProvider) Name() string           { return "stub" }
func (p *stubBriefProvider) SupportsStreaming() bool { return false }
func (p *stubBriefProvider) ChatStreamWithTools(ctx context.Context, messages []contract.ChatMessage, tools []model.ToolDefinition) (<-chan contract.StreamChunk, error) {
	return nil, errors.New("not implemented")
}
func (p *stubBriefProvider) ChatWithTools(ctx context.Context, messages []contract.ChatMessage, tools []model.ToolDefinition) (contract.ChatResponse, error) {
	return contract.ChatResponse{TextOut: p.reply}, nil
}

func TestBuildBrief_UsesExistingCompactionSummary(t *testing.T) {
	store := sessionstore.NewMemoryStore()
	ctx := context.Background()
	s := model.NewSession("/tmp/work", "cfg-1")
	if err := store.CreateSession(ctx, s); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := store.AppendMessage(ctx, model.NewAgentMessage(s.ID, model.RoleUser, model.Text{Content: "do a lot of stuff"})); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if err := store.AppendMessage(ctx, model.NewAgentMessage(s.ID, model.RoleAssistant, model.Compaction{Summary: "prior work summary", OriginalTokenCount: 5000})); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	brief, err := BuildBrief(ctx, store, s.ID, BriefConfig{MinHistoryTokens: 2000})
	if err != nil {
		t.Fatalf("BuildBrief: %v", err)
	}
	if brief != "prior work summary" {
		t.Fatalf("expected the existing compaction summary to be reused verbatim, got %q", brief)
	}
}

func TestBuildBrief_InjectsRawHistoryBelowThreshold(t *testing.T) {
	store := sessionstore.NewMemoryStore()
	ctx := context.Background()
	s := model.NewSession("/tmp/work", "cfg-1")
	if err := store.CreateSession(ctx, s); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := store.AppendMessage(ctx, model.NewAgentMessage(s.ID, model.RoleUser, model.Text{Content: "short task"})); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	brief, err := BuildBrief(ctx, store, s.ID, BriefConfig{MinHistoryTokens: 100000})
	if err != nil {
		t.Fatalf("BuildBrief: %v", err)
	}
	if !strings.Contains(brief, "short task") {
		t.Fatalf("expected raw history to be injected, got %q", brief)
	}
}

func TestBuildBrief_SummarizesWhenAboveThreshold(t *testing.T) {
	store := sessionstore.NewMemoryStore()
	ctx := context.Background()
	s := model.NewSession("/tmp/work", "cfg-1")
	if err := store.CreateSession(ctx, s); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := store.AppendMessage(ctx, model.NewAgentMessage(s.ID, model.RoleUser, model.Text{Content: strings.Repeat("lots of detail ", 2000)})); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	provider := &stubBriefProvider{reply: "condensed brief"}
	cfg := BriefConfig{
		MinHistoryTokens: 10,
		Summarizer: compaction.SummarizeConfig{
			Provider:       provider,
			MaxAttempts:    1,
			InitialDelay:   time.Millisecond,
			MaxChunkTokens: 50000,
		},
	}

	brief, err := BuildBrief(ctx, store, s.ID, cfg)
	if err != nil {
		t.Fatalf("BuildBrief: %v", err)
	}
	if brief != "condensed brief" {
		t.Fatalf("expected summarizer output, got %q", brief)
	}
}

func TestBuildBrief_EmptyHistoryReturnsEmptyBrief(t *testing.T) {
	store := sessionstore.NewMemoryStore()
	ctx := context.Background()
	s := model.NewSession("/tmp/work", "cfg-1")
	if err := store.CreateSession(ctx, s); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	brief, err := BuildBrief(ctx, store, s.ID, BriefConfig{MinHistoryTokens: 100})
	if err != nil {
		t.Fatalf("BuildBrief: %v", err)
	}
	if brief != "" {
		t.Fatalf("expected empty brief for empty history, got %q", brief)
	}
}
