package compaction

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/quorumrun/nexus/pkg/contract"
	"github.com/quorumrun/nexus/pkg/model"
)

// BriefSystemPrompt is the fixed instruction given to the summarizer
// model: a dense continuation brief, not a narrative recap.
const BriefSystemPrompt = `Summarize the conversation below into a dense continuation brief for the next agent turn. Cover: what was done, the current state of the work, files touched, remaining next steps, and any constraints the user stated. Be concrete; omit pleasantries.`

// SummarizeConfig parameterizes Layer 3.
type SummarizeConfig struct {
	Provider contract.ChatProvider
	Model    string

	MaxAttempts  int
	InitialDelay time.Duration
	BackoffFunc  func(attempt int, initial time.Duration) time.Duration

	// MaxChunkTokens bounds how much history goes into a single
	// summarization call; histories larger than this are chunked and
	// merged, matching the teacher's chunk-then-merge shape.
	MaxChunkTokens int
}

// DefaultSummarizeConfig returns sensible defaults: 3 attempts, 1s
// initial delay doubling each retry, 20k-token chunks.
func DefaultSummarizeConfig(provider contract.ChatProvider, modelID string) SummarizeConfig {
	return SummarizeConfig{
		Provider:       provider,
		Model:          modelID,
		MaxAttempts:    3,
		InitialDelay:   time.Second,
		BackoffFunc:    func(attempt int, initial time.Duration) time.Duration { return initial * time.Duration(1<<uint(attempt)) },
		MaxChunkTokens: 20000,
	}
}

// Summarize builds a Compaction part over history by invoking the
// provider with BriefSystemPrompt, retrying on error with exponential
// backoff. The returned Compaction.OriginalTokenCount is the estimated
// token size of the history that was summarized.
func Summarize(ctx context.Context, history []*model.AgentMessage, cfg SummarizeConfig) (model.Compaction, error) {
	if len(history) == 0 {
		return model.Compaction{Summary: DefaultSummaryFallback}, nil
	}
	if cfg.Provider == nil {
		return model.Compaction{}, fmt.Errorf("compaction: no provider configured")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.BackoffFunc == nil {
		cfg.BackoffFunc = func(attempt int, initial time.Duration) time.Duration { return initial * time.Duration(1<<uint(attempt)) }
	}

	originalTokens := 0
	for _, m := range history {
		originalTokens += EstimateMessageTokens(m)
	}

	chunks := chunkByMaxTokens(history, cfg.MaxChunkTokens)

	var lastErr error
	var summary string
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := cfg.BackoffFunc(attempt-1, cfg.InitialDelay)
			select {
			case <-ctx.Done():
				return model.Compaction{}, ctx.Err()
			case <-time.After(delay):
			}
		}

		var err error
		summary, err = summarizeChunks(ctx, chunks, cfg)
		if err == nil {
			return model.Compaction{Summary: summary, OriginalTokenCount: originalTokens}, nil
		}
		lastErr = err
	}
	return model.Compaction{}, fmt.Errorf("compaction: summarization failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}

// chunkByMaxTokens splits history into chunks that each stay under
// maxTokens, mirroring the teacher's ChunkMessagesByMaxTokens: a single
// oversized message gets its own chunk rather than blocking progress.
func chunkByMaxTokens(history []*model.AgentMessage, maxTokens int) [][]*model.AgentMessage {
	if maxTokens <= 0 {
		return [][]*model.AgentMessage{history}
	}
	var chunks [][]*model.AgentMessage
	var current []*model.AgentMessage
	currentTokens := 0

	for _, msg := range history {
		tokens := EstimateMessageTokens(msg)
		if tokens > maxTokens {
			if len(current) > 0 {
				chunks = append(chunks, current)
				current = nil
				currentTokens = 0
			}
			chunks = append(chunks, []*model.AgentMessage{msg})
			continue
		}
		if currentTokens+tokens > maxTokens && len(current) > 0 {
			chunks = append(chunks, current)
			current = nil
			currentTokens = 0
		}
		current = append(current, msg)
		currentTokens += tokens
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}

func summarizeChunks(ctx context.Context, chunks [][]*model.AgentMessage, cfg SummarizeConfig) (string, error) {
	if len(chunks) == 0 {
		return DefaultSummaryFallback, nil
	}
	if len(chunks) == 1 {
		return summarizeOne(ctx, chunks[0], cfg, BriefSystemPrompt)
	}

	partSummaries := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		s, err := summarizeOne(ctx, chunk, cfg, BriefSystemPrompt)
		if err != nil {
			return "", fmt.Errorf("summarizing chunk %d: %w", i, err)
		}
		partSummaries = append(partSummaries, s)
	}
	return mergeChunkSummaries(ctx, partSummaries, cfg)
}

func mergeChunkSummaries(ctx context.Context, summaries []string, cfg SummarizeConfig) (string, error) {
	var b strings.Builder
	for i, s := range summaries {
		fmt.Fprintf(&b, "Chunk %d summary:\n%s\n\n", i+1, s)
	}
	mergePrompt := BriefSystemPrompt + "\n\nMerge the chunk summaries below into one coherent brief, preserving chronological order."
	messages := []contract.ChatMessage{{Role: model.RoleUser, Content: b.String()}}
	resp, err := cfg.Provider.ChatWithTools(ctx, append([]contract.ChatMessage{{Role: model.RoleAssistant, Content: mergePrompt}}, messages...), nil)
	if err != nil {
		return "", err
	}
	return resp.TextOut, nil
}

func summarizeOne(ctx context.Context, chunk []*model.AgentMessage, cfg SummarizeConfig, systemPrompt string) (string, error) {
	rendered := renderHistory(chunk)
	messages := []contract.ChatMessage{
		{Role: model.RoleAssistant, Content: systemPrompt},
		{Role: model.RoleUser, Content: rendered},
	}
	resp, err := cfg.Provider.ChatWithTools(ctx, messages, nil)
	if err != nil {
		return "", err
	}
	return resp.TextOut, nil
}

// RenderHistory flattens history into the same "[role]: text" rendering
// used as the summarizer's input; the delegation manager's raw-history
// brief branch reuses it so both paths format history identically.
func RenderHistory(history []*model.AgentMessage) string {
	return renderHistory(history)
}

func renderHistory(history []*model.AgentMessage) string {
	var b strings.Builder
	for _, msg := range history {
		for _, part := range msg.Parts {
			text := renderPart(part)
			if text == "" {
				continue
			}
			fmt.Fprintf(&b, "[%s]: %s\n", msg.Role, text)
		}
	}
	return b.String()
}
