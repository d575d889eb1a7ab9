package memorysrv

import (
	"context"
	"fmt"
	"strings"

	"github.com/Abraxas-365/recall/pkg/ai/llm"
	"github.com/Abraxas-365/recall/pkg/errx"
	"github.com/Abraxas-365/recall/pkg/memory"
)

// Summarizer folds a cluster of dialogue excerpts into one dense summary.
// Inputs arrive in chronological order.
type Summarizer interface {
	Summarize(ctx context.Context, texts []string) (string, error)
}

const summarySystemPrompt = `You condense conversation excerpts into long-term memory.
Write one compact summary of the excerpts below: keep every fact, decision,
preference and open question; drop greetings, filler and repetition. Write in
the third person, past tense, as running prose. Output only the summary.`

// llmSummarizer backs Summarizer with a chat model.
type llmSummarizer struct {
	client    llm.LLM
	model     string
	maxTokens int
}

func NewLLMSummarizer(client llm.LLM, model string, maxTokens int) Summarizer {
	return &llmSummarizer{
		client:    client,
		model:     model,
		maxTokens: maxTokens,
	}
}

func (s *llmSummarizer) Summarize(ctx context.Context, texts []string) (string, error) {
	if len(texts) == 0 {
		return "", memory.ErrInvalidInput().WithDetail("reason", "no texts to summarize")
	}

	var prompt strings.Builder
	prompt.WriteString("Excerpts in chronological order:\n")
	for i, text := range texts {
		fmt.Fprintf(&prompt, "\n%d. %s\n", i+1, text)
	}

	opts := []llm.Option{
		llm.WithTemperature(0.2),
	}
	if s.model != "" {
		opts = append(opts, llm.WithModel(s.model))
	}
	if s.maxTokens > 0 {
		opts = append(opts, llm.WithMaxTokens(s.maxTokens))
	}

	resp, err := s.client.Chat(ctx, []llm.Message{
		llm.NewSystemMessage(summarySystemPrompt),
		llm.NewUserMessage(prompt.String()),
	}, opts...)
	if err != nil {
		return "", err
	}

	summary := strings.TrimSpace(resp.Message.Content)
	if summary == "" {
		return "", errx.New("summarizer returned empty content", errx.TypeExternal)
	}

	return summary, nil
}
