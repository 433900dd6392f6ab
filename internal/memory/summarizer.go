package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/agentloom/agentloom/orchestrator/pkg/contracts"
	"github.com/agentloom/agentloom/orchestrator/pkg/models"
)

const summaryPrompt = `You summarize multi-agent support conversations.
Respond with ONLY a JSON object, no prose, matching this shape:
{
  "summary": "two or three sentences",
  "key_topics": ["topic"],
  "decisions": ["decision"],
  "action_items": [{"description": "...", "assignee": "...", "priority": "low|medium|high"}],
  "sentiment": {"score": -1.0, "label": "negative|neutral|positive", "confidence": 0.0},
  "resolution": "resolved|unresolved|escalated|pending|unknown"
}`

// OpenAISummarizer produces episodic summaries through the chat
// completions API.
type OpenAISummarizer struct {
	client *openai.Client
	model  string
}

func NewOpenAISummarizer(apiKey, model string) *OpenAISummarizer {
	return &OpenAISummarizer{client: openai.NewClient(apiKey), model: model}
}

func (o *OpenAISummarizer) Summarize(ctx context.Context, msgs []contracts.ConversationMessage) (*contracts.SummaryResult, error) {
	var sb strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&sb, "[%s] %s: %s\n", m.Timestamp.Format("15:04:05"), m.AgentID, m.Content)
	}

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: summaryPrompt},
			{Role: openai.ChatMessageRoleUser, Content: sb.String()},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices")
	}

	var result contracts.SummaryResult
	raw := extractJSON(resp.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, fmt.Errorf("parse summary response: %w", err)
	}
	if result.Resolution == "" {
		result.Resolution = models.ResolutionUnknown
	}
	return &result, nil
}

// extractJSON strips markdown code fences that models wrap JSON in.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	// Fall back to the outermost object if prose leaked around it
	if !strings.HasPrefix(s, "{") {
		start := strings.Index(s, "{")
		end := strings.LastIndex(s, "}")
		if start >= 0 && end > start {
			s = s[start : end+1]
		}
	}
	return s
}

// HeuristicSummarizer is the no-LLM fallback: deterministic, cheap, and
// good enough for tests and offline deployments.
type HeuristicSummarizer struct{}

func NewHeuristicSummarizer() *HeuristicSummarizer { return &HeuristicSummarizer{} }

var stopwords = map[string]bool{
	"about": true, "after": true, "again": true, "being": true, "could": true,
	"every": true, "going": true, "have": true, "that": true, "their": true,
	"there": true, "these": true, "thing": true, "this": true, "those": true,
	"what": true, "when": true, "where": true, "which": true, "will": true,
	"with": true, "would": true, "your": true, "from": true, "please": true,
}

func (h *HeuristicSummarizer) Summarize(_ context.Context, msgs []contracts.ConversationMessage) (*contracts.SummaryResult, error) {
	if len(msgs) == 0 {
		return &contracts.SummaryResult{Resolution: models.ResolutionUnknown}, nil
	}

	agents := make(map[string]bool)
	freq := make(map[string]int)
	for _, m := range msgs {
		if m.AgentID != "" {
			agents[m.AgentID] = true
		}
		for _, w := range strings.Fields(strings.ToLower(m.Content)) {
			w = strings.Trim(w, ".,!?:;\"'()")
			if len(w) >= 4 && !stopwords[w] {
				freq[w]++
			}
		}
	}

	topics := topWords(freq, 5)
	summary := fmt.Sprintf("Conversation of %d messages between %d agents.", len(msgs), len(agents))
	if len(topics) > 0 {
		summary += " Main topics: " + strings.Join(topics, ", ") + "."
	}

	return &contracts.SummaryResult{
		Summary:    summary,
		KeyTopics:  topics,
		Sentiment:  models.Sentiment{Label: "neutral", Confidence: 0.3},
		Resolution: models.ResolutionUnknown,
	}, nil
}

func topWords(freq map[string]int, n int) []string {
	words := make([]string, 0, len(freq))
	for w := range freq {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if freq[words[i]] != freq[words[j]] {
			return freq[words[i]] > freq[words[j]]
		}
		return words[i] < words[j]
	})
	if len(words) > n {
		words = words[:n]
	}
	return words
}

var (
	_ contracts.Summarizer = (*OpenAISummarizer)(nil)
	_ contracts.Summarizer = (*HeuristicSummarizer)(nil)
)
