package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// maxLogChars caps the log excerpt sent for analysis.
const maxLogChars = 20000

// Analysis is the result of a deep review of one session.
type Analysis struct {
	Rating         int // 0 when the model gave none
	CriticalIssues []string
	Warnings       []string
	Text           string
}

// Client wraps the Anthropic API for deep session reviews.
type Client struct {
	api   *anthropic.Client
	model anthropic.Model
}

// NewClient creates an LLM client with the given API key and model.
func NewClient(apiKey, model string) *Client {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	return &Client{
		api:   &client,
		model: anthropic.Model(model),
	}
}

const reviewSystemPrompt = `You are a code review expert analyzing autonomous coding agent sessions.
All necessary data is provided in the user message. Do not ask for files or attempt to use tools.
Respond with a Markdown review report in this shape:

Session Quality Rating: N/10

### Critical Issues
- one bullet per issue that made the session unreliable (omit the section if none)

### Warnings
- one bullet per lesser problem (omit the section if none)

### Analysis
Browser verification, error patterns, task completion and prompt adherence.

## RECOMMENDATIONS
Concrete, prioritized improvements for future sessions.`

// buildReviewPrompt constructs the user prompt for a deep review.
func buildReviewPrompt(sessionNumber int, logs string, metrics map[string]any) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Deep Session Review - Session %d\n\n", sessionNumber)

	sb.WriteString("## Metrics\n\n")
	keys := make([]string, 0, len(metrics))
	for k := range metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, err := json.Marshal(metrics[k])
		if err != nil {
			continue
		}
		fmt.Fprintf(&sb, "- %s: %s\n", k, v)
	}

	sb.WriteString("\n## Session Log Excerpt\n\n")
	if len(logs) > maxLogChars {
		logs = logs[len(logs)-maxLogChars:]
		sb.WriteString("(truncated to the last part of the log)\n\n")
	}
	if logs == "" {
		sb.WriteString("(no log available)\n")
	} else {
		sb.WriteString("```\n")
		sb.WriteString(logs)
		sb.WriteString("\n```\n")
	}
	return sb.String()
}

// Analyze sends a session's logs and metrics to the model and returns its
// review. The rating is left at 0 here; callers extract it from Text.
func (c *Client) Analyze(ctx context.Context, sessionNumber int, logs string, metrics map[string]any) (*Analysis, error) {
	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 4096,
		System: []anthropic.TextBlockParam{
			{Text: reviewSystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(buildReviewPrompt(sessionNumber, logs, metrics))),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic API call: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" {
		return nil, fmt.Errorf("no text content in API response")
	}

	text = stripFencing(text)
	return &Analysis{
		CriticalIssues: bulletSection(text, "Critical Issues"),
		Warnings:       bulletSection(text, "Warnings"),
		Text:           text,
	}, nil
}

// stripFencing removes a markdown code fence wrapping the whole response.
func stripFencing(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		lines := strings.SplitN(text, "\n", 2)
		if len(lines) > 1 {
			text = lines[1]
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	return text
}

// bulletSection collects the "- " bullets under a heading named title, up
// to the next heading.
func bulletSection(text, title string) []string {
	var out []string
	in := false
	for line := range strings.SplitSeq(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			heading := strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
			in = strings.EqualFold(heading, title)
			continue
		}
		if !in {
			continue
		}
		if item, ok := strings.CutPrefix(trimmed, "- "); ok && item != "" {
			out = append(out, item)
		}
	}
	return out
}
