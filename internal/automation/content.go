package automation

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/nexo/internal/common"
)

// Generator produces comment and bio text. With an API key it asks Claude;
// without one, or when the API call fails, it falls back to templates so a
// task never dies on content generation.
type Generator struct {
	config common.ClaudeConfig
	client *anthropic.Client
	logger arbor.ILogger
	rng    *rand.Rand
}

func NewGenerator(config common.ClaudeConfig, logger arbor.ILogger) *Generator {
	g := &Generator{
		config: config,
		logger: logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if config.APIKey != "" {
		client := anthropic.NewClient(option.WithAPIKey(config.APIKey))
		g.client = &client
	}
	return g
}

var commentTemplates = []string{
	"Really helpful breakdown of %s. I ran into the same thing last month and this would have saved me hours.",
	"Great points about %s here. The section on practical trade-offs especially matches what we've seen in production.",
	"Thanks for writing this up. We've been evaluating %s options recently and this gives a useful perspective.",
	"Solid article. One thing I'd add about %s is that the tooling has improved a lot over the past year.",
	"Interesting take on %s. Bookmarking this for the comparison table alone.",
}

var bioTemplates = []string{
	"Writer and researcher focused on %s. Always happy to trade notes.",
	"Working in %s for the past few years. Sharing what I learn along the way.",
	"Enthusiast of all things %s. Occasional blogger, frequent reader.",
}

// Comment returns comment text that includes at least one keyword so
// post-submit verification has a stable substring to look for.
func (g *Generator) Comment(ctx context.Context, keywords []string, tone string) string {
	keyword := firstKeyword(keywords)

	if g.client != nil {
		prompt := fmt.Sprintf(
			"Write a short blog comment (2-3 sentences, %s tone) responding to an article about %s. "+
				"The comment must mention %q verbatim. Output only the comment text.",
			toneOrDefault(tone), keyword, keyword)
		if text, err := g.complete(ctx, prompt); err == nil && strings.Contains(strings.ToLower(text), strings.ToLower(keyword)) {
			return text
		} else if err != nil {
			g.logger.Warn().Err(err).Msg("LLM comment generation failed, using template")
		}
	}

	return fmt.Sprintf(commentTemplates[g.rng.Intn(len(commentTemplates))], keyword)
}

// Bio returns profile bio text for registration forms
func (g *Generator) Bio(ctx context.Context, keywords []string) string {
	keyword := firstKeyword(keywords)

	if g.client != nil {
		prompt := fmt.Sprintf(
			"Write a one-sentence casual profile bio for someone interested in %s. Output only the bio.",
			keyword)
		if text, err := g.complete(ctx, prompt); err == nil && text != "" {
			return text
		}
	}

	return fmt.Sprintf(bioTemplates[g.rng.Intn(len(bioTemplates))], keyword)
}

func (g *Generator) complete(ctx context.Context, prompt string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(g.config.Model),
		MaxTokens: int64(g.config.MaxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if g.config.Temperature > 0 {
		params.Temperature = anthropic.Float(g.config.Temperature)
	}

	resp, err := g.client.Messages.New(callCtx, params)
	if err != nil {
		return "", fmt.Errorf("claude call failed: %w", err)
	}

	var out strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	return strings.TrimSpace(out.String()), nil
}

func firstKeyword(keywords []string) string {
	for _, k := range keywords {
		if strings.TrimSpace(k) != "" {
			return strings.TrimSpace(k)
		}
	}
	return "this topic"
}

func toneOrDefault(tone string) string {
	if tone == "" {
		return "friendly"
	}
	return tone
}
