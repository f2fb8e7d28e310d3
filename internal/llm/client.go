// Package llm wraps the language-model collaborators of the interview
// pipeline: question generation, coverage evaluation, leaf summarization
// and knowledge extraction. Backed by Genkit; when no API key is
// configured every call falls back to a deterministic stub so the rest
// of the pipeline stays testable offline.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"

	"github.com/orchard/lifemap/internal/config"
)

// VerdictStatus is the evaluator's three-way call on the active leaf.
type VerdictStatus string

const (
	// VerdictComplete closes the leaf as covered.
	VerdictComplete VerdictStatus = "complete"
	// VerdictPartial keeps the leaf active and asks a follow-up.
	VerdictPartial VerdictStatus = "partial"
	// VerdictSkipped closes the leaf as skipped: the user declined or
	// does not know the answer.
	VerdictSkipped VerdictStatus = "skipped"
)

// Verdict is the evaluator's decision on the active leaf given the
// user's answers so far.
type Verdict struct {
	Status           VerdictStatus `json:"status"`
	Confidence       float64       `json:"confidence"`
	Reason           string        `json:"reason,omitempty"`
	FollowUpQuestion string        `json:"follow_up_question,omitempty"`
}

// Fact is one piece of knowledge distilled from a completed area.
type Fact struct {
	Kind       string  `json:"kind"`
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence"`
}

// Client is the Genkit-backed LLM front for the pipeline.
type Client struct {
	g     *genkit.Genkit
	cfg   config.LLMConfig
	llmOn bool

	verdictValidator   *StructuredValidator
	knowledgeValidator *StructuredValidator
}

// New initializes Genkit with the configured provider. A missing API key
// is not an error: the client runs in deterministic fallback mode.
func New(ctx context.Context, cfg config.LLMConfig) (*Client, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	modelID := strings.TrimSpace(cfg.Model)
	if modelID == "" {
		modelID = "gemini-2.5-flash"
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}

	var g *genkit.Genkit
	llmOn := false
	switch provider {
	case "google":
		if apiKey != "" {
			_ = os.Setenv("GEMINI_API_KEY", apiKey)
			g = genkit.Init(ctx,
				genkit.WithPlugins(&googlegenai.GoogleAI{}),
				genkit.WithDefaultModel("googleai/"+modelID),
			)
			llmOn = true
			slog.Info("llm client initialized", "provider", "google", "model", "googleai/"+modelID)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("Google API key missing; using deterministic fallback")
		}
	default:
		g = genkit.Init(ctx)
		slog.Warn("unknown LLM provider, using deterministic fallback", "provider", provider)
	}

	verdictValidator, err := NewStructuredValidator(verdictSchema, 2, true)
	if err != nil {
		return nil, fmt.Errorf("compile verdict schema: %w", err)
	}
	knowledgeValidator, err := NewStructuredValidator(knowledgeSchema, 2, true)
	if err != nil {
		return nil, fmt.Errorf("compile knowledge schema: %w", err)
	}

	return &Client{
		g:                  g,
		cfg:                cfg,
		llmOn:              llmOn,
		verdictValidator:   verdictValidator,
		knowledgeValidator: knowledgeValidator,
	}, nil
}

// Live reports whether a real model backs this client.
func (c *Client) Live() bool {
	return c.llmOn
}

func (c *Client) generate(ctx context.Context, system, prompt string) (string, error) {
	// Escape % characters to prevent fmt.Sprintf corruption in ai.WithSystem().
	system = strings.ReplaceAll(system, "%", "%%")
	resp, err := genkit.Generate(ctx, c.g,
		ai.WithSystem(system),
		ai.WithPrompt(prompt),
	)
	if err != nil {
		return "", fmt.Errorf("genkit generate: %w", err)
	}
	return resp.Text(), nil
}

// NextQuestion produces the opening question for a leaf, given its title
// path within the life-area tree.
func (c *Client) NextQuestion(ctx context.Context, leafPath string) (string, error) {
	if !c.llmOn {
		return fmt.Sprintf("Tell me about this part of your life: %s.", leafPath), nil
	}
	system := "You are a warm, curious life interviewer. Ask exactly one open question, no preamble."
	prompt := fmt.Sprintf("The next topic in the interview is %q. Ask the user one open question about it.", leafPath)
	out, err := c.generate(ctx, system, prompt)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Evaluate judges the gathered turns for the active leaf: complete enough
// to summarize, partial and in need of a follow-up, or skipped because the
// user declined the topic. The model must answer in JSON matching the
// verdict schema; output that fails validation surfaces as an error so the
// caller can treat the turn as unevaluated rather than guessing.
func (c *Client) Evaluate(ctx context.Context, leafPath, question string, turns []string) (Verdict, error) {
	if !c.llmOn {
		return offlineVerdict(leafPath, turns), nil
	}

	system := "You judge interview coverage. Respond with only a JSON object matching: " + string(verdictSchema)
	prompt := fmt.Sprintf(
		"Topic: %s\nQuestion asked: %s\nConversation so far:\n%s\n\n"+
			"Decide the status: \"complete\" when the topic is sufficiently covered to summarize, "+
			"\"skipped\" when the user said they don't know or won't answer, "+
			"\"partial\" otherwise (then provide a follow_up_question). Give a short reason.",
		leafPath, question, strings.Join(turns, "\n"))
	out, err := c.generate(ctx, system, prompt)
	if err != nil {
		return Verdict{}, err
	}

	result, err := c.verdictValidator.ValidateResponse(out)
	if err != nil {
		return Verdict{}, fmt.Errorf("verdict validation: %w", err)
	}
	var v Verdict
	if err := decodeJSON(result.JSON, &v); err != nil {
		return Verdict{}, fmt.Errorf("decode verdict: %w", err)
	}
	return v, nil
}

// offlineVerdict is the deterministic stand-in used without an API key:
// an explicit refusal skips the leaf, two answers complete it, anything
// shorter gets a follow-up.
func offlineVerdict(leafPath string, turns []string) Verdict {
	var last string
	if len(turns) > 0 {
		last = strings.ToLower(turns[len(turns)-1])
	}
	for _, phrase := range []string{"don't know", "dont know", "no idea", "rather not", "can't answer", "cant answer"} {
		if strings.Contains(last, phrase) {
			return Verdict{Status: VerdictSkipped, Confidence: 0.5, Reason: "user declined the topic"}
		}
	}
	if len(turns) >= 2 {
		return Verdict{Status: VerdictComplete, Confidence: 0.5}
	}
	return Verdict{
		Status:           VerdictPartial,
		Confidence:       0.5,
		FollowUpQuestion: fmt.Sprintf("Could you say a bit more about %s?", leafPath),
	}
}

// Summarize condenses the turns gathered for one leaf into a short
// factual summary.
func (c *Client) Summarize(ctx context.Context, leafPath string, turns []string) (string, error) {
	if len(turns) == 0 {
		return "", fmt.Errorf("no turns to summarize for %s", leafPath)
	}
	if !c.llmOn {
		return fmt.Sprintf("%s: %s", leafPath, strings.Join(turns, " | ")), nil
	}
	system := "You summarize interview transcripts. Produce 2-4 sentences of concrete facts in the third person. No commentary."
	prompt := fmt.Sprintf("Topic: %s\nTranscript:\n%s", leafPath, strings.Join(turns, "\n"))
	out, err := c.generate(ctx, system, prompt)
	if err != nil {
		return "", err
	}
	summary := strings.TrimSpace(out)
	if summary == "" {
		return "", fmt.Errorf("empty summary for %s", leafPath)
	}
	return summary, nil
}

// ExtractKnowledge distills the per-leaf summaries of a finished area into
// discrete knowledge facts. Output is schema-validated JSON.
func (c *Client) ExtractKnowledge(ctx context.Context, areaTitle string, leafSummaries []string) ([]Fact, error) {
	if !c.llmOn {
		facts := make([]Fact, 0, len(leafSummaries))
		for _, s := range leafSummaries {
			facts = append(facts, Fact{Kind: "fact", Content: s, Confidence: 0.5})
		}
		return facts, nil
	}

	system := "You extract structured knowledge about a person. Respond with only a JSON object matching: " + string(knowledgeSchema)
	prompt := fmt.Sprintf(
		"Life area: %s\nLeaf summaries:\n%s\n\nExtract discrete facts, goals and preferences with confidence scores.",
		areaTitle, strings.Join(leafSummaries, "\n"))
	out, err := c.generate(ctx, system, prompt)
	if err != nil {
		return nil, err
	}

	result, err := c.knowledgeValidator.ValidateResponse(out)
	if err != nil {
		return nil, fmt.Errorf("knowledge validation: %w", err)
	}
	var wrapper struct {
		Items []Fact `json:"items"`
	}
	if err := decodeJSON(result.JSON, &wrapper); err != nil {
		return nil, fmt.Errorf("decode knowledge: %w", err)
	}
	return wrapper.Items, nil
}

// SummarizeArea rolls the per-leaf summaries of a finished root up into
// one area-level summary.
func (c *Client) SummarizeArea(ctx context.Context, areaTitle string, leafSummaries []string) (string, error) {
	if len(leafSummaries) == 0 {
		return "", fmt.Errorf("no leaf summaries for %s", areaTitle)
	}
	if !c.llmOn {
		return fmt.Sprintf("%s overview: %s", areaTitle, strings.Join(leafSummaries, " ")), nil
	}
	system := "You write one cohesive paragraph summarizing a life area from its sub-topic summaries. Third person, factual."
	prompt := fmt.Sprintf("Life area: %s\nSub-topic summaries:\n%s", areaTitle, strings.Join(leafSummaries, "\n"))
	out, err := c.generate(ctx, system, prompt)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}
