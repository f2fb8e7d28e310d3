package llm

import (
	"context"
	"fmt"
	"hash/fnv"

	"google.golang.org/genai"
)

// Embedder turns summary text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// GenAIEmbedder generates embeddings with Google's Gemini API.
type GenAIEmbedder struct {
	client *genai.Client
	model  string
}

// NewGenAIEmbedder creates an embedder backed by the genai client.
func NewGenAIEmbedder(ctx context.Context, apiKey, model string) (*GenAIEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("genai API key is required")
	}
	if model == "" {
		model = "gemini-embedding-001"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GenAIEmbedder{client: client, model: model}, nil
}

// Embed generates an embedding for a single text.
func (e *GenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	contents := []*genai.Content{
		genai.NewContentFromText(text, genai.RoleUser),
	}
	result, err := e.client.Models.EmbedContent(ctx,
		e.model,
		contents,
		&genai.EmbedContentConfig{TaskType: "SEMANTIC_SIMILARITY"},
	)
	if err != nil {
		return nil, fmt.Errorf("genai embed: %w", err)
	}
	if len(result.Embeddings) == 0 {
		return nil, fmt.Errorf("no embeddings returned")
	}
	return result.Embeddings[0].Values, nil
}

// Dimensions returns the embedding dimensionality.
// gemini-embedding-001 produces 768-dimensional vectors.
func (e *GenAIEmbedder) Dimensions() int {
	return 768
}

// HashEmbedder is the offline fallback: a cheap deterministic projection
// of the text, stable across runs. Not semantically meaningful, but it
// keeps the persistence path exercised without an API key.
type HashEmbedder struct {
	Dim int
}

func (e HashEmbedder) dimensions() int {
	if e.Dim <= 0 {
		return 16
	}
	return e.Dim
}

func (e HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	dim := e.dimensions()
	out := make([]float32, dim)
	h := fnv.New64a()
	for i := 0; i < dim; i++ {
		h.Reset()
		fmt.Fprintf(h, "%d:%s", i, text)
		// Map the hash into [-1, 1).
		out[i] = float32(int64(h.Sum64()))/float32(1<<63)
	}
	return out, nil
}

func (e HashEmbedder) Dimensions() int {
	return e.dimensions()
}

// NewEmbedder returns the genai embedder when an API key is present, the
// hash fallback otherwise.
func NewEmbedder(ctx context.Context, apiKey, model string) (Embedder, error) {
	if apiKey == "" {
		return HashEmbedder{}, nil
	}
	return NewGenAIEmbedder(ctx, apiKey, model)
}
