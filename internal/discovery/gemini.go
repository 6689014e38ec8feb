package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "embed"

	"google.golang.org/genai"

	"github.com/admitwise/admitwise/internal/model"
)

//go:embed prompt.md
var discoverPrompt string

//go:embed verify_prompt.md
var verifyPrompt string

const defaultDiscoverLimit = 10

// GeminiDiscoverer implements Discoverer using the Gemini API with Google
// Search grounding enabled, so responses carry web citations.
type GeminiDiscoverer struct {
	client  *genai.Client
	model   string
	timeout time.Duration // per-attempt deadline
	logger  *slog.Logger
}

// NewGeminiDiscoverer creates a Discoverer backed by the Gemini API.
func NewGeminiDiscoverer(ctx context.Context, apiKey, modelName string, timeout time.Duration, logger *slog.Logger) (*GeminiDiscoverer, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, fmt.Errorf("discovery: gemini api key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("discovery: create genai client: %w", err)
	}

	return &GeminiDiscoverer{
		client:  client,
		model:   modelName,
		timeout: timeout,
		logger:  logger,
	}, nil
}

// Discover finds candidate institutions for a query and profile.
func (g *GeminiDiscoverer) Discover(ctx context.Context, req Request) (Result, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = defaultDiscoverLimit
	}

	profileJSON, err := json.MarshalIndent(req.Profile, "", "  ")
	if err != nil {
		return Result{}, fmt.Errorf("discovery: marshal profile: %w", err)
	}

	exclude := "none"
	if len(req.ExcludeNames) > 0 {
		exclude = strings.Join(req.ExcludeNames, "; ")
	}

	prompt := strings.ReplaceAll(discoverPrompt, "{{QUERY}}", strings.TrimSpace(req.Query))
	prompt = strings.ReplaceAll(prompt, "{{PROFILE_JSON}}", string(profileJSON))
	prompt = strings.ReplaceAll(prompt, "{{EXCLUDE_LIST}}", exclude)
	prompt = strings.ReplaceAll(prompt, "{{LIMIT}}", fmt.Sprintf("%d", limit))

	return g.generate(ctx, prompt)
}

// Verify fetches current data for one known (name, major) pair.
func (g *GeminiDiscoverer) Verify(ctx context.Context, key model.InstitutionKey) (Result, error) {
	prompt := strings.ReplaceAll(verifyPrompt, "{{NAME}}", key.Name)
	prompt = strings.ReplaceAll(prompt, "{{MAJOR}}", key.Major)

	res, err := g.generate(ctx, prompt)
	if err != nil {
		return Result{}, err
	}

	// The verify prompt requests exactly one element; pin the major so the
	// write-back lands on the requested cache key even if the model strays.
	for i := range res.Institutions {
		res.Institutions[i].Major = key.Major
	}
	return res, nil
}

func (g *GeminiDiscoverer) generate(ctx context.Context, prompt string) (Result, error) {
	callCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	cfg := &genai.GenerateContentConfig{
		Tools: []*genai.Tool{
			{GoogleSearch: &genai.GoogleSearch{}},
		},
	}

	start := time.Now()
	resp, err := g.client.Models.GenerateContent(callCtx, g.model, genai.Text(prompt), cfg)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	text, citations := collectResponse(resp)
	g.logger.Debug("discovery: gemini response",
		"model", g.model,
		"elapsed", time.Since(start),
		"response_length", len(text),
		"citations", len(citations),
	)

	institutions, err := parseInstitutions(text)
	if err != nil {
		return Result{}, err
	}

	return Result{Institutions: institutions, Citations: citations}, nil
}

// collectResponse concatenates the candidate's text parts and gathers web
// citations from the grounding metadata.
func collectResponse(resp *genai.GenerateContentResponse) (string, []model.Citation) {
	var builder strings.Builder
	var citations []model.Citation
	seen := make(map[string]bool)

	for _, candidate := range resp.Candidates {
		if candidate == nil {
			continue
		}
		if candidate.Content != nil {
			for _, part := range candidate.Content.Parts {
				if part == nil || part.Text == "" {
					continue
				}
				if builder.Len() > 0 {
					builder.WriteString("\n")
				}
				builder.WriteString(part.Text)
			}
		}
		if candidate.GroundingMetadata == nil {
			continue
		}
		for _, chunk := range candidate.GroundingMetadata.GroundingChunks {
			if chunk == nil || chunk.Web == nil || chunk.Web.URI == "" {
				continue
			}
			if seen[chunk.Web.URI] {
				continue
			}
			seen[chunk.Web.URI] = true
			citations = append(citations, model.Citation{
				Title: chunk.Web.Title,
				URL:   chunk.Web.URI,
			})
		}
	}

	return strings.TrimSpace(builder.String()), citations
}

// parseInstitutions extracts the JSON array from the model's text output.
// Entries without a name are dropped rather than failing the whole batch.
func parseInstitutions(raw string) ([]model.RawInstitution, error) {
	cleaned := extractJSON(raw)
	if cleaned == "" {
		return nil, ErrEmpty
	}

	var parsed []model.RawInstitution
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		return nil, fmt.Errorf("discovery: parse response: %w", err)
	}

	institutions := parsed[:0]
	for _, inst := range parsed {
		if strings.TrimSpace(inst.Name) == "" {
			continue
		}
		institutions = append(institutions, inst)
	}
	if len(institutions) == 0 {
		return nil, ErrEmpty
	}
	return institutions, nil
}

// extractJSON strips markdown code fences the model sometimes wraps its
// JSON output in.
func extractJSON(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "```") {
		raw = strings.TrimPrefix(raw, "```json")
		raw = strings.TrimPrefix(raw, "```")
		raw = strings.TrimSpace(raw)
		if idx := strings.LastIndex(raw, "```"); idx != -1 {
			raw = raw[:idx]
		}
	}
	raw = strings.Trim(raw, "`")
	return strings.TrimSpace(raw)
}
