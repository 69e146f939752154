package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/raine/telegram-bag-bot/internal/identify"
	"github.com/rs/zerolog/log"
	"google.golang.org/genai"
)

const (
	geminiModel     = "gemini-3-flash-preview"
	geminiLiteModel = "gemini-2.5-flash-lite"
)

// Gemini pricing (per million tokens)
const (
	geminiInputPricePerMillion      = 0.50 // $0.50 per 1M input tokens (text/image/video)
	geminiOutputPricePerMillion     = 3.00 // $3.00 per 1M output tokens (including thinking)
	geminiLiteInputPricePerMillion  = 0.075
	geminiLiteOutputPricePerMillion = 0.30
)

const enrichmentPrompt = `Identify the product a user wants to add to their gear collection ("bag").

User input: %q
%s%s%s
Respond in JSON format with these fields:
- suggestions: up to 3 product guesses, best first, each with:
  - name: full product name including model (e.g. "TaylorMade Qi10 Max Driver")
  - brand: brand name (empty string if unknown)
  - category: short category label (e.g. "driver", "putter", "rangefinder")
  - description: one or two sentences describing the product
  - confidence: integer 0-100, how certain you are this is what the user means
  - image_urls: list of likely official product image URLs (empty list if none known)
  - specs: list of short specification strings (empty list if unknown)
  - alternatives: list of {name, brand, confidence, reason} for plausible other matches
- clarification_needed: true when the input is ambiguous enough that asking would
  materially improve the match
- questions: when clarification_needed, 1-3 questions, each with:
  - id: short stable identifier (e.g. "loft", "year")
  - prompt: the question text
  - options: 2-5 short answer options

If the input is a product page URL, extract the product from the URL slug.
If you cannot identify anything, return an empty suggestions list.

Respond ONLY with the JSON object, no markdown or other text.`

const postCommitEnrichmentPrompt = `Fill in missing product details for an item already added to a gear collection.

Item name: %q
Known brand: %q

Respond in JSON format with these fields:
- brand: the brand name (empty string if genuinely unknown)
- description: one or two sentences describing the product
- specs: list of short specification strings
- product_url: a likely official product page URL (empty string if none known)

Respond ONLY with the JSON object, no markdown or other text.`

// GeminiEnricher is the AI-text identification tier backed by Gemini.
type GeminiEnricher struct {
	client *genai.Client
}

// NewGeminiEnricher creates an enricher authenticated with the given API key.
func NewGeminiEnricher(ctx context.Context, apiKey string) (*GeminiEnricher, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &GeminiEnricher{client: client}, nil
}

// enrichmentResponse mirrors the JSON shape the prompt asks for.
type enrichmentResponse struct {
	Suggestions []struct {
		Name         string   `json:"name"`
		Brand        string   `json:"brand"`
		Category     string   `json:"category"`
		Description  string   `json:"description"`
		Confidence   int      `json:"confidence"`
		ImageURLs    []string `json:"image_urls"`
		Specs        []string `json:"specs"`
		Alternatives []struct {
			Name       string `json:"name"`
			Brand      string `json:"brand"`
			Confidence int    `json:"confidence"`
			Reason     string `json:"reason"`
		} `json:"alternatives"`
	} `json:"suggestions"`
	ClarificationNeeded bool `json:"clarification_needed"`
	Questions           []struct {
		ID      string   `json:"id"`
		Prompt  string   `json:"prompt"`
		Options []string `json:"options"`
	} `json:"questions"`
}

// Enrich implements identify.Enricher.
func (g *GeminiEnricher) Enrich(ctx context.Context, req identify.EnrichmentRequest) (*identify.EnrichmentResult, error) {
	var bagCtx, answersCtx, seedsCtx string
	if req.BagContext != "" {
		bagCtx = fmt.Sprintf("Collection context: %s\n", req.BagContext)
	}
	if len(req.Answers) > 0 {
		var lines []string
		for id, answer := range req.Answers {
			lines = append(lines, fmt.Sprintf("- %s: %s", id, answer))
		}
		answersCtx = fmt.Sprintf("The user already answered these clarification questions:\n%s\n", strings.Join(lines, "\n"))
	}
	if len(req.LibrarySeeds) > 0 {
		var lines []string
		for _, seed := range req.LibrarySeeds {
			lines = append(lines, fmt.Sprintf("- %s %s (%s)", seed.Brand, seed.Name, seed.Category))
		}
		seedsCtx = fmt.Sprintf("Known library near-matches, confirm or improve on these:\n%s\n", strings.Join(lines, "\n"))
	}

	prompt := fmt.Sprintf(enrichmentPrompt, req.UserInput, bagCtx, answersCtx, seedsCtx)

	result, err := g.client.Models.GenerateContent(ctx, geminiModel, []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{genai.NewPartFromText(prompt)}, genai.RoleUser),
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("enrichment call failed: %w", err)
	}
	if len(result.Candidates) == 0 || len(result.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("empty response from Gemini")
	}

	parsed, err := parseEnrichmentResponse(result.Text())
	if err != nil {
		return nil, err
	}

	logUsage(result, geminiModel, "enrichment llm call",
		geminiInputPricePerMillion, geminiOutputPricePerMillion)

	out := &identify.EnrichmentResult{}
	if len(req.LibrarySeeds) > 0 {
		out.Tier = identify.TierLibraryAI
	} else {
		out.Tier = identify.TierAI
	}
	for _, s := range parsed.Suggestions {
		candidate := identify.CandidateProduct{
			Name:            s.Name,
			Brand:           s.Brand,
			Category:        s.Category,
			Description:     s.Description,
			Confidence:      s.Confidence,
			ImageCandidates: s.ImageURLs,
			Specs:           s.Specs,
		}
		for _, alt := range s.Alternatives {
			candidate.Alternatives = append(candidate.Alternatives, identify.Alternative{
				Name:       alt.Name,
				Brand:      alt.Brand,
				Confidence: alt.Confidence,
				Reason:     alt.Reason,
			})
		}
		out.Suggestions = append(out.Suggestions, candidate)
	}
	if parsed.ClarificationNeeded {
		for _, q := range parsed.Questions {
			out.Questions = append(out.Questions, identify.ClarificationQuestion{
				ID:      q.ID,
				Prompt:  q.Prompt,
				Options: q.Options,
			})
		}
	}
	// A novel product the library missed is worth recording once accepted.
	if len(req.LibrarySeeds) == 0 && len(out.Suggestions) > 0 {
		out.Learning = &identify.LearningSignal{
			IsLearning: true,
			Message:    "Adding this to your product library",
		}
	}

	return out, nil
}

// ItemDetails is the post-commit enrichment result for one item.
type ItemDetails struct {
	Brand       string   `json:"brand"`
	Description string   `json:"description"`
	Specs       []string `json:"specs"`
	ProductURL  string   `json:"product_url"`
}

// FillItemDetails looks up brand/description/specs for an item that was
// committed without them. Uses the lite model; this runs in the background
// and is best effort.
func (g *GeminiEnricher) FillItemDetails(ctx context.Context, name, brand string) (*ItemDetails, error) {
	prompt := fmt.Sprintf(postCommitEnrichmentPrompt, name, brand)

	result, err := g.client.Models.GenerateContent(ctx, geminiLiteModel, []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{genai.NewPartFromText(prompt)}, genai.RoleUser),
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("detail fill call failed: %w", err)
	}
	if len(result.Candidates) == 0 || len(result.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("empty response from Gemini")
	}

	jsonStr, err := extractJSONObject(result.Text())
	if err != nil {
		return nil, err
	}
	var details ItemDetails
	if err := json.Unmarshal([]byte(jsonStr), &details); err != nil {
		return nil, fmt.Errorf("failed to parse detail json: %w (response: %s)", err, jsonStr)
	}

	logUsage(result, geminiLiteModel, "detail fill llm call",
		geminiLiteInputPricePerMillion, geminiLiteOutputPricePerMillion)

	return &details, nil
}

func parseEnrichmentResponse(text string) (*enrichmentResponse, error) {
	jsonStr, err := extractJSONObject(text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse enrichment response: %w", err)
	}
	var resp enrichmentResponse
	if err := json.Unmarshal([]byte(jsonStr), &resp); err != nil {
		return nil, fmt.Errorf("failed to parse enrichment response: %w (response: %s)", err, jsonStr)
	}
	return &resp, nil
}

// extractJSONObject extracts a JSON object from text that may contain
// markdown code blocks or other formatting.
func extractJSONObject(text string) (string, error) {
	text = strings.TrimSpace(text)
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end <= start {
		return "", fmt.Errorf("no JSON object found in response: %s", text)
	}
	return text[start : end+1], nil
}

func calculateGeminiCost(inputTokens, outputTokens int64, inputPrice, outputPrice float64) float64 {
	inputCost := float64(inputTokens) / 1_000_000 * inputPrice
	outputCost := float64(outputTokens) / 1_000_000 * outputPrice
	return inputCost + outputCost
}

func logUsage(result *genai.GenerateContentResponse, model, msg string, inputPrice, outputPrice float64) {
	if result.UsageMetadata == nil {
		return
	}
	inputTokens := int64(result.UsageMetadata.PromptTokenCount)
	outputTokens := int64(result.UsageMetadata.CandidatesTokenCount)
	log.Info().
		Str("model", model).
		Int64("inputTokens", inputTokens).
		Int64("outputTokens", outputTokens).
		Float64("costUSD", calculateGeminiCost(inputTokens, outputTokens, inputPrice, outputPrice)).
		Msg(msg)
}
