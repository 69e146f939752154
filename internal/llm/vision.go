package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/raine/telegram-bag-bot/internal/identify"
	"github.com/rs/zerolog/log"
	"google.golang.org/genai"
)

const visionPrompt = `Look at this photo of gear laid out for a collection inventory%s.

Work in three passes:
1. Scan: detect every distinct product visible in the photo.
2. Identify: for each detected product, determine its name and brand.
3. Validate: for each identification, judge whether the visible details
   (logos, shape, text) actually support it.

Respond in JSON format with these fields:
- products: one entry per detected product, each with:
  - name: full product name including model if readable
  - brand: brand name (empty string if unknown)
  - category: short category label
  - description: one sentence describing what is visible
  - confidence: integer 0-100
  - verdict: "verified" when visible details confirm the identification,
    "mismatch" when they contradict it, "unverified" when inconclusive
- total_detected: number of distinct products detected in pass 1
- total_identified: number that received a name in pass 2
- total_verified: number with verdict "verified" in pass 3
- partial: true when pass 3 could not be run on every product

Respond ONLY with the JSON object, no markdown or other text.`

// visionResponse mirrors the JSON shape the prompt asks for.
type visionResponse struct {
	Products []struct {
		Name        string `json:"name"`
		Brand       string `json:"brand"`
		Category    string `json:"category"`
		Description string `json:"description"`
		Confidence  int    `json:"confidence"`
		Verdict     string `json:"verdict"`
	} `json:"products"`
	TotalDetected   int  `json:"total_detected"`
	TotalIdentified int  `json:"total_identified"`
	TotalVerified   int  `json:"total_verified"`
	Partial         bool `json:"partial"`
}

// GeminiVision is the vision identification tier.
type GeminiVision struct {
	client *genai.Client
}

func NewGeminiVision(ctx context.Context, apiKey string) (*GeminiVision, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &GeminiVision{client: client}, nil
}

// Identify implements identify.PhotoIdentifier with a single vision call
// covering all three pipeline passes.
func (g *GeminiVision) Identify(ctx context.Context, image []byte, bagType string) (*identify.PhotoIdentification, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("no image provided")
	}

	var typeHint string
	if bagType != "" {
		typeHint = fmt.Sprintf(" (likely %s equipment)", bagType)
	}

	parts := []*genai.Part{
		genai.NewPartFromText(fmt.Sprintf(visionPrompt, typeHint)),
		{InlineData: &genai.Blob{Data: image, MIMEType: "image/jpeg"}},
	}

	started := time.Now()
	result, err := g.client.Models.GenerateContent(ctx, geminiModel, []*genai.Content{
		genai.NewContentFromParts(parts, genai.RoleUser),
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("vision call failed: %w", err)
	}
	elapsed := time.Since(started)

	if len(result.Candidates) == 0 || len(result.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("empty response from Gemini")
	}

	jsonStr, err := extractJSONObject(result.Text())
	if err != nil {
		return nil, err
	}
	var resp visionResponse
	if err := json.Unmarshal([]byte(jsonStr), &resp); err != nil {
		return nil, fmt.Errorf("failed to parse vision json: %w (response: %s)", err, jsonStr)
	}

	logUsage(result, geminiModel, "vision llm call",
		geminiInputPricePerMillion, geminiOutputPricePerMillion)

	out := &identify.PhotoIdentification{
		Counts: identify.StageCounts{
			Detected:   resp.TotalDetected,
			Identified: resp.TotalIdentified,
			Verified:   resp.TotalVerified,
		},
		Partial:        resp.Partial,
		ProcessingTime: elapsed,
		StageTimings:   map[string]time.Duration{"total": elapsed},
	}

	total := 0
	for _, p := range resp.Products {
		verdict := identify.ValidationVerdict(p.Verdict)
		switch verdict {
		case identify.VerdictVerified, identify.VerdictMismatch:
		default:
			verdict = identify.VerdictUnverified
		}
		out.Products = append(out.Products, identify.CandidateProduct{
			Name:        p.Name,
			Brand:       p.Brand,
			Category:    p.Category,
			Description: p.Description,
			Confidence:  identify.ClampConfidence(p.Confidence),
			SourceTier:  identify.TierVision,
			Verdict:     verdict,
		})
		total += identify.ClampConfidence(p.Confidence)
	}
	if len(out.Products) > 0 {
		out.TotalConfidence = total / len(out.Products)
	}

	log.Debug().
		Int("products", len(out.Products)).
		Dur("elapsed", elapsed).
		Msg("vision identification parsed")

	return out, nil
}
