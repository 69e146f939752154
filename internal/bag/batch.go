package bag

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/raine/telegram-bag-bot/internal/identify"
	"github.com/raine/telegram-bag-bot/internal/llm"
	"github.com/rs/zerolog/log"
)

// Candidate is one approved product selected for commit.
type Candidate struct {
	Product  identify.CandidateProduct
	Quantity int
	// SourcePhoto is a user-supplied photo explicitly tied to this
	// candidate, e.g. its crop from a multi-item photo.
	SourcePhoto []byte
}

// SourceContext carries batch-level photo context.
type SourceContext struct {
	BagCode string
	// CapturedPhoto is the original photo; it is used as the item photo
	// only when exactly one candidate is being committed.
	CapturedPhoto []byte
}

// Outcome is the per-candidate result of a commit. Whether the base item
// creation succeeded is the only thing that decides Succeeded; photo
// failures degrade to PhotoAttached=false.
type Outcome struct {
	Succeeded     bool
	Item          *Item
	PhotoAttached bool
	PhotoURL      string
	Err           error
}

// Report aggregates a batch for user-facing reporting.
type Report struct {
	SucceededCount int
	FailedCount    int
}

// Err returns nil for a fully successful batch and a PartialBatchFailure
// otherwise. A zero-success batch is blocking.
func (r Report) Err(outcomes []Outcome) error {
	if r.FailedCount == 0 {
		return nil
	}
	failure := &PartialBatchFailure{Succeeded: r.SucceededCount, Failed: r.FailedCount}
	for _, o := range outcomes {
		if o.Err != nil {
			failure.Causes = append(failure.Causes, o.Err)
		}
	}
	return failure
}

// ItemService is the backend surface the creator needs.
type ItemService interface {
	CreateItem(ctx context.Context, bagCode string, req CreateItemRequest) (*Item, error)
	UpdateItem(ctx context.Context, itemID string, patch map[string]any) (*Item, error)
	UploadMedia(ctx context.Context, itemID, filename string, data []byte, existingAssetID string) (*MediaAsset, error)
	UploadMediaFromURL(ctx context.Context, itemID, imageURL, filename string) (*MediaAsset, error)
}

// DetailFiller fills missing brand/description in the background after a
// commit. Matched by llm.GeminiEnricher.
type DetailFiller interface {
	FillItemDetails(ctx context.Context, name, brand string) (*llm.ItemDetails, error)
}

const detailFillTimeout = 2 * time.Minute

// Creator commits approved candidates as bag items with independent fate:
// all candidates run concurrently, the creator waits for every one to
// settle, and one candidate's failure never cancels or blocks another's.
type Creator struct {
	service ItemService
	filler  DetailFiller // nil disables background enrichment
}

func NewCreator(service ItemService, filler DetailFiller) *Creator {
	return &Creator{service: service, filler: filler}
}

// Commit creates one item per candidate. Outcomes preserve submission
// order. After the batch settles, candidates committed without brand or
// description get a background detail fill whose failures are only
// logged.
func (c *Creator) Commit(ctx context.Context, candidates []Candidate, src SourceContext) ([]Outcome, Report) {
	outcomes := make([]Outcome, len(candidates))

	var wg sync.WaitGroup
	for i, candidate := range candidates {
		wg.Add(1)
		go func(i int, candidate Candidate) {
			defer wg.Done()
			outcomes[i] = c.commitOne(ctx, candidate, src, len(candidates) == 1)
		}(i, candidate)
	}
	wg.Wait()

	var report Report
	for _, o := range outcomes {
		if o.Succeeded {
			report.SucceededCount++
		} else {
			report.FailedCount++
		}
	}

	log.Info().
		Int("candidates", len(candidates)).
		Int("succeeded", report.SucceededCount).
		Int("failed", report.FailedCount).
		Msg("batch commit settled")

	c.fillMissingDetails(outcomes)

	return outcomes, report
}

func (c *Creator) commitOne(ctx context.Context, candidate Candidate, src SourceContext, single bool) Outcome {
	name := candidate.Product.Name
	if name == "" {
		return Outcome{Err: &ValidationError{Field: "name", Reason: "required"}}
	}

	item, err := c.service.CreateItem(ctx, src.BagCode, CreateItemRequest{
		Name:        name,
		Brand:       candidate.Product.Brand,
		Description: candidate.Product.Description,
		Quantity:    candidate.Quantity,
	})
	if err != nil {
		log.Error().Err(err).Str("name", name).Msg("item creation failed")
		return Outcome{Err: err}
	}

	outcome := Outcome{Succeeded: true, Item: item}

	// Photo sourcing is strictly best effort; every step degrades to "no
	// photo" instead of failing the candidate.
	photoURL, perr := c.resolvePhoto(ctx, item.ID, candidate, src, single)
	if perr != nil {
		log.Warn().Err(perr).Str("itemId", item.ID).Msg("continuing without photo")
	} else if photoURL != "" {
		outcome.PhotoAttached = true
		outcome.PhotoURL = photoURL
		item.PhotoURL = photoURL
	}

	return outcome
}

// resolvePhoto walks the photo priority chain: a photo tied to the
// candidate, then the captured photo for single-candidate commits, then
// external image URLs in order.
func (c *Creator) resolvePhoto(ctx context.Context, itemID string, candidate Candidate, src SourceContext, single bool) (string, error) {
	if len(candidate.SourcePhoto) > 0 {
		asset, err := c.service.UploadMedia(ctx, itemID, fmt.Sprintf("item-%s.jpg", itemID), candidate.SourcePhoto, "")
		if err == nil {
			return asset.URL, nil
		}
		return "", &PhotoResolutionError{Source: "user_photo", Err: err}
	}

	if single && len(src.CapturedPhoto) > 0 {
		asset, err := c.service.UploadMedia(ctx, itemID, fmt.Sprintf("item-%s.jpg", itemID), src.CapturedPhoto, "")
		if err == nil {
			return asset.URL, nil
		}
		return "", &PhotoResolutionError{Source: "captured_photo", Err: err}
	}

	var lastErr error
	for _, imageURL := range candidate.Product.ImageCandidates {
		asset, err := c.service.UploadMediaFromURL(ctx, itemID, imageURL, fmt.Sprintf("item-%s.jpg", itemID))
		if err == nil {
			return asset.URL, nil
		}
		lastErr = err
	}
	if lastErr != nil {
		return "", &PhotoResolutionError{Source: "image_url", Err: lastErr}
	}
	return "", nil
}

// fillMissingDetails launches background enrichment for committed items
// lacking brand or description. Never surfaced to the user, never retried
// synchronously.
func (c *Creator) fillMissingDetails(outcomes []Outcome) {
	if c.filler == nil {
		return
	}
	for _, o := range outcomes {
		if !o.Succeeded || (o.Item.Brand != "" && o.Item.Description != "") {
			continue
		}
		item := o.Item
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), detailFillTimeout)
			defer cancel()

			details, err := c.filler.FillItemDetails(ctx, item.Name, item.Brand)
			if err != nil {
				log.Warn().Err(err).Str("itemId", item.ID).Msg("background detail fill failed")
				return
			}

			patch := map[string]any{}
			if item.Brand == "" && details.Brand != "" {
				patch["brand"] = details.Brand
			}
			if item.Description == "" && details.Description != "" {
				patch["description"] = details.Description
			}
			if details.ProductURL != "" {
				patch["product_url"] = details.ProductURL
			}
			if len(patch) == 0 {
				return
			}
			if _, err := c.service.UpdateItem(ctx, item.ID, patch); err != nil {
				log.Warn().Err(err).Str("itemId", item.ID).Msg("background detail update failed")
			}
		}()
	}
}
