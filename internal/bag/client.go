package bag

import (
	"bytes"
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

// Item is the server-side bag entry. The creation and update endpoints do
// not echo photo_url back; callers carry it forward client-side.
type Item struct {
	ID          string `json:"id"`
	BagCode     string `json:"bag_code"`
	Name        string `json:"name"`
	Brand       string `json:"brand"`
	Description string `json:"description"`
	Quantity    int    `json:"quantity"`
	Position    int    `json:"position"`
	PhotoURL    string `json:"photo_url,omitempty"`
	ProductURL  string `json:"product_url,omitempty"`
}

// CreateItemRequest is the creation payload.
type CreateItemRequest struct {
	Name        string `json:"name"`
	Brand       string `json:"brand,omitempty"`
	Description string `json:"description,omitempty"`
	Quantity    int    `json:"quantity"`
}

// MediaAsset is an uploaded photo.
type MediaAsset struct {
	MediaAssetID string `json:"mediaAssetId"`
	URL          string `json:"url"`
}

type ClientOpts struct {
	BaseURL string
	Token   string
}

// Client talks to the bag backend.
type Client struct {
	httpClient *resty.Client
	baseURL    string
	token      string
}

func NewClient(opts ClientOpts) *Client {
	c := Client{baseURL: opts.BaseURL, token: opts.Token}
	c.httpClient = resty.New().
		SetDebug(false).
		SetBaseURL(c.baseURL).
		SetHeader("Accept", "application/json")
	return &c
}

func (c *Client) req(ctx context.Context, result any) *resty.Request {
	request := c.httpClient.
		NewRequest().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+c.token)

	if result != nil {
		request.SetResult(result)
	}
	return request
}

// CreateItem creates a base item in a bag. The response never includes a
// photo URL even when one is attached later in the same flow.
func (c *Client) CreateItem(ctx context.Context, bagCode string, req CreateItemRequest) (*Item, error) {
	if req.Name == "" {
		return nil, &ValidationError{Field: "name", Reason: "required"}
	}
	if req.Quantity <= 0 {
		req.Quantity = 1
	}

	result := &Item{}
	res, err := c.req(ctx, result).
		SetPathParam("bagCode", bagCode).
		SetBody(req).
		Post("/api/bags/{bagCode}/items")
	if err := handleError("create item", res, err); err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateItem applies a partial update. Only the fields present in patch
// are touched; the response covers the fields the server stores directly
// and deliberately omits photo_url.
func (c *Client) UpdateItem(ctx context.Context, itemID string, patch map[string]any) (*Item, error) {
	result := &Item{}
	res, err := c.req(ctx, result).
		SetPathParam("itemId", itemID).
		SetBody(patch).
		Patch("/api/items/{itemId}")
	if err := handleError("update item", res, err); err != nil {
		return nil, err
	}
	return result, nil
}

// DeleteItem removes an item.
func (c *Client) DeleteItem(ctx context.Context, itemID string) error {
	res, err := c.req(ctx, nil).
		SetPathParam("itemId", itemID).
		Delete("/api/items/{itemId}")
	return handleError("delete item", res, err)
}

// UploadMedia uploads photo bytes for an item via multipart form.
// existingAssetID, when set, replaces a previous upload in place.
func (c *Client) UploadMedia(ctx context.Context, itemID, filename string, data []byte, existingAssetID string) (*MediaAsset, error) {
	result := &MediaAsset{}
	req := c.req(ctx, result).
		SetFileReader("file", filename, bytes.NewReader(data)).
		SetFormData(map[string]string{"itemId": itemID})
	if existingAssetID != "" {
		req.SetFormData(map[string]string{"existingMediaAssetId": existingAssetID})
	}

	res, err := req.Post("/api/media")
	if err := handleError("upload media", res, err); err != nil {
		return nil, err
	}
	return result, nil
}

// UploadMediaFromURL has the backend fetch an external image for an item.
func (c *Client) UploadMediaFromURL(ctx context.Context, itemID, imageURL, filename string) (*MediaAsset, error) {
	result := &MediaAsset{}
	res, err := c.req(ctx, result).
		SetBody(map[string]string{
			"imageUrl": imageURL,
			"itemId":   itemID,
			"filename": filename,
		}).
		Post("/api/media/from-url")
	if err := handleError("upload media from url", res, err); err != nil {
		return nil, err
	}
	return result, nil
}

// PhotoSelection pairs an existing item with an image URL to apply.
type PhotoSelection struct {
	ItemID   string
	ImageURL string
}

// PhotoApplyResult is the per-entry outcome of ApplyPhotos.
type PhotoApplyResult struct {
	ItemID   string
	PhotoURL string
	Err      error
}

// ApplyPhotos applies image URLs to items, each entry independently. One
// entry's failure never aborts the rest; callers receive a result per
// selection in input order.
func (c *Client) ApplyPhotos(ctx context.Context, selections []PhotoSelection) []PhotoApplyResult {
	results := make([]PhotoApplyResult, len(selections))
	for i, sel := range selections {
		results[i].ItemID = sel.ItemID
		asset, err := c.UploadMediaFromURL(ctx, sel.ItemID, sel.ImageURL, fmt.Sprintf("photo-%s.jpg", sel.ItemID))
		if err != nil {
			results[i].Err = err
			log.Warn().Err(err).Str("itemId", sel.ItemID).Msg("photo application failed")
			continue
		}
		results[i].PhotoURL = asset.URL
	}
	return results
}

// handleError is a generic error handler for failing responses (>399
// status code). Without this, failing responses would have nil error.
func handleError(op string, res *resty.Response, err error) error {
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	if res.IsError() {
		return &TransportError{
			Op:         op,
			StatusCode: res.StatusCode(),
			Err:        fmt.Errorf("%s %s", res.Request.Method, res.Request.URL),
		}
	}
	return nil
}
