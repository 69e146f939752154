package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

const (
	downloadTimeout = 30 * time.Second
	// maxImageSize caps downloads at 10MB
	maxImageSize = 10 * 1024 * 1024
)

// downloadClient is reused for photo downloads to avoid creating new
// clients per request.
var downloadClient = resty.New().SetDebug(false).SetTimeout(downloadTimeout)

// downloadTelegramPhoto fetches a photo's bytes via its Telegram file ID.
func downloadTelegramPhoto(
	ctx context.Context,
	getFileDirectURL func(fileID string) (string, error),
	fileID string,
) ([]byte, error) {
	url, err := getFileDirectURL(fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to get file URL: %w", err)
	}

	res, err := downloadClient.R().SetContext(ctx).Get(url)
	if err != nil {
		return nil, fmt.Errorf("failed to download photo: %w", err)
	}
	if res.IsError() {
		return nil, fmt.Errorf("photo download failed: status %d", res.StatusCode())
	}

	contentType := res.Header().Get("Content-Type")
	if contentType != "" && !strings.HasPrefix(contentType, "image/") {
		return nil, fmt.Errorf("invalid content type: expected image/*, got %s", contentType)
	}

	body := res.Body()
	if int64(len(body)) > maxImageSize {
		return nil, fmt.Errorf("photo too large: %d bytes exceeds limit of %d bytes", len(body), maxImageSize)
	}

	log.Debug().Str("fileID", fileID).Int("bytes", len(body)).Msg("downloaded telegram photo")
	return body, nil
}
