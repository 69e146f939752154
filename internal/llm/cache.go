package llm

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"

	"github.com/raine/telegram-bag-bot/internal/identify"
	"github.com/rs/zerolog/log"
)

// VisionCache persists vision identification results keyed by image hash.
type VisionCache interface {
	GetVisionResult(hash string) (*identify.PhotoIdentification, error)
	SetVisionResult(hash string, result *identify.PhotoIdentification) error
}

// CachedIdentifier wraps a PhotoIdentifier with a persistent cache so a
// re-sent photo skips the expensive vision tier. Cache failures are
// logged and fall through to the wrapped identifier.
type CachedIdentifier struct {
	inner identify.PhotoIdentifier
	cache VisionCache
}

func NewCachedIdentifier(inner identify.PhotoIdentifier, cache VisionCache) *CachedIdentifier {
	return &CachedIdentifier{inner: inner, cache: cache}
}

func (c *CachedIdentifier) Identify(ctx context.Context, image []byte, bagType string) (*identify.PhotoIdentification, error) {
	hash := hashImage(image, bagType)

	if cached, err := c.cache.GetVisionResult(hash); err != nil {
		log.Warn().Err(err).Str("hash", hash).Msg("vision cache read failed")
	} else if cached != nil {
		log.Info().Str("hash", hash).Msg("vision cache hit")
		return cached, nil
	}

	result, err := c.inner.Identify(ctx, image, bagType)
	if err != nil {
		return nil, err
	}

	if err := c.cache.SetVisionResult(hash, result); err != nil {
		log.Warn().Err(err).Str("hash", hash).Msg("vision cache write failed")
	}
	return result, nil
}

// hashImage derives the cache key. The bag type participates because it
// biases identification; length prefixes keep distinct inputs from
// colliding on concatenation.
func hashImage(image []byte, bagType string) string {
	h := sha256.New()
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(image)))
	h.Write(lenBuf[:])
	h.Write(image)
	h.Write([]byte(bagType))
	return hex.EncodeToString(h.Sum(nil))
}
