package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/raine/telegram-bag-bot/internal/identify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCache struct {
	entries  map[string]*identify.PhotoIdentification
	getErr   error
	setErr   error
	setCalls int
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string]*identify.PhotoIdentification)}
}

func (f *fakeCache) GetVisionResult(hash string) (*identify.PhotoIdentification, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.entries[hash], nil
}

func (f *fakeCache) SetVisionResult(hash string, result *identify.PhotoIdentification) error {
	f.setCalls++
	if f.setErr != nil {
		return f.setErr
	}
	f.entries[hash] = result
	return nil
}

type countingIdentifier struct {
	calls  int
	result *identify.PhotoIdentification
	err    error
}

func (c *countingIdentifier) Identify(ctx context.Context, image []byte, bagType string) (*identify.PhotoIdentification, error) {
	c.calls++
	return c.result, c.err
}

func TestCachedIdentifier_MissThenHit(t *testing.T) {
	cache := newFakeCache()
	inner := &countingIdentifier{result: &identify.PhotoIdentification{
		Counts: identify.StageCounts{Detected: 2},
	}}
	cached := NewCachedIdentifier(inner, cache)

	image := []byte("jpegdata")

	result, err := cached.Identify(context.Background(), image, "golf")
	require.NoError(t, err)
	assert.Equal(t, 2, result.Counts.Detected)
	assert.Equal(t, 1, inner.calls)

	// The same photo again is served from the cache.
	result, err = cached.Identify(context.Background(), image, "golf")
	require.NoError(t, err)
	assert.Equal(t, 2, result.Counts.Detected)
	assert.Equal(t, 1, inner.calls, "second identification must not reach the backend")
}

func TestCachedIdentifier_BagTypeChangesKey(t *testing.T) {
	cache := newFakeCache()
	inner := &countingIdentifier{result: &identify.PhotoIdentification{}}
	cached := NewCachedIdentifier(inner, cache)

	image := []byte("jpegdata")
	_, err := cached.Identify(context.Background(), image, "golf")
	require.NoError(t, err)
	_, err = cached.Identify(context.Background(), image, "camera")
	require.NoError(t, err)

	assert.Equal(t, 2, inner.calls, "a different bag type biases identification, so it gets its own entry")
}

func TestCachedIdentifier_CacheFailuresFallThrough(t *testing.T) {
	cache := newFakeCache()
	cache.getErr = errors.New("db locked")
	cache.setErr = errors.New("db locked")
	inner := &countingIdentifier{result: &identify.PhotoIdentification{}}
	cached := NewCachedIdentifier(inner, cache)

	_, err := cached.Identify(context.Background(), []byte("jpegdata"), "golf")
	require.NoError(t, err, "cache trouble must never fail an identification")
	assert.Equal(t, 1, inner.calls)
}

func TestCachedIdentifier_BackendErrorNotCached(t *testing.T) {
	cache := newFakeCache()
	inner := &countingIdentifier{err: errors.New("model overloaded")}
	cached := NewCachedIdentifier(inner, cache)

	_, err := cached.Identify(context.Background(), []byte("jpegdata"), "golf")
	assert.Error(t, err)
	assert.Zero(t, cache.setCalls)
}

func TestHashImage(t *testing.T) {
	h1 := hashImage([]byte("abc"), "golf")
	h2 := hashImage([]byte("abc"), "golf")
	assert.Equal(t, h1, h2)

	assert.NotEqual(t, h1, hashImage([]byte("abd"), "golf"))
	assert.NotEqual(t, h1, hashImage([]byte("abc"), "camera"))
	// The length prefix keeps image/type boundaries unambiguous.
	assert.NotEqual(t, hashImage([]byte("ab"), "cgolf"), hashImage([]byte("abc"), "golf"))
}
