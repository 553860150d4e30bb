package cache

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/Flaque/filet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmeridian/waypoint/pkg/geocode"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func openTestCache(t *testing.T, ttl time.Duration) *Cache {
	t.Helper()
	dir := filet.TmpDir(t, "")
	c, err := Open(filepath.Join(dir, "cache.db"), ttl, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func testResponse(formatted string) *geocode.Response {
	return &geocode.Response{
		Results: []geocode.Result{{
			Formatted:  formatted,
			Geometry:   geocode.Geometry{Lat: 52.517, Lng: 13.3889},
			Confidence: 9,
		}},
		Status:       geocode.Status{Code: 200, Message: "OK"},
		TotalResults: 1,
	}
}

func TestCache_RoundTrip(t *testing.T) {
	defer filet.CleanUp(t)
	c := openTestCache(t, 0)
	ctx := context.Background()

	_, ok := c.Get(ctx, "forward:Berlin, Germany")
	assert.False(t, ok, "fresh cache must miss")

	want := testResponse("Berlin, Germany")
	require.NoError(t, c.Put(ctx, "forward:Berlin, Germany", want))

	got, ok := c.Get(ctx, "forward:Berlin, Germany")
	require.True(t, ok)
	assert.Equal(t, want, got)
}

func TestCache_ReplacesExistingEntry(t *testing.T) {
	defer filet.CleanUp(t)
	c := openTestCache(t, 0)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "forward:Paris", testResponse("Paris, France")))
	require.NoError(t, c.Put(ctx, "forward:Paris", testResponse("Paris, Île-de-France, France")))

	got, ok := c.Get(ctx, "forward:Paris")
	require.True(t, ok)
	assert.Equal(t, "Paris, Île-de-France, France", got.Results[0].Formatted)
}

func TestCache_KeyNormalization(t *testing.T) {
	defer filet.CleanUp(t)
	c := openTestCache(t, 0)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "  Forward:Berlin ", testResponse("Berlin, Germany")))

	_, ok := c.Get(ctx, "forward:berlin")
	assert.True(t, ok, "keys are matched case-insensitively after trimming")
}

func TestCache_TTLExpiry(t *testing.T) {
	defer filet.CleanUp(t)
	c := openTestCache(t, time.Nanosecond)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "forward:Rome", testResponse("Rome, Italy")))

	// cached_at has second granularity, so a nanosecond TTL expires the
	// entry by the next lookup.
	time.Sleep(10 * time.Millisecond)
	_, ok := c.Get(ctx, "forward:Rome")
	assert.False(t, ok, "expired entries must read as misses")
}

func TestCache_SurvivesReopen(t *testing.T) {
	defer filet.CleanUp(t)
	dir := filet.TmpDir(t, "")
	path := filepath.Join(dir, "cache.db")
	ctx := context.Background()

	first, err := Open(path, 0, testLogger())
	require.NoError(t, err)
	require.NoError(t, first.Put(ctx, "forward:Madrid", testResponse("Madrid, Spain")))
	require.NoError(t, first.Close())

	second, err := Open(path, 0, testLogger())
	require.NoError(t, err)
	defer second.Close()

	got, ok := second.Get(ctx, "forward:Madrid")
	require.True(t, ok)
	assert.Equal(t, "Madrid, Spain", got.Results[0].Formatted)
}
