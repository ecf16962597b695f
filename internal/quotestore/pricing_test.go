package quotestore_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/metaextract/core/internal/config"
	"github.com/metaextract/core/internal/quotestore"
)

func testPricingConfig() config.PricingConfig {
	return config.PricingConfig{
		BaseCredits:   1,
		EmbeddingCost: 2,
		OCRCost:       3,
		ForensicsCost: 5,
		MegapixelBucket: []config.MegapixelStep{
			{UpTo: 4, Credits: 0},
			{UpTo: 12, Credits: 1},
			{UpTo: 24, Credits: 2},
			{UpTo: 0, Credits: 4}, // uncapped top bucket
		},
	}
}

func TestPrice_SingleFileBaseBucket(t *testing.T) {
	cfg := testPricingConfig()
	total := quotestore.Price(cfg, []quotestore.FileSpec{{Megapixels: 2}}, quotestore.Options{})
	assert.Equal(t, int64(1), total) // base credits only, smallest bucket
}

func TestPrice_UncappedTopBucket(t *testing.T) {
	cfg := testPricingConfig()
	total := quotestore.Price(cfg, []quotestore.FileSpec{{Megapixels: 200}}, quotestore.Options{})
	assert.Equal(t, int64(5), total) // base 1 + top bucket 4
}

func TestPrice_WithOptionalModules(t *testing.T) {
	cfg := testPricingConfig()
	total := quotestore.Price(cfg, []quotestore.FileSpec{{Megapixels: 10}}, quotestore.Options{
		Embedding: true,
		OCR:       true,
	})
	assert.Equal(t, int64(1+1+2+3), total)
}

func TestPrice_MultipleFilesSum(t *testing.T) {
	cfg := testPricingConfig()
	total := quotestore.Price(cfg, []quotestore.FileSpec{
		{Megapixels: 2},
		{Megapixels: 10},
		{Megapixels: 200},
	}, quotestore.Options{})
	assert.Equal(t, int64(1+2+5), total)
}

func TestPriceBreakdown_MatchesTotalAndPerFile(t *testing.T) {
	cfg := testPricingConfig()
	files := []quotestore.FileSpec{
		{Path: "a.jpg", Megapixels: 2},
		{Path: "b.jpg", Megapixels: 200},
	}
	total, perFile := quotestore.PriceBreakdown(cfg, files, quotestore.Options{})
	assert.Equal(t, int64(1+5), total)
	assert.Equal(t, int64(1), perFile["a.jpg"])
	assert.Equal(t, int64(5), perFile["b.jpg"])
}
