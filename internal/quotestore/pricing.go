package quotestore

import "github.com/metaextract/core/internal/config"

// FileSpec describes one file in a quote request: the fields pricing needs
// plus the on-disk path used later for extraction.
type FileSpec struct {
	Path       string
	Megapixels float64
	MimeType   string
}

// Options selects which optional modules a quote should price in.
type Options struct {
	Embedding bool
	OCR       bool
	Forensics bool
}

// Price computes the total credit cost for a set of files under the given
// pricing schedule. Each file is priced independently by walking the
// megapixel bucket table (ascending, first bucket whose UpTo is zero or
// exceeds the file's megapixels wins) plus the base credits and any
// enabled optional module costs; the total is the sum across files.
func Price(cfg config.PricingConfig, files []FileSpec, opts Options) int64 {
	total, _ := PriceBreakdown(cfg, files, opts)
	return total
}

// PriceFile computes the credit cost of a single file under cfg: the base
// credits plus its megapixel-bucket cost plus any enabled optional module
// costs.
func PriceFile(cfg config.PricingConfig, f FileSpec, opts Options) int64 {
	cost := int64(cfg.BaseCredits) + int64(bucketCredits(cfg.MegapixelBucket, f.Megapixels))
	if opts.Embedding {
		cost += int64(cfg.EmbeddingCost)
	}
	if opts.OCR {
		cost += int64(cfg.OCRCost)
	}
	if opts.Forensics {
		cost += int64(cfg.ForensicsCost)
	}
	return cost
}

// PriceBreakdown computes both the aggregate total and the per-file credit
// cost, keyed by each file's Path, so a quote response can show the caller
// exactly what each file contributed to the total (spec.md's per_file_credits).
func PriceBreakdown(cfg config.PricingConfig, files []FileSpec, opts Options) (total int64, perFile map[string]int64) {
	perFile = make(map[string]int64, len(files))
	for _, f := range files {
		cost := PriceFile(cfg, f, opts)
		perFile[f.Path] = cost
		total += cost
	}
	return total, perFile
}

// bucketCredits walks the ascending megapixel schedule and returns the
// credits for the first bucket that covers megapixels. A bucket with
// UpTo == 0 is the uncapped top bucket and always matches.
func bucketCredits(buckets []config.MegapixelStep, megapixels float64) int {
	for _, b := range buckets {
		if b.UpTo == 0 || megapixels <= b.UpTo {
			return b.Credits
		}
	}
	if len(buckets) > 0 {
		return buckets[len(buckets)-1].Credits
	}
	return 0
}
