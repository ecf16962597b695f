// Package extraction composes the ledger, quote store, quota enforcers,
// device identity, extractor pool, and redactor into the single
// consistent transaction described for one extraction request: decide
// access mode, reserve payment, invoke the extractor, redact its output,
// and commit — unwinding the reservation on any failure in between.
package extraction

import (
	"context"
	"fmt"
	"time"

	"github.com/metaextract/core/internal/apierrors"
	"github.com/metaextract/core/internal/config"
	"github.com/metaextract/core/internal/extractor"
	"github.com/metaextract/core/internal/ledger"
	"github.com/metaextract/core/internal/quota"
	"github.com/metaextract/core/internal/quotestore"
	"github.com/metaextract/core/internal/redact"
)

// AccessMode is the access-mode decision, frozen for the remainder of a
// request once computed.
type AccessMode string

const (
	ModeTrialLimited AccessMode = "trial_limited"
	ModeDeviceFree   AccessMode = "device_free"
	ModePaid         AccessMode = "paid"
)

// Input is everything the pipeline needs to decide access mode, reserve,
// extract, and redact for a single request.
type Input struct {
	Files      []quotestore.FileSpec
	Options    quotestore.Options
	QuoteID    string // optional; if set, pricing and mark_used come from the quote
	DeviceID   string // minted if empty by the caller before invoking the pipeline
	SessionID  string
	UserID     string // empty for anonymous/device_free/trial requests
	TrialEmail string // empty unless a trial-email marker was presented
}

// Result is the pipeline's successful outcome.
type Result struct {
	AccessMode   AccessMode
	CreditsSpent int64
	Views        []redact.View
}

// Extractor is the subset of extractor.Pool the pipeline depends on.
type Extractor interface {
	Run(ctx context.Context, req extractor.Request) (redact.RawMetadata, error)
}

// RejectionRecorder observes InsufficientFunds rejections for operational
// alerting. Optional: a nil RejectionRecorder on Pipeline is a no-op.
type RejectionRecorder interface {
	RecordRejection()
}

// Pipeline orchestrates one extraction request end to end.
type Pipeline struct {
	Ledger       ledger.Repository
	Quotes       quotestore.Repository
	DeviceQuota  quota.Repository
	TrialQuota   quota.Repository
	Extractor    Extractor
	Pricing      config.PricingConfig
	Trial        config.TrialConfig
	Device       config.DeviceConfig
	Rejections   RejectionRecorder
}

// ErrNoAccess indicates none of trial, device-free, or paid access applies;
// the caller should respond 402 with upgrade paths.
var ErrNoAccess = apierrors.New(apierrors.ErrCodeInsufficientFunds, "no access mode available")

// ErrQuoteMismatch indicates a supplied quote does not belong to the caller.
var ErrQuoteMismatch = apierrors.New(apierrors.ErrCodeForbidden, "quote does not belong to caller")

// Run executes the full per-request algorithm described above.
func (p *Pipeline) Run(ctx context.Context, in Input) (Result, error) {
	mode, err := p.decideAccessMode(ctx, in)
	if err != nil {
		return Result{}, err
	}

	credits, quote, err := p.resolvePricing(ctx, in, mode)
	if err != nil {
		return Result{}, err
	}

	// mark_used is the single-use barrier for a quote, and it must win the
	// race before any reservation happens: of two concurrent requests
	// replaying the same quote, the loser is rejected here and must never
	// reach Charge/CheckAndReserve, the same dedup-before-effect order the
	// webhook ingestor uses for MarkProcessed before Grant.
	if quote != nil {
		if err := p.Quotes.MarkUsed(ctx, quote.ID, callerKey(in), time.Now()); err != nil {
			return Result{}, fmt.Errorf("extraction: replay: %w", err)
		}
	}

	unwind, err := p.reserve(ctx, in, mode, credits, quote)
	if err != nil {
		return Result{}, err
	}

	rawList, extractErr := p.extract(ctx, in, mode)
	if extractErr != nil {
		unwind(ctx)
		return Result{}, extractErr
	}

	views := make([]redact.View, 0, len(rawList))
	for _, raw := range rawList {
		views = append(views, redact.Apply(raw, redact.Mode(mode)))
	}

	return Result{AccessMode: mode, CreditsSpent: credits, Views: views}, nil
}

// decideAccessMode applies the priority order from the spec: trial_limited,
// then device_free, then paid, else reject.
func (p *Pipeline) decideAccessMode(ctx context.Context, in Input) (AccessMode, error) {
	if in.TrialEmail != "" {
		key := normalizeTrialEmail(in.TrialEmail, p.Trial.NormalizePlusTag)
		usage, err := p.TrialQuota.Current(ctx, key, p.Trial.EmailLimit)
		if err == nil && usage.Allowed() {
			return ModeTrialLimited, nil
		}
	}

	if in.UserID == "" {
		usage, err := p.DeviceQuota.Current(ctx, in.DeviceID, p.Device.FreeLimit)
		if err == nil && usage.Allowed() {
			return ModeDeviceFree, nil
		}
	}

	if in.UserID != "" {
		required := quotestore.Price(p.Pricing, in.Files, in.Options)
		balance, err := p.Ledger.Balance(ctx, in.UserID)
		if err == nil && balance.Balance >= required {
			return ModePaid, nil
		}
		if p.Rejections != nil {
			p.Rejections.RecordRejection()
		}
	}

	return "", ErrNoAccess
}

func (p *Pipeline) resolvePricing(ctx context.Context, in Input, mode AccessMode) (int64, *quotestore.Quote, error) {
	if in.QuoteID == "" {
		return quotestore.Price(p.Pricing, in.Files, in.Options), nil, nil
	}

	q, err := p.Quotes.Get(ctx, in.QuoteID)
	if err != nil {
		return 0, nil, err
	}
	if q.UserID != callerKey(in) {
		return 0, nil, ErrQuoteMismatch
	}
	return q.PriceCredits, &q, nil
}

// reserve performs the reservation for the frozen access mode and returns
// a compensating action to run if a later pipeline step fails. When quote
// is non-nil, the paid charge is keyed by the quote's ID rather than a
// fresh timestamp, so two concurrent requests replaying the same quote
// collapse onto a single charge transaction instead of each charging
// independently (Ledger.Charge is idempotent by reference).
func (p *Pipeline) reserve(ctx context.Context, in Input, mode AccessMode, credits int64, quote *quotestore.Quote) (unwind func(context.Context), err error) {
	switch mode {
	case ModeDeviceFree:
		if _, err := p.DeviceQuota.CheckAndReserve(ctx, in.DeviceID, p.Device.FreeLimit); err != nil {
			return nil, err
		}
		return func(ctx context.Context) { p.DeviceQuota.Rollback(ctx, in.DeviceID) }, nil

	case ModeTrialLimited:
		key := normalizeTrialEmail(in.TrialEmail, p.Trial.NormalizePlusTag)
		if _, err := p.TrialQuota.CheckAndReserve(ctx, key, p.Trial.EmailLimit); err != nil {
			return nil, err
		}
		return func(ctx context.Context) { p.TrialQuota.Rollback(ctx, key) }, nil

	case ModePaid:
		reference := chargeReference(in, quote)
		if _, err := p.Ledger.Charge(ctx, in.UserID, credits, reference); err != nil {
			return nil, err
		}
		return func(ctx context.Context) { p.Ledger.Refund(ctx, in.UserID, reference) }, nil

	default:
		return nil, ErrNoAccess
	}
}

// chargeReference derives the Ledger.Charge idempotency key: the quote ID
// when the request is redeeming a quote (so concurrent replays of the same
// quote collapse onto one charge), or a fresh reference for quote-less
// paid extraction where no such replay can occur.
func chargeReference(in Input, quote *quotestore.Quote) string {
	if quote != nil {
		return "quote:" + quote.ID
	}
	return fmt.Sprintf("extract:%s:%d", in.UserID, time.Now().UnixNano())
}

func (p *Pipeline) extract(ctx context.Context, in Input, mode AccessMode) ([]redact.RawMetadata, error) {
	tier := extractor.EngineSuper
	if mode == ModeTrialLimited {
		tier = extractor.EngineFree
	}

	raws := make([]redact.RawMetadata, 0, len(in.Files))
	for _, f := range in.Files {
		raw, err := p.Extractor.Run(ctx, extractor.Request{FilePath: f.Path, MimeType: f.MimeType, EngineTier: tier})
		if err != nil {
			return nil, err
		}
		raws = append(raws, raw)
	}
	return raws, nil
}

func callerKey(in Input) string {
	if in.UserID != "" {
		return in.UserID
	}
	return in.SessionID
}
