package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/metaextract/core/internal/httputil"
	"github.com/metaextract/core/internal/redact"
	"github.com/metaextract/core/internal/rpcutil"
)

// HTTPWorker calls out to the external metadata-extraction service over
// HTTP. Its internals (how it reads EXIF, computes perceptual hashes, runs
// OCR) are someone else's service; this package only has to ask for a
// result and shape what comes back.
type HTTPWorker struct {
	client  *http.Client
	baseURL string
}

// NewHTTPWorker builds a worker pointed at the extractor service baseURL.
// transportTimeout bounds a single HTTP call; the pool applies its own
// per-file-type deadline on top via the request context.
func NewHTTPWorker(baseURL string, transportTimeout time.Duration) *HTTPWorker {
	return &HTTPWorker{
		client:  httputil.NewClient(transportTimeout),
		baseURL: baseURL,
	}
}

type extractRequestBody struct {
	FilePath   string `json:"file_path"`
	MimeType   string `json:"mime_type"`
	EngineTier string `json:"engine_tier"`
}

// Extract posts the file reference to the external service and decodes its
// JSON response into a RawMetadata value.
func (w *HTTPWorker) Extract(ctx context.Context, req Request) (redact.RawMetadata, error) {
	body, err := json.Marshal(extractRequestBody{
		FilePath:   req.FilePath,
		MimeType:   req.MimeType,
		EngineTier: string(req.EngineTier),
	})
	if err != nil {
		return redact.RawMetadata{}, fmt.Errorf("extractor: encode request: %w", err)
	}

	raw, err := rpcutil.WithRetry(ctx, func() (redact.RawMetadata, error) {
		return w.doRequest(ctx, body)
	})
	if err != nil {
		return redact.RawMetadata{}, fmt.Errorf("extractor: %w: %w", ErrExtractionFailed, err)
	}
	return raw, nil
}

func (w *HTTPWorker) doRequest(ctx context.Context, body []byte) (redact.RawMetadata, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/v1/extract", bytes.NewReader(body))
	if err != nil {
		return redact.RawMetadata{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return redact.RawMetadata{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return redact.RawMetadata{}, fmt.Errorf("extractor service returned status %d", resp.StatusCode)
	}

	var raw redact.RawMetadata
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return redact.RawMetadata{}, fmt.Errorf("decode extractor response: %w", err)
	}
	return raw, nil
}
