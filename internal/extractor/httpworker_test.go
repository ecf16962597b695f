package extractor_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/metaextract/core/internal/extractor"
	"github.com/metaextract/core/internal/redact"
)

func TestHTTPWorker_ExtractDecodesServiceResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/extract" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(redact.RawMetadata{Megapixels: 12, AspectRatio: 1.5})
	}))
	defer srv.Close()

	worker := extractor.NewHTTPWorker(srv.URL, 2*time.Second)
	raw, err := worker.Extract(context.Background(), extractor.Request{FilePath: "a.jpg", MimeType: "image/jpeg", EngineTier: extractor.EngineSuper})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if raw.Megapixels != 12 {
		t.Errorf("expected megapixels 12, got %v", raw.Megapixels)
	}
}

func TestHTTPWorker_ExtractWrapsServiceErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	worker := extractor.NewHTTPWorker(srv.URL, 2*time.Second)
	_, err := worker.Extract(context.Background(), extractor.Request{FilePath: "a.jpg", MimeType: "image/jpeg"})
	if err == nil {
		t.Fatal("expected an error from a failing extractor service")
	}
}
