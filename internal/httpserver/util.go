package httpserver

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"io"
)

// decodeJSON decodes a JSON request body into the destination struct.
// The reader will be closed after decoding.
func decodeJSON(r io.ReadCloser, dest any) error {
	defer r.Close()
	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

// randomID returns a random hex identifier, used for quote ids and
// freshly generated anonymous session ids.
func randomID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is effectively unrecoverable; a predictable
		// fallback is still unique enough for a request-scoped identifier.
		return hex.EncodeToString([]byte("fallback-id-seed"))
	}
	return hex.EncodeToString(buf)
}
