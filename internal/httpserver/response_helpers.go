package httpserver

import (
	"net/http"

	"github.com/metaextract/core/internal/apierrors"
	"github.com/metaextract/core/pkg/responders"
)

// writeJSON is a small convenience wrapper kept local so handlers read the
// same way regardless of which package they render responses through.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	responders.JSON(w, status, payload)
}

// writeError renders err as the standardized error envelope. Typed
// *apierrors.Error values carry their own code, message, and details;
// anything else is reported as an opaque internal error so a handler bug
// never leaks implementation details to a caller.
func writeError(w http.ResponseWriter, err error) {
	if apiErr, ok := apierrors.As(err); ok {
		apierrors.WriteError(w, apiErr.Code, apiErr.Message, apiErr.Details)
		return
	}
	apierrors.WriteSimpleError(w, apierrors.ErrCodeInternal, "internal error")
}
