package httpmw

import (
	"net/http"
	"slices"
)

// Chain wraps h so mws[0] sees the request first. nil entries are skipped,
// which lets callers pass optional guards straight from their options.
func Chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for _, mw := range slices.Backward(mws) {
		if mw != nil {
			h = mw(h)
		}
	}
	return h
}
