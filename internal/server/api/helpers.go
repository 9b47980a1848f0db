package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// chiParam is a thin indirection over chi.URLParam so handler files don't
// each need to import chi directly.
func chiParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

// timeNow exists so every handler stamps timestamps the same way; tests can
// shadow it if ever needed.
func timeNow() time.Time {
	return time.Now().UTC()
}
