package api

import (
	"encoding/json"
	"net/http"

	"github.com/fabrice-guiot/shuttersense/internal/shared/apitypes"
)

// VersionHandler serves the unauthenticated version endpoint agents poll
// before attempting a self-update.
type VersionHandler struct {
	version string
}

func NewVersionHandler(version string) *VersionHandler {
	return &VersionHandler{version: version}
}

func (h *VersionHandler) Get(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(apitypes.VersionResponse{Version: h.version})
}
