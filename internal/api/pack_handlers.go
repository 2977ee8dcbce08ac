package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/maisonswap/maisonswap/internal/middleware"
	"github.com/maisonswap/maisonswap/internal/pack"
)

// PackHandlers serves the purchasable credit-pack catalog.
type PackHandlers struct {
	catalog *pack.Catalog
}

// NewPackHandlers creates a new pack catalog handler.
func NewPackHandlers(catalog *pack.Catalog) *PackHandlers {
	return &PackHandlers{catalog: catalog}
}

// ListPacksResponse represents the response for GET /packs.
type ListPacksResponse struct {
	Packs []pack.Pack `json:"packs"`
}

// ListPacks handles GET /packs.
// The catalog is public; prices include the configured service fee.
func (h *PackHandlers) ListPacks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
		return
	}

	response := ListPacksResponse{Packs: h.catalog.ListAvailable()}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		slog.ErrorContext(r.Context(), "failed to encode packs response", "error", err)
	}
}
