package handler

import (
	"net/http"

	"github.com/sakif/runbox/internal/language"
)

// LanguageResponse describes one supported language.
type LanguageResponse struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Compiled bool   `json:"compiled"`
}

// LanguagesHandler lists the registry.
type LanguagesHandler struct {
	languages []LanguageResponse
}

// NewLanguagesHandler renders the registry once; it never changes.
func NewLanguagesHandler(reg *language.Registry) *LanguagesHandler {
	specs := reg.List()
	out := make([]LanguageResponse, 0, len(specs))
	for _, s := range specs {
		out = append(out, LanguageResponse{ID: s.ID, Name: s.Name, Compiled: s.Compiled()})
	}
	return &LanguagesHandler{languages: out}
}

// HandleList handles GET /api/languages.
func (h *LanguagesHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.languages)
}
