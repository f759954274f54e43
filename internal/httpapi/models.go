package httpapi

import (
	"errors"
	"net/http"

	"chime/internal/storage"
)

type temperatureRange struct {
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Default float64 `json:"default"`
}

// modelView is the public shape of a model. The id is the name callers pass
// back as the model field of a chat request.
type modelView struct {
	ID            string           `json:"id"`
	DisplayName   string           `json:"display_name"`
	Provider      string           `json:"provider"`
	SupportsFiles bool             `json:"supports_files"`
	CanReason     bool             `json:"can_reason"`
	CanAccessWeb  bool             `json:"can_access_web"`
	Temperature   temperatureRange `json:"temperature"`
	IsDefault     bool             `json:"is_default"`
	IsActive      bool             `json:"is_active"`
}

func newModelView(m storage.ModelWithProvider) modelView {
	return modelView{
		ID:            m.Name,
		DisplayName:   m.DisplayName,
		Provider:      m.Provider.Name,
		SupportsFiles: m.SupportsFiles,
		CanReason:     m.CanReason,
		CanAccessWeb:  m.CanAccessWeb,
		Temperature: temperatureRange{
			Min:     m.MinTemperature,
			Max:     m.MaxTemperature,
			Default: m.DefaultTemperature,
		},
		IsDefault: m.IsDefault,
		IsActive:  m.IsActive,
	}
}

func (s *Server) listModels(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	models, err := s.cfg.Catalog.ListActiveModels(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}
	views := make([]modelView, 0, len(models))
	for _, m := range models {
		views = append(views, newModelView(m))
	}

	var defaultModel *string
	def, err := s.cfg.Catalog.DefaultModel(ctx)
	switch {
	case err == nil:
		defaultModel = &def.Name
	case errors.Is(err, storage.ErrNotFound):
		// Without an explicit default, the first model of the default provider serves.
		for _, m := range models {
			if m.Provider.IsDefault {
				name := m.Name
				defaultModel = &name
				break
			}
		}
	default:
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data": map[string]any{
			"models":        views,
			"default_model": defaultModel,
		},
	})
}
