package services

import (
	"slices"
	"strings"

	"neurochat/pkg/chattypes"
)

// CompoundSeparator joins a binding ID and a model ID in "cfg::model" form.
const CompoundSeparator = "::"

// SplitCompoundModel splits "cfg::model" into its parts. A plain ID is
// returned as the model with an empty binding.
func SplitCompoundModel(id string) (binding, model string) {
	if i := strings.Index(id, CompoundSeparator); i >= 0 {
		return id[:i], id[i+len(CompoundSeparator):]
	}
	return "", id
}

// ResolveModel picks the model for a request. A "cfg::model" id first
// selects the named binding cfg (among named and active), which then replaces
// active; an unknown cfg keeps active. The first non-empty candidate wins:
// the explicit model part, the selected binding's active model (when the
// binding lists it or lists nothing), its first listed model, the legacy
// settings model and finally fallback.
func ResolveModel(explicit string, active *chattypes.ModelBinding, named []chattypes.ModelBinding, legacy, fallback string) string {
	cfgID, model := SplitCompoundModel(strings.TrimSpace(explicit))
	binding := active
	if b := findBinding(cfgID, active, named); b != nil {
		binding = b
	}
	if model = strings.TrimSpace(model); model != "" {
		return model
	}
	if binding != nil {
		id := strings.TrimSpace(binding.ActiveModelID)
		if id != "" && (len(binding.Models) == 0 || slices.Contains(binding.Models, id)) {
			return id
		}
		for _, m := range binding.Models {
			if m = strings.TrimSpace(m); m != "" {
				return m
			}
		}
	}
	if legacy = strings.TrimSpace(legacy); legacy != "" {
		return legacy
	}
	return fallback
}

func findBinding(id string, active *chattypes.ModelBinding, named []chattypes.ModelBinding) *chattypes.ModelBinding {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}
	if active != nil && active.ID == id {
		return active
	}
	for i := range named {
		if named[i].ID == id {
			return &named[i]
		}
	}
	return nil
}
