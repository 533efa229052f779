package catalog

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/router-for-me/AnotherChat/internal/models"
	"github.com/router-for-me/AnotherChat/internal/providerkeys"
	"gorm.io/datatypes"
)

type providerPayload struct {
	Name   string                     `json:"name"`
	Models map[string]json.RawMessage `json:"models"`
}

type modelPayload struct {
	Name   string      `json:"name"`
	Family string      `json:"family"`
	Limit  *modelLimit `json:"limit"`
}

type modelLimit struct {
	Context *int `json:"context"`
	Output  *int `json:"output"`
}

type entryKey struct {
	provider string
	model    string
}

// ParseModelsPayload converts the models.dev payload into catalog entries for the
// providers in supported. Provider ids are normalized, so "google" lands under "gemini".
func ParseModelsPayload(data []byte, supported []string) ([]models.CatalogModel, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("parse models payload: empty payload")
	}

	var providers map[string]json.RawMessage
	if err := json.Unmarshal(data, &providers); err != nil {
		return nil, fmt.Errorf("parse models payload: decode providers: %w", err)
	}

	allowed := make(map[string]struct{}, len(supported))
	for _, name := range supported {
		allowed[providerkeys.Normalize(name)] = struct{}{}
	}

	providerIDs := make([]string, 0, len(providers))
	for providerID := range providers {
		providerIDs = append(providerIDs, providerID)
	}
	sort.Strings(providerIDs)

	entriesByKey := make(map[entryKey]models.CatalogModel)
	for _, providerID := range providerIDs {
		providerName := providerkeys.Normalize(providerID)
		if _, ok := allowed[providerName]; !ok {
			continue
		}
		providerRaw := providers[providerID]
		if len(providerRaw) == 0 {
			continue
		}

		var provider providerPayload
		if err := json.Unmarshal(providerRaw, &provider); err != nil {
			return nil, fmt.Errorf("parse models payload: decode provider %s: %w", providerID, err)
		}

		modelIDs := make([]string, 0, len(provider.Models))
		for modelID := range provider.Models {
			modelIDs = append(modelIDs, modelID)
		}
		sort.Strings(modelIDs)

		for _, modelID := range modelIDs {
			modelRaw := provider.Models[modelID]
			modelID = strings.TrimSpace(modelID)
			if len(modelRaw) == 0 || modelID == "" {
				continue
			}

			var model modelPayload
			if err := json.Unmarshal(modelRaw, &model); err != nil {
				return nil, fmt.Errorf("parse models payload: decode model %s: %w", modelID, err)
			}

			entry := models.CatalogModel{
				Provider:    providerName,
				ModelID:     modelID,
				DisplayName: strings.TrimSpace(model.Name),
				IsActive:    true,
			}
			if entry.DisplayName == "" {
				entry.DisplayName = modelID
			}
			if family := strings.TrimSpace(model.Family); family != "" {
				entry.Description = family + " family"
			}
			if model.Limit != nil {
				if model.Limit.Context != nil {
					entry.ContextLimit = *model.Limit.Context
				}
				if model.Limit.Output != nil {
					entry.OutputLimit = *model.Limit.Output
				}
			}

			extra, err := buildModelExtra(modelRaw)
			if err != nil {
				return nil, err
			}
			entry.Extra = extra

			key := entryKey{provider: providerName, model: modelID}
			if existing, ok := entriesByKey[key]; ok {
				entriesByKey[key] = mergeEntry(existing, entry)
				continue
			}
			entriesByKey[key] = entry
		}
	}

	if len(entriesByKey) == 0 {
		return nil, nil
	}

	keys := make([]entryKey, 0, len(entriesByKey))
	for key := range entriesByKey {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].provider == keys[j].provider {
			return keys[i].model < keys[j].model
		}
		return keys[i].provider < keys[j].provider
	})

	entries := make([]models.CatalogModel, 0, len(keys))
	for _, key := range keys {
		entries = append(entries, entriesByKey[key])
	}
	return entries, nil
}

func buildModelExtra(modelRaw json.RawMessage) (datatypes.JSON, error) {
	var model map[string]any
	if err := json.Unmarshal(modelRaw, &model); err != nil {
		return nil, fmt.Errorf("parse models payload: decode model extra: %w", err)
	}
	delete(model, "name")
	delete(model, "id")
	delete(model, "limit")
	if len(model) == 0 {
		return datatypes.JSON([]byte("{}")), nil
	}
	data, err := json.Marshal(model)
	if err != nil {
		return nil, fmt.Errorf("parse models payload: encode extra: %w", err)
	}
	return datatypes.JSON(data), nil
}

// mergeEntry fills gaps in base from an entry listed under an aliased provider id.
func mergeEntry(base, incoming models.CatalogModel) models.CatalogModel {
	if base.ContextLimit == 0 {
		base.ContextLimit = incoming.ContextLimit
	}
	if base.OutputLimit == 0 {
		base.OutputLimit = incoming.OutputLimit
	}
	if base.Description == "" {
		base.Description = incoming.Description
	}
	if base.DisplayName == base.ModelID && incoming.DisplayName != incoming.ModelID {
		base.DisplayName = incoming.DisplayName
	}
	return base
}
