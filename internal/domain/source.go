package domain

import (
	"time"

	"github.com/google/uuid"
)

// SourceKindArcGIS identifies sources backed by an ArcGIS FeatureServer layer.
const SourceKindArcGIS = "arcgis"

// Source describes one upstream parcel feed, typically a single county layer.
type Source struct {
	ID         uuid.UUID `json:"id"`
	Name       string    `json:"name"`
	Kind       string    `json:"kind"`
	ServiceURL string    `json:"service_url"`
	LayerID    int       `json:"layer_id"`
	CountyNo   int       `json:"county_no"`
	PageSize   int       `json:"page_size"`
	Enabled    bool      `json:"enabled"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// NewSource creates a source registration with generated identity.
func NewSource(name, serviceURL string, layerID, countyNo, pageSize int) Source {
	now := time.Now()
	return Source{
		ID:         uuid.New(),
		Name:       name,
		Kind:       SourceKindArcGIS,
		ServiceURL: serviceURL,
		LayerID:    layerID,
		CountyNo:   countyNo,
		PageSize:   pageSize,
		Enabled:    true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}
