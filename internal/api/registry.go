package api

import (
	"github.com/wsi-tiles/server/internal/service"
)

// DatasetInfo describes one dataset in the datasets listing.
type DatasetInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// DatasetRegistry holds the region services for all configured datasets.
type DatasetRegistry struct {
	services       map[string]*service.RegionService
	defaultDataset string
	datasetOrder   []string
	title          string
}

// NewDatasetRegistry creates a registry with the given default dataset and
// config-order dataset IDs.
func NewDatasetRegistry(defaultDataset string, order []string, title string) *DatasetRegistry {
	return &DatasetRegistry{
		services:       make(map[string]*service.RegionService),
		defaultDataset: defaultDataset,
		datasetOrder:   order,
		title:          title,
	}
}

// Register adds a region service for a dataset.
func (r *DatasetRegistry) Register(datasetID string, svc *service.RegionService) {
	r.services[datasetID] = svc
}

// Get returns the region service for a dataset, or nil if not found.
func (r *DatasetRegistry) Get(datasetID string) *service.RegionService {
	return r.services[datasetID]
}

// DefaultDatasetID returns the default dataset ID.
func (r *DatasetRegistry) DefaultDatasetID() string {
	return r.defaultDataset
}

// DatasetIDs returns all dataset IDs in config order.
func (r *DatasetRegistry) DatasetIDs() []string {
	return r.datasetOrder
}

// Title returns the configured site title.
func (r *DatasetRegistry) Title() string {
	if r.title != "" {
		return r.title
	}
	return "WSI Tiles"
}

// Close closes every registered service, keeping the first error.
func (r *DatasetRegistry) Close() error {
	var first error
	for _, svc := range r.services {
		if err := svc.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
