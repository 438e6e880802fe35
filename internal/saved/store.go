// Package saved provides the capped, newest-first store of user-saved chart
// artifacts, backed by a single JSON file.
package saved

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Cap is the maximum number of saved charts kept; older items fall off the
// tail.
const Cap = 200

// ErrInvalidChart is returned when a chart does not carry exactly one of an
// SVG string or a Vega specification.
var ErrInvalidChart = errors.New("saved chart must carry exactly one of svg or vega")

type (
	// Chart is one saved artifact.
	Chart struct {
		ID        string         `json:"id"`
		DatasetID string         `json:"dataset_id"`
		Title     string         `json:"title,omitempty"`
		Hint      string         `json:"hint,omitempty"`
		SVG       string         `json:"svg,omitempty"`
		Vega      map[string]any `json:"vega,omitempty"`
		CreatedAt time.Time      `json:"created_at"`
	}

	// Store is the file-backed chart list. Reads and writes serialise
	// through a single lock; a corrupt file is treated as empty.
	Store struct {
		mu   sync.Mutex
		path string
	}

	fileShape struct {
		Items []Chart `json:"items"`
	}
)

// NewStore creates a store persisting to path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Add inserts a chart at the head and trims the list to Cap. The id and
// creation timestamp are assigned when absent.
func (s *Store) Add(chart Chart) (Chart, error) {
	hasSVG := chart.SVG != ""
	hasVega := len(chart.Vega) > 0

	if hasSVG == hasVega {
		return Chart{}, ErrInvalidChart
	}

	if chart.ID == "" {
		chart.ID = strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	}

	if chart.CreatedAt.IsZero() {
		chart.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data := s.load()
	data.Items = append([]Chart{chart}, data.Items...)

	if len(data.Items) > Cap {
		data.Items = data.Items[:Cap]
	}

	if err := s.save(data); err != nil {
		return Chart{}, err
	}

	return chart, nil
}

// List returns saved charts newest-first, optionally filtered by dataset id.
func (s *Store) List(datasetID string) []Chart {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := s.load().Items
	if datasetID == "" {
		return items
	}

	filtered := make([]Chart, 0, len(items))

	for _, item := range items {
		if item.DatasetID == datasetID {
			filtered = append(filtered, item)
		}
	}

	return filtered
}

// Delete removes a chart by id, reporting whether anything was removed.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := s.load()
	kept := data.Items[:0]
	removed := false

	for _, item := range data.Items {
		if item.ID == id {
			removed = true

			continue
		}

		kept = append(kept, item)
	}

	if !removed {
		return false
	}

	data.Items = kept

	return s.save(data) == nil
}

func (s *Store) load() fileShape {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fileShape{}
	}

	var data fileShape
	if err := json.Unmarshal(raw, &data); err != nil {
		return fileShape{}
	}

	return data
}

func (s *Store) save(data fileShape) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}

	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(s.path, raw, 0o644)
}
