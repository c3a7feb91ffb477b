package service

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"staysync/internal/domain"
	"staysync/internal/models"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v2"
)

type catalogFile struct {
	Units []models.Unit `yaml:"units"`
}

// LoadUnits reads the static unit catalog.
func LoadUnits(path string) ([]models.Unit, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	seen := make(map[string]bool)
	for _, u := range file.Units {
		if u.ID == "" {
			return nil, fmt.Errorf("catalog unit %q has no id", u.Name)
		}
		if seen[u.ID] {
			return nil, fmt.Errorf("duplicate catalog unit %s", u.ID)
		}
		if u.Capacity < 1 {
			return nil, fmt.Errorf("catalog unit %s: capacity must be positive", u.ID)
		}
		seen[u.ID] = true
	}
	return file.Units, nil
}

// CatalogService answers unit lookups from a static list.
type CatalogService struct {
	logger *zerolog.Logger
	units  []models.Unit
	byID   map[string]models.Unit
	mu     sync.RWMutex
}

func NewCatalogService(units []models.Unit, logger *zerolog.Logger) *CatalogService {
	s := &CatalogService{logger: logger}
	s.Replace(units)
	return s
}

// Replace swaps the unit list, e.g. after the catalog file changed.
func (s *CatalogService) Replace(units []models.Unit) {
	byID := make(map[string]models.Unit, len(units))
	for _, u := range units {
		byID[u.ID] = u
	}
	sorted := append([]models.Unit(nil), units...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	s.mu.Lock()
	defer s.mu.Unlock()
	s.units = sorted
	s.byID = byID
}

func (s *CatalogService) Units(ctx context.Context) []models.Unit {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Unit(nil), s.units...)
}

func (s *CatalogService) Unit(ctx context.Context, id string) (*models.Unit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byID[id]
	if !ok || u.Disabled {
		return nil, fmt.Errorf("unit %s: %w", id, domain.ErrNotFound)
	}
	return &u, nil
}

// Capacity returns the maximum guest count of an active unit.
func (s *CatalogService) Capacity(ctx context.Context, unitID string) (int, error) {
	u, err := s.Unit(ctx, unitID)
	if err != nil {
		return 0, err
	}
	return u.Capacity, nil
}
