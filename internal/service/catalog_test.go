package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"staysync/internal/domain"
	"staysync/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCatalog(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "units.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadUnits(t *testing.T) {
	path := writeCatalog(t, `
units:
  - id: loft
    name: City loft
    capacity: 4
  - id: cabin
    name: Lake cabin
    capacity: 2
    disabled: true
`)
	units, err := LoadUnits(path)
	require.NoError(t, err)
	require.Len(t, units, 2)
	assert.Equal(t, "loft", units[0].ID)
	assert.False(t, units[0].Disabled)
	assert.True(t, units[1].Disabled)

	tests := map[string]string{
		"missing id": "units:\n  - name: x\n    capacity: 1\n",
		"duplicate":  "units:\n  - id: a\n    capacity: 1\n  - id: a\n    capacity: 2\n",
		"capacity":   "units:\n  - id: a\n    capacity: 0\n",
		"not yaml":   "units: [",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadUnits(writeCatalog(t, body))
			assert.Error(t, err)
		})
	}

	_, err = LoadUnits(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestCatalogService(t *testing.T) {
	logger := zerolog.Nop()
	ctx := context.Background()
	s := NewCatalogService([]models.Unit{
		{ID: "b", Capacity: 2},
		{ID: "a", Capacity: 4},
		{ID: "c", Capacity: 1, Disabled: true},
	}, &logger)

	units := s.Units(ctx)
	require.Len(t, units, 3)
	assert.Equal(t, "a", units[0].ID)

	capacity, err := s.Capacity(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 4, capacity)

	_, err = s.Capacity(ctx, "c")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = s.Unit(ctx, "zzz")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	s.Replace([]models.Unit{{ID: "c", Capacity: 3}})
	capacity, err = s.Capacity(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, 3, capacity)
	_, err = s.Capacity(ctx, "a")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
