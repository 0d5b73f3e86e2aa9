package factory

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/controlled-inventory/inventory"
)

const poolsJSON = `[
  {"id": "cb-30ml", "name": "CB 30ml", "nominal_size_ml": 30, "min_size_ml": 20, "low_stock_vials": 2},
  {"id": "toprx-10ml", "nominal_size_ml": "10", "max_size_ml": 20}
]`

func TestParsePools(t *testing.T) {
	pools, err := ParsePools([]byte(poolsJSON))
	require.NoError(t, err)
	require.Len(t, pools, 2)

	assert.Equal(t, inventory.PoolID("cb-30ml"), pools[0].ID)
	assert.True(t, pools[0].NominalSizeML.Equal(inventory.ML(30)))
	assert.True(t, pools[0].MinSizeML.Equal(inventory.ML(20)))
	assert.Equal(t, 2, pools[0].LowStockVials)

	assert.Equal(t, "toprx-10ml", pools[1].Name, "name defaults to id")
	assert.True(t, pools[1].MaxSizeML.Equal(inventory.ML(20)))

	registry, err := inventory.NewPoolRegistry(pools...)
	require.NoError(t, err)
	assert.Len(t, registry.All(), 2)
}

func TestParsePools_Rejects(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"not an array", `{"id": "x"}`},
		{"empty", `[]`},
		{"missing id", `[{"nominal_size_ml": 30}]`},
		{"unknown field", `[{"id": "x", "nominal_size_ml": 30, "colour": "red"}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePools([]byte(tt.json))
			assert.Error(t, err)
		})
	}
}

func TestLoadPools_AndToJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pools.json")
	defaults := inventory.DefaultPools()
	out := make([]PoolJSON, 0, len(defaults))
	for _, p := range defaults {
		out = append(out, ToJSON(p))
	}
	data, err := json.Marshal(out)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	pools, err := LoadPools(path)
	require.NoError(t, err)

	require.Len(t, pools, len(defaults))
	for i := range defaults {
		assert.Equal(t, defaults[i].ID, pools[i].ID)
		assert.True(t, defaults[i].NominalSizeML.Equal(pools[i].NominalSizeML))
		assert.True(t, defaults[i].MinSizeML.Equal(pools[i].MinSizeML))
		assert.True(t, defaults[i].MaxSizeML.Equal(pools[i].MaxSizeML))
	}

	_, err = LoadPools(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
