/*
Package factory provides JSON to Go pool conversion.

PURPOSE:
  Converts JSON pool definitions into inventory.Pool values so a clinic can
  stock a new product line without a code change. Loaded from POOLS_FILE at
  startup; DefaultPools is used when no file is configured.

JSON SCHEMA:
  [
    {
      "id": "cb-30ml",
      "name": "CB 30ml",
      "nominal_size_ml": 30,
      "min_size_ml": 20,
      "low_stock_vials": 2
    },
    {
      "id": "toprx-10ml",
      "name": "TopRX 10ml",
      "nominal_size_ml": 10,
      "max_size_ml": 20,
      "low_stock_vials": 3
    }
  ]

KEY FEATURES:
  - Rejects unknown fields so typos fail loudly
  - Volumes parse as decimals, never floats
  - Name defaults to the id

USAGE:
  pools, err := factory.LoadPools("pools.json")
  registry, err := inventory.NewPoolRegistry(pools...)
*/
package factory

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/shopspring/decimal"

	"github.com/warp/controlled-inventory/inventory"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// PoolJSON is the JSON representation of a pool.
type PoolJSON struct {
	ID            string           `json:"id"`
	Name          string           `json:"name,omitempty"`
	NominalSizeML decimal.Decimal  `json:"nominal_size_ml"`
	MinSizeML     *decimal.Decimal `json:"min_size_ml,omitempty"`
	MaxSizeML     *decimal.Decimal `json:"max_size_ml,omitempty"`
	LowStockVials int              `json:"low_stock_vials,omitempty"`
}

// =============================================================================
// PARSING
// =============================================================================

// ParsePools decodes a JSON array of pools.
func ParsePools(data []byte) ([]inventory.Pool, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var raw []PoolJSON
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("invalid pool JSON: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("pool file defines no pools")
	}

	pools := make([]inventory.Pool, 0, len(raw))
	for i, pj := range raw {
		if pj.ID == "" {
			return nil, fmt.Errorf("pool %d: id is required", i)
		}
		pools = append(pools, FromJSON(pj))
	}
	return pools, nil
}

// LoadPools reads and parses a pool file.
func LoadPools(path string) ([]inventory.Pool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pool file: %w", err)
	}
	return ParsePools(data)
}

// FromJSON converts one PoolJSON.
func FromJSON(pj PoolJSON) inventory.Pool {
	p := inventory.Pool{
		ID:            inventory.PoolID(pj.ID),
		Name:          pj.Name,
		NominalSizeML: pj.NominalSizeML,
		MinSizeML:     decimal.Zero,
		MaxSizeML:     decimal.Zero,
		LowStockVials: pj.LowStockVials,
	}
	if p.Name == "" {
		p.Name = pj.ID
	}
	if pj.MinSizeML != nil {
		p.MinSizeML = *pj.MinSizeML
	}
	if pj.MaxSizeML != nil {
		p.MaxSizeML = *pj.MaxSizeML
	}
	return p
}

// ToJSON is the inverse of FromJSON.
func ToJSON(p inventory.Pool) PoolJSON {
	pj := PoolJSON{
		ID:            string(p.ID),
		Name:          p.Name,
		NominalSizeML: p.NominalSizeML,
		LowStockVials: p.LowStockVials,
	}
	if !p.MinSizeML.IsZero() {
		lo := p.MinSizeML
		pj.MinSizeML = &lo
	}
	if !p.MaxSizeML.IsZero() {
		hi := p.MaxSizeML
		pj.MaxSizeML = &hi
	}
	return pj
}
