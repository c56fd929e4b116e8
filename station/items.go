package station

import (
	"encoding/json"
	"fmt"

	"github.com/devcapsys/capsys-easy-flow/types"
)

// Logical device and test names used as keys of the bench configuration.
const (
	ItemMultimeter  = "MULTIMETRE_COURANT"
	ItemSupply      = "ALIMENTATION"
	ItemPatch       = "PATCH"
	ItemTarget      = "TARGET_CAPSYS"
	ItemThresholds  = "TEST_SEUILS"
	ItemBF          = "TEST_BF"
	ItemConsumption = "MESURE_CONSOMMATION_PATCH"
)

// KnownItems lists every key the bench reads from its configuration.
var KnownItems = []string{
	ItemMultimeter,
	ItemSupply,
	ItemPatch,
	ItemTarget,
	ItemThresholds,
	ItemBF,
	ItemConsumption,
}

// Item is one entry of the bench configuration.
type Item struct {
	Key     string    `json:"-"`
	Port    string    `json:"port,omitempty"`
	MinMap  []float64 `json:"min_map,omitempty"`
	MaxMap  []float64 `json:"max_map,omitempty"`
	Minimum *float64  `json:"minimum,omitempty"`
	Maximum *float64  `json:"maximum,omitempty"`
	Command string    `json:"command,omitempty"`
}

// Items is the bench configuration keyed by logical name.
type Items map[string]Item

// ParseItems decodes a configuration blob.
func ParseItems(data []byte) (Items, error) {
	var raw map[string]Item
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, types.ConfigError("invalid bench configuration: %v", err)
	}
	items := make(Items, len(raw))
	for k, v := range raw {
		v.Key = k
		items[k] = v
	}
	return items, nil
}

// Get returns the named item.
func (it Items) Get(key string) (Item, error) {
	v, ok := it[key]
	if !ok {
		return Item{Key: key}, types.ConfigError("%s missing from bench configuration", key)
	}
	return v, nil
}

// RequirePort returns the port or a ConfigError when it is empty.
func (i Item) RequirePort() (string, error) {
	if i.Port == "" {
		return "", types.ConfigError("%s: port is empty", i.Key)
	}
	return i.Port, nil
}

// Thresholds returns the positional bounds, requiring both lists to be
// present and of equal length.
func (i Item) Thresholds() (types.ThresholdSpec, error) {
	if len(i.MinMap) == 0 || len(i.MaxMap) == 0 {
		return types.ThresholdSpec{}, types.ConfigError("%s: min_map and max_map are required", i.Key)
	}
	spec := types.ThresholdSpec{
		Min: append([]float64(nil), i.MinMap...),
		Max: append([]float64(nil), i.MaxMap...),
	}
	if err := spec.Validate(); err != nil {
		return types.ThresholdSpec{}, fmt.Errorf("%s: %w", i.Key, err)
	}
	return spec, nil
}

// Limits returns the scalar bounds.
func (i Item) Limits() (lo, hi float64, err error) {
	if i.Minimum == nil || i.Maximum == nil {
		return 0, 0, types.ConfigError("%s: minimum and maximum are required", i.Key)
	}
	return *i.Minimum, *i.Maximum, nil
}
