package types

import "fmt"

type keyKind int

const (
	keyNone keyKind = iota
	keyPrefix
	keyList
	keyMap
)

// KeySpec names the persisted values of a multi-value response. It is one
// of Prefix, List or Map; the zero value names nothing.
type KeySpec struct {
	kind   keyKind
	prefix string
	list   []string
	byPos  map[int]string
}

// Prefix names position i as prefix followed by i+1. Used as a unit spec it
// applies the same unit to every position.
func Prefix(p string) KeySpec {
	return KeySpec{kind: keyPrefix, prefix: p}
}

// List names positions in order.
func List(names ...string) KeySpec {
	return KeySpec{kind: keyList, list: append([]string(nil), names...)}
}

// Map names positions by 0-based index.
func Map(m map[int]string) KeySpec {
	c := make(map[int]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return KeySpec{kind: keyMap, byPos: c}
}

func (k KeySpec) IsZero() bool {
	return k.kind == keyNone
}

func (k KeySpec) lookup(i int) (string, bool) {
	switch k.kind {
	case keyList:
		if i < len(k.list) {
			return k.list[i], true
		}
	case keyMap:
		v, ok := k.byPos[i]
		return v, ok
	}
	return "", false
}

// Keys resolves the save keys of the first n positions.
func (k KeySpec) Keys(n int) []string {
	out := make([]string, n)
	for i := range out {
		if k.kind == keyPrefix {
			out[i] = fmt.Sprintf("%s%d", k.prefix, i+1)
			continue
		}
		if v, ok := k.lookup(i); ok {
			out[i] = v
			continue
		}
		out[i] = fmt.Sprintf("val%d", i+1)
	}
	return out
}

// Units resolves the units of the first n positions, defaulting to "".
func (k KeySpec) Units(n int) []string {
	out := make([]string, n)
	for i := range out {
		if k.kind == keyPrefix {
			out[i] = k.prefix
			continue
		}
		out[i], _ = k.lookup(i)
	}
	return out
}

// ThresholdSpec holds positional bounds and naming for a multi-value
// instrument response.
type ThresholdSpec struct {
	Min   []float64
	Max   []float64
	Keys  KeySpec
	Units KeySpec
}

// Validate checks that every bounded position has both a min and a max.
func (t ThresholdSpec) Validate() error {
	if len(t.Min) != len(t.Max) {
		return ConfigError("threshold bounds mismatch: %d min values, %d max values", len(t.Min), len(t.Max))
	}
	return nil
}
