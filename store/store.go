// Package store is the persistence collaborator used by steps and by the
// verdict writer. The schema belongs to the production database; this
// package only moves generic records in and out of named tables.
package store

import (
	"context"
	"fmt"
	"strconv"
)

// Table names used by the bench.
const (
	TableOperator         = "operator"
	TableProductList      = "product_list"
	TableBenchComposition = "bench_composition"
	TableExternalDevice   = "external_device"
	TableScript           = "script"
	TableParametersGroup  = "parameters_group"
	TableParameters       = "parameters"
	TableDeviceUnderTest  = "device_under_test"
	TableStepName         = "step_name"
	TableSKVPFloat        = "skvp_float"
	TableSKVPChar         = "skvp_char"
	TableSKVPJSON         = "skvp_json"
	TableLog              = "log"
)

// Record is one row, keyed by column name.
type Record map[string]any

// Int64 reads an integer column, accepting the numeric and string forms
// database drivers return.
func (r Record) Int64(col string) (int64, bool) {
	switch v := r[col].(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint64:
		return int64(v), true
	case float64:
		return int64(v), true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	case []byte:
		n, err := strconv.ParseInt(string(v), 10, 64)
		return n, err == nil
	}
	return 0, false
}

// String reads a column as text.
func (r Record) String(col string) string {
	switch v := r[col].(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}

// Store is the persistence contract.
type Store interface {
	// Create inserts a row and returns its generated id.
	Create(ctx context.Context, table string, fields Record) (int64, error)
	// GetByID returns the row with the given id, or nil when absent.
	GetByID(ctx context.Context, table string, id int64) (Record, error)
	// GetByColumn returns every row whose column equals value.
	GetByColumn(ctx context.Context, table, column string, value any) ([]Record, error)
	// UpdateByID sets fields on the row with the given id.
	UpdateByID(ctx context.Context, table string, id int64, fields Record) error
	Close() error
}
