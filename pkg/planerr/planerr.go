// Package planerr defines the error kinds surfaced by the optimizer.
// Callers discriminate with errors.Is against the exported sentinels.
package planerr

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidPlan means the logical input violates a precondition,
	// e.g. a duplicate output name or an unresolvable column.
	ErrInvalidPlan = errors.New("invalid plan")

	// ErrUnsupportedFeature means the input uses a construct the
	// optimizer does not handle.
	ErrUnsupportedFeature = errors.New("unsupported feature")

	// ErrUnsupportedSubfield means a subfield access cannot be
	// expressed, e.g. cardinality over a pruned map.
	ErrUnsupportedSubfield = errors.New("unsupported subfield")

	// ErrArenaExhausted means the per-optimization arena is out of
	// capacity. Fatal for the run.
	ErrArenaExhausted = errors.New("arena exhausted")

	// ErrSchemaFailure is propagated from the catalog.
	ErrSchemaFailure = errors.New("schema failure")
)

func InvalidPlan(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidPlan, fmt.Sprintf(format, args...))
}

func Unsupported(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnsupportedFeature, fmt.Sprintf(format, args...))
}

func UnsupportedSubfield(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnsupportedSubfield, fmt.Sprintf(format, args...))
}

func ArenaExhausted(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrArenaExhausted, fmt.Sprintf(format, args...))
}

func SchemaFailure(err error) error {
	return fmt.Errorf("%w: %v", ErrSchemaFailure, err)
}
