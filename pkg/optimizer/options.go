package optimizer

// Options controls one optimization run.
type Options struct {
	// TraceLevel gates trace output: 0 off, 1 retained plans, 2 adds
	// cutoff events.
	TraceLevel int `json:"trace_level"`

	// PushdownSubfields enables subfield pruning on scans.
	PushdownSubfields bool `json:"push_down_subfields"`

	// MapAsStruct lists, per table, the map columns read as structs of
	// their accessed keys.
	MapAsStruct map[string][]string `json:"map_as_struct"`

	// NumWorkers and NumDrivers size the distributed plan.
	NumWorkers int `json:"num_workers"`
	NumDrivers int `json:"num_drivers"`

	// SamplePct, when > 0, samples unfiltered selectivities through
	// the catalog when history has no record.
	SamplePct float64 `json:"sample_pct"`

	// PreFilterBloom requests a bloom pre-filter on every hash join
	// with equality keys.
	PreFilterBloom bool `json:"pre_filter_bf"`

	// BroadcastLimit is the build-side row bound under which a
	// broadcast join is considered.
	BroadcastLimit float64 `json:"broadcast_limit"`
}

// DefaultOptions returns single-worker defaults.
func DefaultOptions() Options {
	return Options{
		PushdownSubfields: true,
		NumWorkers:        1,
		NumDrivers:        1,
		BroadcastLimit:    100_000,
	}
}

// Trace events.
const (
	// TraceRetained marks a plan kept in a PlanSet.
	TraceRetained = 1
	// TraceExceededBest marks a partial plan cut off against the best.
	TraceExceededBest = 2
)

// IsMapAsStruct reports whether table.column is configured to be read
// as a struct of its accessed keys.
func (o *Options) IsMapAsStruct(table, column string) bool {
	for _, c := range o.MapAsStruct[table] {
		if c == column {
			return true
		}
	}
	return false
}
