package qg

// LambdaInfo describes one lambda-valued argument of a higher-order
// function: which argument the lambda is and which call arguments its
// parameters range over.
type LambdaInfo struct {
	// LambdaArg is the ordinal of the lambda among the call's
	// arguments.
	LambdaArg int

	// ArgOrdinal maps each lambda parameter to the ordinal of the call
	// argument supplying its elements.
	ArgOrdinal []int
}

// FunctionMetadata declares how subfield paths over a call's result map
// back to paths over its arguments, plus the call's cost.
type FunctionMetadata struct {
	// SubfieldArg, when >= 0, names the argument a subfield of the
	// result is a subfield of, e.g. 0 for map_filter.
	SubfieldArg int

	// FieldIndexForArg/ArgOrdinal pair field indices of the result
	// struct with the argument producing that field, for constructors
	// like make_named_row.
	FieldIndexForArg []int
	ArgOrdinal       []int

	// ValuePathToArgPath, when set, rewrites a result path into
	// (argument path, argument ordinal).
	ValuePathToArgPath func(steps []Step, call *Expr) ([]Step, int)

	Lambdas []LambdaInfo

	// Cost is the per-row cost of the call used by expression costing.
	Cost float64
}

// ProcessSubfields reports whether the function needs path-aware
// handling during subfield analysis.
func (m *FunctionMetadata) ProcessSubfields() bool {
	return m.SubfieldArg >= 0 || len(m.FieldIndexForArg) > 0 ||
		m.ValuePathToArgPath != nil || len(m.Lambdas) > 0
}

// LambdaInfoAt returns the lambda info for argument ordinal, or nil.
func (m *FunctionMetadata) LambdaInfoAt(ordinal int) *LambdaInfo {
	for i := range m.Lambdas {
		if m.Lambdas[i].LambdaArg == ordinal {
			return &m.Lambdas[i]
		}
	}
	return nil
}

// FunctionRegistry maps function names to metadata. A process-wide
// default registry carries the builtins; contexts read through it.
type FunctionRegistry struct {
	metadata map[string]*FunctionMetadata
}

// NewFunctionRegistry returns a registry preloaded with the builtin
// higher-order and constructor functions.
func NewFunctionRegistry() *FunctionRegistry {
	r := &FunctionRegistry{metadata: make(map[string]*FunctionMetadata)}

	// A subfield over the result of these is a subfield over the first
	// argument.
	r.Register("map_filter", &FunctionMetadata{
		SubfieldArg: 0,
		Lambdas:     []LambdaInfo{{LambdaArg: 1, ArgOrdinal: []int{0, 0}}},
		Cost:        20,
	})
	r.Register("filter", &FunctionMetadata{
		SubfieldArg: 0,
		Lambdas:     []LambdaInfo{{LambdaArg: 1, ArgOrdinal: []int{0}}},
		Cost:        20,
	})
	r.Register("transform", &FunctionMetadata{
		SubfieldArg: -1,
		Lambdas:     []LambdaInfo{{LambdaArg: 1, ArgOrdinal: []int{0}}},
		Cost:        20,
	})
	r.Register("transform_values", &FunctionMetadata{
		SubfieldArg: 0,
		Lambdas:     []LambdaInfo{{LambdaArg: 1, ArgOrdinal: []int{0, 0}}},
		Cost:        25,
	})
	return r
}

// Register installs metadata for a function name. SubfieldArg must be
// -1 unless a result subfield maps to an argument subfield.
func (r *FunctionRegistry) Register(name string, m *FunctionMetadata) {
	r.metadata[name] = m
}

// Metadata returns the metadata for name, or nil for default handling.
func (r *FunctionRegistry) Metadata(name string) *FunctionMetadata {
	return r.metadata[name]
}

var defaultRegistry = NewFunctionRegistry()

// Functions returns the process-wide function registry.
func Functions() *FunctionRegistry { return defaultRegistry }
