package qg

// ObjectID is the arena-wide identifier of a plan object. Ids are
// assigned monotonically by the context; bitsets are keyed by them.
type ObjectID int32

// PlanObject is implemented by every schema-graph node: columns and
// other expressions, base tables, derived tables and join edges.
// Identity is the id; concrete kinds are distinguished by type switch.
type PlanObject interface {
	ID() ObjectID
	String() string
}

// objectBase supplies the id field and is embedded by every concrete
// plan object.
type objectBase struct {
	id ObjectID
}

func (o *objectBase) ID() ObjectID      { return o.id }
func (o *objectBase) setID(id ObjectID) { o.id = id }
