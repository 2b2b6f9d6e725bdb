package optimizer

import (
	"fmt"

	"github.com/kasuganosora/sqlopt/pkg/logical"
	"github.com/kasuganosora/sqlopt/pkg/optimizer/qg"
	"github.com/kasuganosora/sqlopt/pkg/planerr"
	"github.com/kasuganosora/sqlopt/pkg/types"
)

// accessSelf is the resultPaths ordinal for paths over a call's own
// result rather than a named output.
const accessSelf = -1

// resultAccess records, per output ordinal, which subfield paths are
// accessed.
type resultAccess struct {
	resultPaths map[int]*qg.ObjectSet
}

func (r *resultAccess) add(ordinal int, pathID int32) bool {
	if r.resultPaths == nil {
		r.resultPaths = make(map[int]*qg.ObjectSet)
	}
	set := r.resultPaths[ordinal]
	if set == nil {
		set = &qg.ObjectSet{}
		r.resultPaths[ordinal] = set
	}
	if set.Contains(qg.ObjectID(pathID)) {
		return false
	}
	set.Add(qg.ObjectID(pathID))
	return true
}

// planSubfields keys accessed paths by logical node and by function
// call.
type planSubfields struct {
	nodeFields map[*logical.Node]*resultAccess
	argFields  map[*logical.Expr]*resultAccess
}

func newPlanSubfields() planSubfields {
	return planSubfields{
		nodeFields: make(map[*logical.Node]*resultAccess),
		argFields:  make(map[*logical.Expr]*resultAccess),
	}
}

func (p *planSubfields) nodeAccess(node *logical.Node) *resultAccess {
	access := p.nodeFields[node]
	if access == nil {
		access = &resultAccess{}
		p.nodeFields[node] = access
	}
	return access
}

func (p *planSubfields) argAccess(expr *logical.Expr) *resultAccess {
	access := p.argFields[expr]
	if access == nil {
		access = &resultAccess{}
		p.argFields[expr] = access
	}
	return access
}

// contextSource is one resolution frame: a plan node, or a lambda whose
// args map back to a call's container arguments.
type contextSource struct {
	planNode      *logical.Node
	call          *logical.Expr
	lambdaOrdinal int
}

type markContext struct {
	rowTypes []*types.DataType
	sources  []contextSource
}

func fromNode(node *logical.Node) markContext {
	return markContext{
		rowTypes: []*types.DataType{node.OutputType()},
		sources:  []contextSource{{planNode: node}},
	}
}

func fromNodes(nodes []*logical.Node) markContext {
	ctx := markContext{}
	for _, n := range nodes {
		ctx.rowTypes = append(ctx.rowTypes, n.OutputType())
		ctx.sources = append(ctx.sources, contextSource{planNode: n})
	}
	return ctx
}

// subfieldAnalysis walks expressions recording which subfields of
// complex-typed columns are read: control paths influence row
// selection, payload paths are only output values.
type subfieldAnalysis struct {
	o   *Optimization
	ctx *qg.Context

	controlFields planSubfields
	payloadFields planSubfields
}

func newSubfieldAnalysis(o *Optimization) *subfieldAnalysis {
	return &subfieldAnalysis{
		o:             o,
		ctx:           o.ctx,
		controlFields: newPlanSubfields(),
		payloadFields: newPlanSubfields(),
	}
}

func (s *subfieldAnalysis) fields(isControl bool) *planSubfields {
	if isControl {
		return &s.controlFields
	}
	return &s.payloadFields
}

// stepsToPath interns the accumulated steps; they are pushed outside-in
// while descending, so the path reverses them into access order.
func (s *subfieldAnalysis) stepsToPath(steps []qg.Step) *qg.Path {
	reversed := make([]qg.Step, len(steps))
	for i, step := range steps {
		reversed[len(steps)-1-i] = step
	}
	return s.ctx.InternPath(reversed)
}

// markAllSubfields records control paths from every predicate and key
// in the plan, then payload paths from the root's outputs.
func (s *subfieldAnalysis) markAllSubfields(root *logical.Node) error {
	if err := s.markControl(root); err != nil {
		return err
	}
	source := contextSource{planNode: root}
	var steps []qg.Step
	for i := 0; i < root.OutputType().Size(); i++ {
		if err := s.markFieldAccessed(source, i, &steps, false, markContext{}); err != nil {
			return err
		}
	}
	return nil
}

func (s *subfieldAnalysis) markColumnSubfields(source *logical.Node, exprs []*logical.Expr) error {
	ctx := fromNode(source)
	var steps []qg.Step
	for _, e := range exprs {
		if err := s.markSubfields(e, &steps, true, ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *subfieldAnalysis) markControl(node *logical.Node) error {
	switch node.Kind {
	case logical.NodeJoin:
		if node.Condition != nil {
			var steps []qg.Step
			if err := s.markSubfields(node.Condition, &steps, true, fromNodes(node.Inputs)); err != nil {
				return err
			}
		}
	case logical.NodeFilter:
		if err := s.markColumnSubfields(node.OnlyInput(), []*logical.Expr{node.Predicate}); err != nil {
			return err
		}
	case logical.NodeAggregate:
		if err := s.markColumnSubfields(node.OnlyInput(), node.GroupingKeys); err != nil {
			return err
		}
	case logical.NodeSort:
		ctx := fromNode(node.OnlyInput())
		var steps []qg.Step
		for _, key := range node.Ordering {
			if err := s.markSubfields(key.Expr, &steps, true, ctx); err != nil {
				return err
			}
		}
	case logical.NodeSet:
		// With distinct, every column is a control column.
		if node.SetOp != logical.SetUnionAll {
			var steps []qg.Step
			for i := 0; i < node.OutputType().Size(); i++ {
				for _, input := range node.Inputs {
					ctx := fromNode(input)
					if err := s.markFieldAccessed(ctx.sources[0], i, &steps, true, ctx); err != nil {
						return err
					}
				}
			}
		}
	}
	for _, input := range node.Inputs {
		if err := s.markControl(input); err != nil {
			return err
		}
	}
	return nil
}

// markFieldAccessed records the pending path against output ordinal of
// source and pushes the access through to the node's inputs.
func (s *subfieldAnalysis) markFieldAccessed(source contextSource, ordinal int, steps *[]qg.Step, isControl bool, context markContext) error {
	if source.planNode == nil {
		// A lambda arg: the path applies to the container argument of
		// the call holding the lambda.
		metadata := qg.Functions().Metadata(source.call.Name)
		if metadata == nil {
			return nil
		}
		info := metadata.LambdaInfoAt(source.lambdaOrdinal)
		if info == nil || ordinal >= len(info.ArgOrdinal) {
			return nil
		}
		nth := info.ArgOrdinal[ordinal]
		sub := markContext{rowTypes: context.rowTypes[1:], sources: context.sources[1:]}
		return s.markSubfields(source.call.Inputs[nth], steps, isControl, sub)
	}

	fields := s.fields(isControl)
	path := s.stepsToPath(*steps)
	if !fields.nodeAccess(source.planNode).add(ordinal, path.ID()) {
		return nil
	}

	node := source.planNode
	switch node.Kind {
	case logical.NodeProject:
		ctx := fromNode(node.OnlyInput())
		return s.markSubfields(node.Exprs[ordinal], steps, isControl, ctx)
	case logical.NodeAggregate:
		return s.markAggregateField(node, ordinal, isControl)
	case logical.NodeSet:
		for _, input := range node.Inputs {
			ctx := fromNode(input)
			if err := s.markFieldAccessed(ctx.sources[0], ordinal, steps, isControl, ctx); err != nil {
				return err
			}
		}
		return nil
	}

	if len(node.Inputs) == 0 {
		return nil
	}
	fieldName := node.OutputType().NameOf(ordinal)
	for _, input := range node.Inputs {
		if idx := input.OutputType().ChildIndex(fieldName); idx >= 0 {
			return s.markFieldAccessed(contextSource{planNode: input}, idx, steps, isControl, context)
		}
	}
	return planerr.InvalidPlan("no source for column %q", fieldName)
}

func (s *subfieldAnalysis) markAggregateField(node *logical.Node, ordinal int, isControl bool) error {
	ctx := fromNode(node.OnlyInput())
	var subSteps []qg.Step
	mark := func(e *logical.Expr) error {
		return s.markSubfields(e, &subSteps, isControl, ctx)
	}
	if ordinal < len(node.GroupingKeys) {
		return mark(node.GroupingKeys[ordinal])
	}
	aggregate := node.Aggregates[ordinal-len(node.GroupingKeys)]
	for _, in := range aggregate.Inputs {
		if err := mark(in); err != nil {
			return err
		}
	}
	if aggregate.Filter != nil {
		if err := mark(aggregate.Filter); err != nil {
			return err
		}
	}
	for _, field := range aggregate.Ordering {
		if err := mark(field.Expr); err != nil {
			return err
		}
	}
	return nil
}

// markSubfields descends expr carrying the pending access path and
// records (column, path) pairs at input references.
func (s *subfieldAnalysis) markSubfields(expr *logical.Expr, steps *[]qg.Step, isControl bool, context markContext) error {
	switch expr.Kind {
	case logical.ExprInputRef:
		for i := range context.sources {
			if idx := context.rowTypes[i].ChildIndex(expr.Name); idx >= 0 {
				return s.markFieldAccessed(context.sources[i], idx, steps, isControl, context)
			}
		}
		return planerr.InvalidPlan("field %q not found", expr.Name)
	case logical.ExprConstant:
		return nil
	case logical.ExprSpecialForm:
		if expr.Name == logical.FormDereference {
			field := fmt.Sprintf("%v", expr.Inputs[1].Value)
			input := expr.Inputs[0]
			index := input.Type.ChildIndex(field)
			*steps = append(*steps, qg.Step{Kind: qg.StepField, Field: s.ctx.Intern(field), ID: int64(index)})
			err := s.markSubfields(input, steps, isControl, context)
			*steps = (*steps)[:len(*steps)-1]
			return err
		}
		var formSteps []qg.Step
		for _, input := range expr.Inputs {
			if err := s.markSubfields(input, &formSteps, isControl, context); err != nil {
				return err
			}
		}
		return nil
	case logical.ExprLambda:
		var lambdaSteps []qg.Step
		return s.markSubfields(expr.Body(), &lambdaSteps, isControl, context)
	case logical.ExprCall:
		return s.markCall(expr, steps, isControl, context)
	default:
		return planerr.Unsupported("expression kind %d in subfield analysis", expr.Kind)
	}
}

func (s *subfieldAnalysis) markCall(expr *logical.Expr, steps *[]qg.Step, isControl bool, context markContext) error {
	switch expr.Name {
	case "cardinality":
		*steps = append(*steps, qg.Step{Kind: qg.StepCardinality})
		err := s.markSubfields(expr.Inputs[0], steps, isControl, context)
		*steps = (*steps)[:len(*steps)-1]
		return err
	case "subscript", "element_at":
		constant := s.o.evaluator.TryFold(expr.Inputs[1])
		if constant == nil {
			var keySteps []qg.Step
			if err := s.markSubfields(expr.Inputs[1], &keySteps, isControl, context); err != nil {
				return err
			}
			*steps = append(*steps, qg.Step{Kind: qg.StepSubscript, AllFields: true})
			err := s.markSubfields(expr.Inputs[0], steps, isControl, context)
			*steps = (*steps)[:len(*steps)-1]
			return err
		}
		if str, ok := constant.Value.(string); ok {
			*steps = append(*steps, qg.Step{Kind: qg.StepSubscript, Field: s.ctx.Intern(str)})
		} else {
			*steps = append(*steps, qg.Step{Kind: qg.StepSubscript, ID: integerOf(constant.Value)})
		}
		err := s.markSubfields(expr.Inputs[0], steps, isControl, context)
		*steps = (*steps)[:len(*steps)-1]
		return err
	}

	metadata := qg.Functions().Metadata(expr.Name)
	if metadata == nil || !metadata.ProcessSubfields() {
		var argSteps []qg.Step
		for _, input := range expr.Inputs {
			if err := s.markSubfields(input, &argSteps, isControl, context); err != nil {
				return err
			}
		}
		return nil
	}

	// Path-aware function: record the path over the call itself.
	fields := s.fields(isControl)
	path := s.stepsToPath(*steps)
	if !fields.argAccess(expr).add(accessSelf, path.ID()) {
		return nil
	}

	if metadata.ValuePathToArgPath != nil && len(*steps) > 0 {
		argSteps, nth := metadata.ValuePathToArgPath(*steps, nil)
		return s.markSubfields(expr.Inputs[nth], &argSteps, isControl, context)
	}

	for i, input := range expr.Inputs {
		if metadata.SubfieldArg == i {
			// A subfield of the call is a subfield of this argument.
			if err := s.markSubfields(input, steps, isControl, context); err != nil {
				return err
			}
			continue
		}
		if info := metadata.LambdaInfoAt(i); info != nil {
			lambda := input
			newContext := markContext{
				rowTypes: append([]*types.DataType{lambda.Signature}, context.rowTypes...),
				sources:  append([]contextSource{{call: expr, lambdaOrdinal: i}}, context.sources...),
			}
			var lambdaSteps []qg.Step
			if err := s.markSubfields(lambda.Body(), &lambdaSteps, isControl, newContext); err != nil {
				return err
			}
			continue
		}
		var argSteps []qg.Step
		if err := s.markSubfields(input, &argSteps, isControl, context); err != nil {
			return err
		}
	}
	return nil
}

func integerOf(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	default:
		return 0
	}
}

// transferToTables copies the per-scan-node path sets onto the base
// tables' control and payload subfield maps. Cardinality over a column
// read as a pruned struct cannot be answered from the pruned form.
func (s *subfieldAnalysis) transferToTables(scanNodes map[*logical.Node]*qg.BaseTable) error {
	transfer := func(fields *planSubfields, pick func(bt *qg.BaseTable) qg.SubfieldMap) error {
		for node, bt := range scanNodes {
			access := fields.nodeFields[node]
			if access == nil {
				continue
			}
			for ordinal, paths := range access.resultPaths {
				if ordinal >= len(node.ScanColumns) {
					continue
				}
				name := node.ScanColumns[ordinal]
				column := bt.ColumnByName(s.ctx, s.ctx.Intern(name))
				if column == nil {
					continue
				}
				var err error
				paths.ForEach(func(id qg.ObjectID) {
					if err != nil {
						return
					}
					path := s.ctx.PathByID(int32(id))
					if hasCardinalityStep(path) && s.o.opts.IsMapAsStruct(bt.Schema.Name, name) {
						err = planerr.UnsupportedSubfield("cardinality over pruned map %s.%s", bt.Schema.Name, name)
						return
					}
					pick(bt).Add(column.ID(), path.ID())
				})
				if err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := transfer(&s.controlFields, func(bt *qg.BaseTable) qg.SubfieldMap { return bt.ControlSubfields }); err != nil {
		return err
	}
	return transfer(&s.payloadFields, func(bt *qg.BaseTable) qg.SubfieldMap { return bt.PayloadSubfields })
}

func hasCardinalityStep(path *qg.Path) bool {
	for _, step := range path.Steps() {
		if step.Kind == qg.StepCardinality {
			return true
		}
	}
	return false
}
