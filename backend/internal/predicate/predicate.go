// Package predicate compiles CEL expressions into node and edge filters.
//
// Node expressions see a variable `node` with the keys id, name, type,
// description, layer_id, properties and metadata. Edge expressions see `edge`
// with id, source, target, relationship, layer_id, properties and metadata.
// Store queries see `node` bound to the raw stored property map.
//
//	node.type == "Repository" && node.properties.stars > 100
//	edge.relationship in ["AUTHORED", "REVIEWED"]
package predicate

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"layergraph/backend/internal/layered"
	lgerrors "layergraph/backend/pkg/errors"
)

const (
	nodeVar = "node"
	edgeVar = "edge"
)

// Program is a compiled boolean expression over one map-typed variable
type Program struct {
	expr    string
	varName string
	prg     cel.Program
}

// Compile compiles expr with a single map variable named varName
func Compile(varName, expr string) (*Program, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, lgerrors.NewInvalidArgument("expression", "must not be empty")
	}
	env, err := cel.NewEnv(cel.Variable(varName, cel.MapType(cel.StringType, cel.DynType)))
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, lgerrors.NewInvalidArgument("expression", iss.Err().Error())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, lgerrors.NewInvalidArgument("expression", err.Error())
	}
	return &Program{expr: expr, varName: varName, prg: prg}, nil
}

// Expression returns the source text
func (p *Program) Expression() string {
	return p.expr
}

// Eval runs the program against one value of its variable
func (p *Program) Eval(value map[string]any) (bool, error) {
	out, _, err := p.prg.Eval(map[string]any{p.varName: value})
	if err != nil {
		return false, fmt.Errorf("evaluate %q: %w", p.expr, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression %q returned %T, want bool", p.expr, out.Value())
	}
	return b, nil
}

// Matches is Eval with evaluation errors (such as a missing key) treated as
// a non-match
func (p *Program) Matches(value map[string]any) bool {
	ok, err := p.Eval(value)
	return err == nil && ok
}

// CompileNodeFilter compiles expr into a layered.NodeFilter. An empty
// expression yields a nil filter, which accepts every node.
func CompileNodeFilter(expr string) (layered.NodeFilter, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, nil
	}
	p, err := Compile(nodeVar, expr)
	if err != nil {
		return nil, err
	}
	return func(n *layered.GraphNode) bool {
		return p.Matches(NodeActivation(n))
	}, nil
}

// CompileEdgeFilter compiles expr into a layered.EdgeFilter. An empty
// expression yields a nil filter.
func CompileEdgeFilter(expr string) (layered.EdgeFilter, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, nil
	}
	p, err := Compile(edgeVar, expr)
	if err != nil {
		return nil, err
	}
	return func(e *layered.GraphEdge) bool {
		return p.Matches(EdgeActivation(e))
	}, nil
}

// CompileStoreQuery compiles a query against raw store node properties
func CompileStoreQuery(expr string) (*Program, error) {
	return Compile(nodeVar, expr)
}

// NodeActivation is the value bound to `node` for a layered node
func NodeActivation(n *layered.GraphNode) map[string]any {
	return map[string]any{
		"id":          n.ID.String(),
		"name":        n.Name,
		"type":        n.NodeType,
		"description": n.Description,
		"layer_id":    n.LayerID.String(),
		"properties":  n.Properties.ToAny(),
		"metadata":    n.Metadata.ToAny(),
	}
}

// EdgeActivation is the value bound to `edge` for a layered edge
func EdgeActivation(e *layered.GraphEdge) map[string]any {
	return map[string]any{
		"id":           e.ID.String(),
		"source":       e.SourceNodeID.String(),
		"target":       e.TargetNodeID.String(),
		"relationship": e.RelationshipName,
		"layer_id":     e.LayerID.String(),
		"properties":   e.Properties.ToAny(),
		"metadata":     e.Metadata.ToAny(),
	}
}
