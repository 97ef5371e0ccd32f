package graph

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	lgerrors "layergraph/backend/pkg/errors"
	"layergraph/backend/pkg/logger"
)

// Every stored node carries the Node label plus a label derived from its
// "type" property. Relationship types are sanitized for Cypher; the
// original label is kept on the relationship as relationship_name.
const (
	nodeLabel           = "Node"
	propRelationshipRaw = "relationship_name"
	propType            = "type"
)

// Neo4jStore handles all Neo4j database operations
type Neo4jStore struct {
	driver   neo4j.DriverWithContext
	database string
	logger   *zap.Logger
}

// NewNeo4jStore wraps a connected driver. database may be empty for the
// server default.
func NewNeo4jStore(driver neo4j.DriverWithContext, database string) *Neo4jStore {
	return &Neo4jStore{
		driver:   driver,
		database: database,
		logger:   logger.Named("neo4j"),
	}
}

// Close closes the Neo4j driver connection
func (r *Neo4jStore) Close(ctx context.Context) error {
	return r.driver.Close(ctx)
}

func (r *Neo4jStore) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: mode, DatabaseName: r.database})
}

// EnsureSchema creates the id constraint and lookup indexes. Every statement
// is IF NOT EXISTS, so any failure is returned.
func (r *Neo4jStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		"CREATE CONSTRAINT node_id_unique IF NOT EXISTS FOR (n:Node) REQUIRE n.id IS UNIQUE",
		"CREATE INDEX node_type IF NOT EXISTS FOR (n:Node) ON (n.type)",
		"CREATE INDEX node_layer IF NOT EXISTS FOR (n:Node) ON (n.layer_id)",
	}
	for _, stmt := range statements {
		if _, err := r.write(ctx, "ensure schema", stmt, nil); err != nil {
			return err
		}
	}
	return nil
}

// write runs query in a managed write transaction and collects its records.
// Commit and session close errors are both returned.
func (r *Neo4jStore) write(ctx context.Context, op, query string, params map[string]any) (records []*neo4j.Record, err error) {
	session := r.session(ctx, neo4j.AccessModeWrite)
	defer func() {
		if cerr := session.Close(ctx); cerr != nil && err == nil {
			records, err = nil, r.wrap(ctx, op, cerr)
		}
	}()

	out, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		return result.Collect(ctx)
	})
	if err != nil {
		return nil, r.wrap(ctx, op, err)
	}
	records, _ = out.([]*neo4j.Record)
	return records, nil
}

// AddNode merges a node by id and replaces its properties
func (r *Neo4jStore) AddNode(ctx context.Context, id string, props map[string]any) error {
	if props == nil {
		props = map[string]any{}
	}
	setLabel := ""
	if t, ok := props[propType].(string); ok {
		if l := sanitizeIdentifier(t); l != "" && l != nodeLabel {
			setLabel = "SET n:" + l
		}
	}
	query := fmt.Sprintf(`
		MERGE (n:%s {id: $id})
		SET n = $props
		SET n.id = $id
		%s
	`, nodeLabel, setLabel)

	_, err := r.write(ctx, "add node", query, map[string]any{
		"id":    id,
		"props": props,
	})
	return err
}

// AddEdge merges a relationship between two existing nodes. With an edge_id
// property the relationship is matched on it, so parallel edges survive.
func (r *Neo4jStore) AddEdge(ctx context.Context, from, to, relationship string, props map[string]any) error {
	relType := sanitizeIdentifier(relationship)
	if relType == "" {
		return lgerrors.NewInvalidArgument("relationship", "must contain a letter, digit or underscore")
	}
	if props == nil {
		props = map[string]any{}
	}

	match := fmt.Sprintf("(a)-[rel:%s]->(b)", relType)
	if _, ok := props[PropEdgeID].(string); ok {
		match = fmt.Sprintf("(a)-[rel:%s {%s: $edgeID}]->(b)", relType, PropEdgeID)
	}
	query := fmt.Sprintf(`
		MATCH (a:%[1]s {id: $from}), (b:%[1]s {id: $to})
		MERGE %[2]s
		SET rel = $props
		SET rel.%[3]s = $relationship
		RETURN count(rel) AS written
	`, nodeLabel, match, propRelationshipRaw)

	records, err := r.write(ctx, "add edge", query, map[string]any{
		"from":         from,
		"to":           to,
		"edgeID":       props[PropEdgeID],
		"props":        props,
		"relationship": relationship,
	})
	if err != nil {
		return err
	}
	if len(records) > 0 && getInt64FromRecord(records[0], "written") > 0 {
		return nil
	}

	// MATCH found nothing: report which endpoint is missing
	missing := from
	if ok, _ := r.HasNode(ctx, from); ok {
		missing = to
	}
	return lgerrors.NewReferentialIntegrity(lgerrors.KindEdge, relationship, lgerrors.KindNode, missing)
}

func (r *Neo4jStore) HasNode(ctx context.Context, id string) (bool, error) {
	session := r.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	query := fmt.Sprintf("MATCH (n:%s {id: $id}) RETURN count(n) AS found", nodeLabel)
	result, err := session.Run(ctx, query, map[string]interface{}{"id": id})
	if err != nil {
		return false, r.wrap(ctx, "has node", err)
	}
	record, err := result.Single(ctx)
	if err != nil {
		return false, r.wrap(ctx, "has node", err)
	}
	return getInt64FromRecord(record, "found") > 0, nil
}

func (r *Neo4jStore) ExtractNode(ctx context.Context, id string) (map[string]any, error) {
	session := r.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	query := fmt.Sprintf("MATCH (n:%s {id: $id}) RETURN properties(n) AS props", nodeLabel)
	result, err := session.Run(ctx, query, map[string]interface{}{"id": id})
	if err != nil {
		return nil, r.wrap(ctx, "extract node", err)
	}
	if !result.Next(ctx) {
		if err := result.Err(); err != nil {
			return nil, r.wrap(ctx, "extract node", err)
		}
		return nil, lgerrors.NewNotFound(lgerrors.KindNode, id)
	}
	return getMapFromRecord(result.Record(), "props"), nil
}

func (r *Neo4jStore) GetEdges(ctx context.Context, id string) ([]EdgeRecord, error) {
	session := r.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	query := fmt.Sprintf(`
		MATCH (a:%[1]s)-[rel]->(b:%[1]s)
		WHERE a.id = $id OR b.id = $id
		RETURN a.id AS source, b.id AS target,
		       coalesce(rel.%[2]s, type(rel)) AS relationship,
		       properties(rel) AS props
	`, nodeLabel, propRelationshipRaw)

	edges, err := r.collectEdges(ctx, session, query, map[string]interface{}{"id": id})
	if err != nil {
		return nil, r.wrap(ctx, "get edges", err)
	}
	sortEdgeRecords(edges)
	return edges, nil
}

func (r *Neo4jStore) GetGraphData(ctx context.Context) (*GraphData, error) {
	session := r.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	data := &GraphData{Nodes: []NodeRecord{}, Edges: []EdgeRecord{}}

	result, err := session.Run(ctx,
		fmt.Sprintf("MATCH (n:%s) RETURN n.id AS id, properties(n) AS props", nodeLabel), nil)
	if err != nil {
		return nil, r.wrap(ctx, "get graph data", err)
	}
	for result.Next(ctx) {
		record := result.Record()
		data.Nodes = append(data.Nodes, NodeRecord{
			ID:         getStringFromRecord(record, "id"),
			Properties: getMapFromRecord(record, "props"),
		})
	}
	if err := result.Err(); err != nil {
		return nil, r.wrap(ctx, "get graph data", err)
	}

	query := fmt.Sprintf(`
		MATCH (a:%[1]s)-[rel]->(b:%[1]s)
		RETURN a.id AS source, b.id AS target,
		       coalesce(rel.%[2]s, type(rel)) AS relationship,
		       properties(rel) AS props
	`, nodeLabel, propRelationshipRaw)
	data.Edges, err = r.collectEdges(ctx, session, query, nil)
	if err != nil {
		return nil, r.wrap(ctx, "get graph data", err)
	}

	sortNodeRecords(data.Nodes)
	sortEdgeRecords(data.Edges)
	return data, nil
}

func (r *Neo4jStore) collectEdges(ctx context.Context, session neo4j.SessionWithContext, query string, params map[string]interface{}) ([]EdgeRecord, error) {
	result, err := session.Run(ctx, query, params)
	if err != nil {
		return nil, err
	}
	edges := []EdgeRecord{}
	for result.Next(ctx) {
		record := result.Record()
		props := getMapFromRecord(record, "props")
		delete(props, propRelationshipRaw)
		edges = append(edges, EdgeRecord{
			From:         getStringFromRecord(record, "source"),
			To:           getStringFromRecord(record, "target"),
			Relationship: getStringFromRecord(record, "relationship"),
			Properties:   props,
		})
	}
	return edges, result.Err()
}

// Query runs a Cypher statement. Node and relationship values in the result
// are flattened to their property maps.
func (r *Neo4jStore) Query(ctx context.Context, query string, params map[string]any) ([]map[string]any, error) {
	session := r.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	result, err := session.Run(ctx, query, params)
	if err != nil {
		return nil, r.wrap(ctx, "query", err)
	}
	rows := []map[string]any{}
	for result.Next(ctx) {
		record := result.Record()
		row := make(map[string]any, len(record.Keys))
		for i, key := range record.Keys {
			row[key] = flattenValue(record.Values[i])
		}
		rows = append(rows, row)
	}
	if err := result.Err(); err != nil {
		return nil, r.wrap(ctx, "query", err)
	}
	return rows, nil
}

// DeleteNode detaches and deletes a node
func (r *Neo4jStore) DeleteNode(ctx context.Context, id string) error {
	query := fmt.Sprintf("MATCH (n:%s {id: $id}) DETACH DELETE n", nodeLabel)
	_, err := r.write(ctx, "delete node", query, map[string]any{"id": id})
	return err
}

func (r *Neo4jStore) wrap(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return lgerrors.NewContextCancelled(op, ctx.Err())
	}
	r.logger.Debug("Neo4j operation failed", zap.String("op", op), zap.Error(err))
	return lgerrors.NewStoreQueryFailed(op, err)
}
