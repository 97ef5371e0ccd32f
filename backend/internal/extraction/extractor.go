// Package extraction feeds content into layered graphs: LLM-driven layer
// extraction and ingestion of tagged record streams.
package extraction

import (
	"context"
	"fmt"
	"strings"

	"layergraph/backend/internal/adapter"
)

// ExtractedNode is a node as the model returns it. ID is local to one
// extraction and only used to resolve edges.
type ExtractedNode struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Type        string         `json:"type"`
	Description string         `json:"description"`
	Properties  map[string]any `json:"properties,omitempty"`
}

// ExtractedEdge references its endpoints by extracted id or by name
type ExtractedEdge struct {
	SourceNodeID     string         `json:"source_node_id"`
	TargetNodeID     string         `json:"target_node_id"`
	RelationshipName string         `json:"relationship_name"`
	Properties       map[string]any `json:"properties,omitempty"`
}

// KnowledgeGraph is the structured object requested from the model
type KnowledgeGraph struct {
	Summary     string          `json:"summary"`
	Description string          `json:"description"`
	Nodes       []ExtractedNode `json:"nodes"`
	Edges       []ExtractedEdge `json:"edges"`
}

// Validate rejects a graph with missing mandatory fields so nothing of it
// gets inserted
func (kg *KnowledgeGraph) Validate() error {
	for i, n := range kg.Nodes {
		if strings.TrimSpace(n.Name) == "" {
			return fmt.Errorf("nodes[%d]: name is required", i)
		}
	}
	for i, e := range kg.Edges {
		switch {
		case strings.TrimSpace(e.SourceNodeID) == "":
			return fmt.Errorf("edges[%d]: source_node_id is required", i)
		case strings.TrimSpace(e.TargetNodeID) == "":
			return fmt.Errorf("edges[%d]: target_node_id is required", i)
		case strings.TrimSpace(e.RelationshipName) == "":
			return fmt.Errorf("edges[%d]: relationship_name is required", i)
		}
	}
	return nil
}

// Extractor turns content into a knowledge graph, guided by prompt
type Extractor interface {
	Extract(ctx context.Context, prompt, content string) (*KnowledgeGraph, error)
}

// StructuredGenerator is the LLM capability the extractor needs
type StructuredGenerator interface {
	GenerateStructured(ctx context.Context, systemPrompt, userMsg string, schema adapter.Schema, out any) error
}

const systemPrompt = `You are a knowledge graph extraction system.
Extract entities as nodes and the relationships between them as edges.
Give every node a short unique id, a name, a type and a one sentence description.
Edges reference nodes by id. Relationship names are UPPER_SNAKE_CASE verbs.
Only extract what the content supports.`

// KnowledgeGraphSchema is the JSON schema of KnowledgeGraph
var KnowledgeGraphSchema = adapter.Schema{
	Name:        "knowledge_graph",
	Description: "Nodes and edges extracted from the content",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"summary":     map[string]any{"type": "string"},
			"description": map[string]any{"type": "string"},
			"nodes": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"id":          map[string]any{"type": "string"},
						"name":        map[string]any{"type": "string"},
						"type":        map[string]any{"type": "string"},
						"description": map[string]any{"type": "string"},
						"properties":  map[string]any{"type": "object"},
					},
					"required": []string{"id", "name", "type"},
				},
			},
			"edges": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"source_node_id":    map[string]any{"type": "string"},
						"target_node_id":    map[string]any{"type": "string"},
						"relationship_name": map[string]any{"type": "string"},
						"properties":        map[string]any{"type": "object"},
					},
					"required": []string{"source_node_id", "target_node_id", "relationship_name"},
				},
			},
		},
		"required": []string{"nodes", "edges"},
	},
}

// LLMExtractor extracts knowledge graphs through a structured LLM call
type LLMExtractor struct {
	llm StructuredGenerator
}

func NewLLMExtractor(llm StructuredGenerator) *LLMExtractor {
	return &LLMExtractor{llm: llm}
}

// Extract prefixes content with prompt, as the layer configuration intends
func (e *LLMExtractor) Extract(ctx context.Context, prompt, content string) (*KnowledgeGraph, error) {
	msg := content
	if prompt != "" {
		msg = prompt + "\n\nContent: " + content
	}
	var kg KnowledgeGraph
	if err := e.llm.GenerateStructured(ctx, systemPrompt, msg, KnowledgeGraphSchema, &kg); err != nil {
		return nil, err
	}
	return &kg, nil
}
