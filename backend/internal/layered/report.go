package layered

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

const defaultCriticalLimit = 10

// ReportOptions tunes GenerateReport. The report has no wall-clock content
// unless GeneratedAt is set, so the same graph always renders identically.
type ReportOptions struct {
	CriticalLimit int
	GeneratedAt   time.Time
}

// GenerateReport renders a plain-text report with fixed sections: Overview,
// Layer Details, Cross-Layer Relationships, Critical Components and Layer
// Dependencies. A nil analysis is computed from g.
func GenerateReport(g *LayeredGraph, analysis *Analysis, opts ReportOptions) string {
	if analysis == nil {
		analysis = g.Analyze()
	}
	limit := opts.CriticalLimit
	if limit <= 0 {
		limit = defaultCriticalLimit
	}

	layers := g.Layers()
	names := make(map[uuid.UUID]string, len(layers))
	for _, l := range layers {
		names[l.ID] = l.Name
	}
	layerName := func(id uuid.UUID) string {
		if n, ok := names[id]; ok {
			return n
		}
		return "Unknown"
	}

	var b strings.Builder
	rule := strings.Repeat("=", 80)
	section := func(title string) {
		b.WriteString("\n")
		b.WriteString(title)
		b.WriteString("\n")
		b.WriteString(strings.Repeat("-", 40))
		b.WriteString("\n")
	}

	b.WriteString(rule + "\n")
	fmt.Fprintf(&b, "LAYERED KNOWLEDGE GRAPH REPORT: %s\n", g.Name)
	if !opts.GeneratedAt.IsZero() {
		fmt.Fprintf(&b, "Generated on: %s\n", opts.GeneratedAt.UTC().Format("2006-01-02 15:04:05"))
	}
	b.WriteString(rule + "\n")

	section("1. OVERVIEW")
	fmt.Fprintf(&b, "Description: %s\n", g.Description)
	fmt.Fprintf(&b, "Number of layers: %d\n", len(layers))
	fmt.Fprintf(&b, "Total nodes: %d\n", g.NodeCount())
	fmt.Fprintf(&b, "Total edges: %d\n", g.EdgeCount())
	if s := analysis.Structure; s != nil {
		fmt.Fprintf(&b, "Maximum depth: %d\n", s.MaxDepth)
		if s.HasCycles {
			fmt.Fprintf(&b, "WARNING: parent cycle affects %d layer(s): %s\n", len(s.CycleLayers), joinNames(s.CycleLayers, layerName))
		}
	}

	section("2. LAYER DETAILS")
	for _, l := range layers {
		m := analysis.MetricsFor(l.ID)
		if m == nil {
			continue
		}
		parents := "None"
		if len(l.ParentLayers) > 0 {
			parents = joinNames(l.ParentLayers, layerName)
		}
		fmt.Fprintf(&b, "\nLayer: %s (ID: %s, Type: %s)\n", l.Name, l.ID, l.LayerType)
		fmt.Fprintf(&b, "Description: %s\n", l.Description)
		fmt.Fprintf(&b, "Parent Layers: %s\n", parents)
		fmt.Fprintf(&b, "Nodes: %d (Cumulative: %d)\n", m.NodeCount, m.CumulativeNodeCount)
		fmt.Fprintf(&b, "Edges: %d (Cumulative: %d)\n", m.EdgeCount, m.CumulativeEdgeCount)
		fmt.Fprintf(&b, "Density: %.4f\n", m.Density)
		b.WriteString("Node Types:\n")
		writeHistogram(&b, m.NodeTypes)
		b.WriteString("Relationship Types:\n")
		writeHistogram(&b, m.RelationshipTypes)
	}

	section("3. CROSS-LAYER RELATIONSHIPS")
	if len(analysis.Connections) == 0 {
		b.WriteString("No cross-layer relationships\n")
	}
	var current uuid.UUID
	for i, c := range analysis.Connections {
		if i == 0 || c.SourceLayerID != current {
			current = c.SourceLayerID
			fmt.Fprintf(&b, "\nConnections from %s (ID: %s):\n", layerName(c.SourceLayerID), c.SourceLayerID)
		}
		fmt.Fprintf(&b, "  - To %s (ID: %s): %d connections\n", layerName(c.TargetLayerID), c.TargetLayerID, c.Count)
	}

	section("4. CRITICAL COMPONENTS")
	if len(analysis.CriticalComponents) == 0 {
		b.WriteString("No critical components\n")
	}
	for i, c := range analysis.CriticalComponents {
		if i >= limit {
			break
		}
		fmt.Fprintf(&b, "\n%s (ID: %s, Type: %s)\n", c.Name, c.NodeID, c.NodeType)
		fmt.Fprintf(&b, "Layer: %s\n", layerName(c.LayerID))
		fmt.Fprintf(&b, "Total Connections: %d\n", c.TotalConnections)
		fmt.Fprintf(&b, "  - Incoming: %d\n", c.IncomingConnections)
		fmt.Fprintf(&b, "  - Outgoing: %d\n", c.OutgoingConnections)
		fmt.Fprintf(&b, "  - Cross-Layer: %d\n", c.CrossLayerConnections)
	}

	section("5. LAYER DEPENDENCIES")
	for _, d := range analysis.Dependencies {
		fmt.Fprintf(&b, "\n%s (ID: %s) depends on:\n", d.Layer.Name, d.Layer.ID)
		if len(d.DependsOn) == 0 {
			b.WriteString("  - No dependencies (base layer)\n")
			continue
		}
		for _, p := range d.DependsOn {
			fmt.Fprintf(&b, "  - %s (ID: %s, Type: %s)\n", p.Name, p.ID, p.LayerType)
		}
	}

	return b.String()
}

func writeHistogram(b *strings.Builder, counts map[string]int) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "  - %s: %d\n", k, counts[k])
	}
}

func joinNames(ids []uuid.UUID, name func(uuid.UUID) string) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = name(id)
	}
	return strings.Join(parts, ", ")
}
