package layered

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hubGraph has one node connected to four others across two layers
func hubGraph(t *testing.T) (*LayeredGraph, *GraphNode) {
	t.Helper()
	g := NewLayeredGraph("hub", "hub and spokes")
	core := NewLayer("Core", "", LayerTypeBase)
	require.NoError(t, g.AddLayer(core))
	edge := NewLayer("Edge", "", LayerTypeDerived, core.ID)
	require.NoError(t, g.AddLayer(edge))

	hub := NewNode("Hub", "Service", "", nil)
	require.NoError(t, g.AddNode(hub, core.ID))
	for i, name := range []string{"s1", "s2", "s3", "s4"} {
		layer := core.ID
		if i%2 == 1 {
			layer = edge.ID
		}
		spoke := NewNode(name, "Client", "", nil)
		require.NoError(t, g.AddNode(spoke, layer))
		require.NoError(t, g.AddEdge(NewEdge(spoke.ID, hub.ID, "CALLS", nil), layer))
	}
	return g, hub
}

func TestAnalyze_CriticalComponentsAndConnections(t *testing.T) {
	g, hub := hubGraph(t)
	a := g.Analyze()

	require.NotEmpty(t, a.CriticalComponents)
	top := a.CriticalComponents[0]
	assert.Equal(t, hub.ID, top.NodeID)
	assert.Equal(t, 4, top.IncomingConnections)
	assert.Equal(t, 2, top.CrossLayerConnections)
	assert.Len(t, a.CriticalComponents, 1)

	require.Len(t, a.Connections, 1)
	assert.Equal(t, 2, a.Connections[0].Count)
	assert.Len(t, a.CrossLayer, 2)
	assert.Len(t, a.Metrics, 2)
	require.Len(t, a.Dependencies, 2)
	assert.Empty(t, a.Dependencies[0].DependsOn)
	assert.Equal(t, "Core", a.Dependencies[1].DependsOn[0].Name)
}

func TestGenerateReport_SectionsAndDeterminism(t *testing.T) {
	g, _ := hubGraph(t)

	first := GenerateReport(g, nil, ReportOptions{})
	second := GenerateReport(g, g.Analyze(), ReportOptions{})
	assert.Equal(t, first, second)
	assert.NotContains(t, first, "Generated on")

	sections := []string{
		"1. OVERVIEW",
		"2. LAYER DETAILS",
		"3. CROSS-LAYER RELATIONSHIPS",
		"4. CRITICAL COMPONENTS",
		"5. LAYER DEPENDENCIES",
	}
	last := -1
	for _, s := range sections {
		idx := strings.Index(first, s)
		require.NotEqual(t, -1, idx, s)
		assert.Greater(t, idx, last, s)
		last = idx
	}
	assert.Contains(t, first, "LAYERED KNOWLEDGE GRAPH REPORT: hub")
	assert.Contains(t, first, "Hub (ID: ")
	assert.Contains(t, first, "No dependencies (base layer)")

	stamped := GenerateReport(g, nil, ReportOptions{GeneratedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)})
	assert.Contains(t, stamped, "Generated on: 2024-05-01 12:00:00")
}

func TestExport_CarriesLayerNames(t *testing.T) {
	f := buildChain(t)
	ex := f.g.Export()

	assert.Len(t, ex.Layers, 3)
	require.Len(t, ex.Nodes, 4)
	require.Len(t, ex.Edges, 3)
	for _, n := range ex.Nodes {
		if n.ID == f.d.ID {
			assert.Equal(t, "Leaf", n.LayerName)
		}
	}
	assert.Equal(t, "Base", ex.Edges[0].LayerName)
	assert.Equal(t, "RELATES_TO", ex.Edges[0].Relationship)
}
