package main

import (
	_ "embed"
	"fmt"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"layergraph/backend/internal/layered"
)

//go:embed demo.yaml
var demoGraph []byte

type seedFile struct {
	Name        string      `yaml:"name"`
	Description string      `yaml:"description"`
	Layers      []seedLayer `yaml:"layers"`
}

type seedLayer struct {
	Key         string     `yaml:"key"`
	Name        string     `yaml:"name"`
	Description string     `yaml:"description"`
	Type        string     `yaml:"type"`
	Parents     []string   `yaml:"parents"`
	Nodes       []seedNode `yaml:"nodes"`
	Edges       []seedEdge `yaml:"edges"`
}

type seedNode struct {
	Key         string `yaml:"key"`
	Name        string `yaml:"name"`
	Type        string `yaml:"type"`
	Description string `yaml:"description"`
}

type seedEdge struct {
	Source       string `yaml:"source"`
	Target       string `yaml:"target"`
	Relationship string `yaml:"relationship"`
}

// buildSeedGraph turns a seed document into a layered graph. Keys are local
// to the document; edges may reference nodes of any earlier layer.
func buildSeedGraph(data []byte) (*layered.LayeredGraph, error) {
	var doc seedFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}

	g := layered.NewLayeredGraph(doc.Name, doc.Description)
	layers := map[string]uuid.UUID{}
	nodes := map[string]uuid.UUID{}
	for _, sl := range doc.Layers {
		var parents []uuid.UUID
		for _, p := range sl.Parents {
			id, ok := layers[p]
			if !ok {
				return nil, fmt.Errorf("layer %q: unknown parent %q", sl.Key, p)
			}
			parents = append(parents, id)
		}
		layer := layered.NewLayer(sl.Name, sl.Description, sl.Type, parents...)
		if err := g.AddLayer(layer); err != nil {
			return nil, fmt.Errorf("layer %q: %w", sl.Key, err)
		}
		layers[sl.Key] = layer.ID

		for _, sn := range sl.Nodes {
			n := layered.NewNode(sn.Name, sn.Type, sn.Description, nil)
			if err := g.AddNode(n, layer.ID); err != nil {
				return nil, fmt.Errorf("node %q: %w", sn.Key, err)
			}
			nodes[sn.Key] = n.ID
		}
		for _, se := range sl.Edges {
			source, okS := nodes[se.Source]
			target, okT := nodes[se.Target]
			if !okS || !okT {
				return nil, fmt.Errorf("layer %q: edge %s -> %s references an unknown node", sl.Key, se.Source, se.Target)
			}
			if err := g.AddEdge(layered.NewEdge(source, target, se.Relationship, nil), layer.ID); err != nil {
				return nil, fmt.Errorf("edge %s -> %s: %w", se.Source, se.Target, err)
			}
		}
	}
	return g, nil
}
