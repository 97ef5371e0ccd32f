package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"layergraph/backend/internal/bootstrap"
	"layergraph/backend/internal/extraction"
	"layergraph/backend/internal/graph"
	"layergraph/backend/internal/layered"
	"layergraph/backend/internal/persistence"
	"layergraph/backend/internal/telemetry"
	"layergraph/backend/pkg/config"
	lgerrors "layergraph/backend/pkg/errors"
	"layergraph/backend/pkg/logger"
)

// cli carries the dependencies shared by every command. Fields set before
// Execute are kept; the rest are filled in from the environment.
type cli struct {
	cfg   *config.Config
	log   *zap.Logger
	store graph.Store

	storeOverride string
	ownsStore     bool
	metrics       *telemetry.Metrics
	adapter       *persistence.Adapter
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:   "layerctl",
		Short: "Manage layered knowledge graphs",
		Long: `layerctl stores, inspects and builds layered knowledge graphs.

The graph store is chosen by GRAPH_STORE (neo4j, badger or memory) unless
--store is given. Other settings come from the environment or a .env file.`,
		SilenceUsage:       true,
		PersistentPreRunE:  c.setup,
		PersistentPostRunE: c.teardown,
	}
	root.PersistentFlags().StringVar(&c.storeOverride, "store", "", "graph store to use (neo4j, badger, memory)")

	root.AddCommand(
		c.seedCmd(),
		c.ingestCmd(),
		c.extractCmd(),
		c.reportCmd(),
		c.hierarchyCmd(),
		c.diffCmd(),
		c.enrichCmd(),
		c.exportCmd(),
		c.deleteCmd(),
	)
	return root
}

func (c *cli) setup(cmd *cobra.Command, _ []string) error {
	if c.cfg == nil {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		c.cfg = cfg
	}
	if c.storeOverride != "" {
		c.cfg.GraphStore = strings.ToLower(c.storeOverride)
		if err := c.cfg.Validate(); err != nil {
			return err
		}
	}
	if c.log == nil {
		if err := logger.Init(c.cfg.Env, c.cfg.LogLevel); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		c.log = logger.Get()
	}
	if c.store == nil {
		store, err := bootstrap.OpenStore(cmd.Context(), c.cfg, c.log)
		if err != nil {
			return err
		}
		c.store = store
		c.ownsStore = true
	}
	c.metrics = telemetry.New()
	c.adapter = bootstrap.NewAdapter(c.store, c.cfg, c.log, c.metrics)
	return nil
}

func (c *cli) teardown(cmd *cobra.Command, _ []string) error {
	return c.close(cmd.Context())
}

// close releases a store opened by setup. It is safe to call more than once,
// and main calls it again because cobra skips post-run hooks after an error.
func (c *cli) close(ctx context.Context) error {
	defer logger.Sync()
	if !c.ownsStore {
		return nil
	}
	c.ownsStore = false
	store := c.store
	c.store = nil
	return store.Close(ctx)
}

func (c *cli) seedCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Store a demo system-architecture graph",
		Long: `Store a four layer demo graph (infrastructure, software, business logic
and user interface) or the graph described by --file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data := demoGraph
			if file != "" {
				b, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("failed to read seed file: %w", err)
				}
				data = b
			}
			g, err := buildSeedGraph(data)
			if err != nil {
				return err
			}
			id, err := c.adapter.Store(cmd.Context(), g)
			if err != nil {
				return err
			}
			c.log.Info("Seed graph stored", zap.String("graph_id", id.String()))
			fmt.Fprintf(cmd.OutOrStdout(), "Stored graph %s (%d layers, %d nodes, %d edges)\n",
				id, g.LayerCount(), g.NodeCount(), g.EdgeCount())
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML seed document to store instead of the demo graph")
	return cmd
}

func (c *cli) ingestCmd() *cobra.Command {
	ingest := &cobra.Command{
		Use:   "ingest",
		Short: "Build graphs from external sources",
	}

	var noReadme bool
	github := &cobra.Command{
		Use:   "github <username>",
		Short: "Ingest a GitHub user's repositories, contributors and pull requests",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var builder *extraction.Builder
			if !noReadme {
				builder = bootstrap.NewBuilder(c.cfg, c.log, c.metrics)
			}
			pipeline := bootstrap.NewPipeline(c.cfg, builder, c.log, c.metrics)

			g, stats, err := pipeline.Run(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			id, err := c.adapter.Store(cmd.Context(), g)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored graph %s for %s\n", id, args[0])
			return writeJSON(cmd.OutOrStdout(), stats)
		},
	}
	github.Flags().BoolVar(&noReadme, "no-readme", false, "skip LLM extraction of README files")

	ingest.AddCommand(github)
	return ingest
}

func (c *cli) extractCmd() *cobra.Command {
	var name, layersPath string
	cmd := &cobra.Command{
		Use:   "extract <file>",
		Short: "Extract a layered graph from a text file with the configured LLM",
		Long: `Extract one layer per entry of the layer configuration from the file's
content. Layers come from --layers, then LAYER_CONFIG_PATH, then a single
default base layer.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			builder := bootstrap.NewBuilder(c.cfg, c.log, c.metrics)
			if builder == nil {
				return lgerrors.NewConfigMissingRequired("LITELLM_URL")
			}
			if layersPath == "" {
				layersPath = c.cfg.LayerConfigPath
			}
			configs, err := extraction.LoadLayerConfigs(layersPath)
			if err != nil {
				return err
			}
			content, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", args[0], err)
			}
			if name == "" {
				name = args[0]
			}

			g, stats, err := builder.BuildLayeredGraph(cmd.Context(), name, "Extracted from "+args[0], string(content), configs)
			if err != nil {
				return err
			}
			id, err := c.adapter.Store(cmd.Context(), g)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored graph %s\n", id)
			return writeJSON(cmd.OutOrStdout(), stats)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "graph name (defaults to the file name)")
	cmd.Flags().StringVar(&layersPath, "layers", "", "YAML layer configuration")
	return cmd
}

func (c *cli) reportCmd() *cobra.Command {
	var limit int
	var stamp bool
	cmd := &cobra.Command{
		Use:   "report <graph-id>",
		Short: "Print an analysis report for a stored graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseGraphID(args[0])
			if err != nil {
				return err
			}
			opts := layered.ReportOptions{CriticalLimit: limit}
			if stamp {
				opts.GeneratedAt = time.Now().UTC()
			}
			report, err := c.adapter.Report(cmd.Context(), id, opts)
			if err != nil {
				return err
			}
			_, err = io.WriteString(cmd.OutOrStdout(), report)
			return err
		},
	}
	cmd.Flags().IntVar(&limit, "critical-limit", 0, "number of critical components to list (default 10)")
	cmd.Flags().BoolVar(&stamp, "timestamp", false, "include the generation time in the report")
	return cmd
}

func (c *cli) hierarchyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hierarchy <graph-id>",
		Short: "Print the layer hierarchy of a stored graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseGraphID(args[0])
			if err != nil {
				return err
			}
			g, _, err := c.adapter.Retrieve(cmd.Context(), id)
			if err != nil {
				return err
			}
			children, err := c.adapter.LayerHierarchy(cmd.Context(), id)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s (%s)\n", g.Name, g.ID)
			for _, layer := range orderedLayers(g) {
				fmt.Fprintf(out, "%s [%s] %s\n", layer.Name, layer.LayerType, layer.ID)
				for _, child := range children[layer.ID] {
					fmt.Fprintf(out, "  -> %s\n", layerName(g, child))
				}
			}
			return nil
		},
	}
}

func (c *cli) diffCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diff <graph-id> <base-layer-id> <compare-layer-id>",
		Short: "Compare the own content of two layers of a stored graph",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseGraphID(args[0])
			if err != nil {
				return err
			}
			base, err := parseID("base-layer-id", args[1])
			if err != nil {
				return err
			}
			compare, err := parseID("compare-layer-id", args[2])
			if err != nil {
				return err
			}
			diff, err := c.adapter.DiffLayers(cmd.Context(), id, base, compare)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), diff)
		},
	}
}

func (c *cli) enrichCmd() *cobra.Command {
	var contentPath string
	var parents []string
	cmd := &cobra.Command{
		Use:   "enrich <graph-id> <enrichment-type>",
		Short: "Add an LLM enrichment layer to a stored graph",
		Long: `Add a layer of the given kind (classification, summarization, inference
or anything else) extracted from the content of the parent layers. Without
--parent every layer is a parent.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			builder := bootstrap.NewBuilder(c.cfg, c.log, c.metrics)
			if builder == nil {
				return lgerrors.NewConfigMissingRequired("LITELLM_URL")
			}
			id, err := parseGraphID(args[0])
			if err != nil {
				return err
			}
			parentIDs := make([]uuid.UUID, 0, len(parents))
			for _, p := range parents {
				pid, err := parseID("parent", p)
				if err != nil {
					return err
				}
				parentIDs = append(parentIDs, pid)
			}
			var content string
			if contentPath != "" {
				b, err := os.ReadFile(contentPath)
				if err != nil {
					return fmt.Errorf("failed to read %s: %w", contentPath, err)
				}
				content = string(b)
			}

			var stats *extraction.LayerStats
			err = c.adapter.Update(cmd.Context(), id, func(g *layered.LayeredGraph) error {
				var err error
				_, stats, err = builder.Enrich(cmd.Context(), g, args[1], content, parentIDs...)
				return err
			})
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), stats)
		},
	}
	cmd.Flags().StringVar(&contentPath, "content", "", "file with extra content for the model")
	cmd.Flags().StringSliceVar(&parents, "parent", nil, "parent layer id (repeatable)")
	return cmd
}

func (c *cli) exportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export <graph-id>",
		Short: "Print a stored graph as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseGraphID(args[0])
			if err != nil {
				return err
			}
			g, _, err := c.adapter.Retrieve(cmd.Context(), id)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), g.Export())
		},
	}
}

func (c *cli) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <graph-id>",
		Short: "Delete a stored graph with its layers, nodes and edges",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseGraphID(args[0])
			if err != nil {
				return err
			}
			deleted, err := c.adapter.Delete(cmd.Context(), id)
			if err != nil {
				return err
			}
			if !deleted {
				return lgerrors.NewNotFound(lgerrors.KindGraph, id.String())
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted graph %s\n", id)
			return nil
		},
	}
}

func parseGraphID(s string) (uuid.UUID, error) {
	return parseID("graph-id", s)
}

func parseID(field, s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, lgerrors.NewInvalidArgument(field, err.Error())
	}
	return id, nil
}

// orderedLayers lists parents before children, then any layers on a parent
// cycle in insertion order
func orderedLayers(g *layered.LayeredGraph) []*layered.Layer {
	var out []*layered.Layer
	seen := make(map[uuid.UUID]bool)
	for _, id := range g.TopologicalOrder() {
		if l, err := g.Layer(id); err == nil {
			out = append(out, l)
			seen[id] = true
		}
	}
	for _, l := range g.Layers() {
		if !seen[l.ID] {
			out = append(out, l)
		}
	}
	return out
}

func layerName(g *layered.LayeredGraph, id uuid.UUID) string {
	if l, err := g.Layer(id); err == nil {
		return l.Name
	}
	return id.String()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
