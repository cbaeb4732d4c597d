package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/latticemesh/brcluster/pkg/box"
	"github.com/latticemesh/brcluster/pkg/boxlevel"
	"github.com/latticemesh/brcluster/pkg/brcluster"
	"github.com/latticemesh/brcluster/pkg/config"
	"github.com/latticemesh/brcluster/pkg/metrics"
	"github.com/latticemesh/brcluster/pkg/mpi"
	"github.com/latticemesh/brcluster/pkg/obslog"
	"github.com/latticemesh/brcluster/pkg/tagfield"
	"github.com/latticemesh/brcluster/pkg/tagfield/tagio"
)

type clusterFlags struct {
	configPath    string
	input         string
	outputDir     string
	ranks         int
	dim           int
	tagValue      int
	blocks        []string
	relationships string
}

func newClusterCmd() *cobra.Command {
	f := &clusterFlags{}
	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Cluster a tagged-cell CSV into a new box level over N simulated ranks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCluster(f)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&f.configPath, "config", "", "YAML tunables file (pkg/config.Config); defaults apply for anything unset")
	flags.StringVar(&f.input, "input", "", "tagged-cell CSV to read (required)")
	flags.StringVar(&f.outputDir, "output", "out", "directory to write per-rank accepted-box CSVs into")
	flags.IntVar(&f.ranks, "ranks", 1, "number of simulated MPI ranks")
	flags.IntVar(&f.dim, "dim", 2, "problem dimensionality")
	flags.IntVar(&f.tagValue, "tag-value", 1, "tag array value that marks a cell for refinement")
	flags.StringArrayVar(&f.blocks, "block", nil, "block bounding box as id:lo0,lo1,...:hi0,hi1,...; repeatable")
	flags.StringVar(&f.relationships, "relationships", "", "none|tag_to_new|bidirectional; overrides config's cluster.bidirectional")
	cmd.MarkFlagRequired("input")
	cmd.MarkFlagRequired("block")
	return cmd
}

func runCluster(f *clusterFlags) error {
	var cfg *config.Config
	if f.configPath != "" {
		loaded, err := config.LoadConfig(f.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	} else {
		cfg = config.LoadConfigFromEnv()
	}

	bounds, err := parseBlocks(f.blocks, f.dim)
	if err != nil {
		return err
	}

	cells, err := tagio.ReadTaggedCells(f.input, f.dim)
	if err != nil {
		return fmt.Errorf("reading %s: %w", f.input, err)
	}

	levels := partitionByRank(f.dim, f.tagValue, bounds, cells, f.ranks)

	relMode := relationshipMode(cfg, f.relationships)
	opts := buildOptions(cfg, f.dim, relMode)
	if err := opts.Validate(f.dim); err != nil {
		return err
	}

	net := mpi.NewNetwork(f.ranks)
	comms := net.Comms()

	log := obslog.For("cluster")

	outLevels := make([]*boxlevel.BoxLevel, f.ranks)
	connectors := make([]*boxlevel.Connector, f.ranks)
	bidirectional := relMode == brcluster.Bidirectional
	for r := 0; r < f.ranks; r++ {
		outLevels[r] = boxlevel.New(r)
		connectors[r] = boxlevel.NewConnector(bidirectional)
	}

	var g errgroup.Group
	for r := 0; r < f.ranks; r++ {
		r := r
		g.Go(func() error {
			cp := brcluster.NewCommonParams(comms[r], f.dim, opts, outLevels[r], connectors[r],
				metrics.New(nil), obslog.WithRank(log, r))
			return brcluster.Cluster(cp, levels[r])
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for r := 0; r < f.ranks; r++ {
		path := fmt.Sprintf("%s/rank-%d.csv", f.outputDir, r)
		if err := boxlevel.WriteBoxesCSV(path, f.dim, outLevels[r].OwnedBoxes()); err != nil {
			return err
		}
		log.Info("wrote accepted boxes", "rank", r, "path", path, "count", len(outLevels[r].OwnedBoxes()))
	}
	return nil
}

func relationshipMode(cfg *config.Config, flag string) brcluster.RelationshipMode {
	switch flag {
	case "none":
		return brcluster.RelationshipNone
	case "tag_to_new":
		return brcluster.TagToNew
	case "bidirectional":
		return brcluster.Bidirectional
	}
	if cfg.Cluster.Bidirectional {
		return brcluster.Bidirectional
	}
	return brcluster.RelationshipNone
}

func buildOptions(cfg *config.Config, dim int, relMode brcluster.RelationshipMode) brcluster.Options {
	opts := brcluster.DefaultOptions(dim)
	if len(cfg.Cluster.MaxBoxSize) == dim {
		opts.MaxBoxSize = cfg.Cluster.MaxBoxSize
	}
	if len(cfg.Cluster.MinBoxSize) == dim {
		opts.MinBoxSize = cfg.Cluster.MinBoxSize
		opts.MinBoxSizeFromCutting = cfg.Cluster.MinBoxSize
	}
	if cfg.Cluster.EfficiencyTolerance > 0 {
		opts.EfficiencyTol = cfg.Cluster.EfficiencyTolerance
	}
	if cfg.Cluster.CombineTolerance > 0 {
		opts.CombineTol = cfg.Cluster.CombineTolerance
	}
	if len(cfg.Cluster.GhostCellWidth) == dim {
		opts.GhostCellWidth = cfg.Cluster.GhostCellWidth
	}
	switch cfg.Owner.Mode {
	case "single_owner":
		opts.OwnerMode = brcluster.SingleOwner
	case "fewest_owned":
		opts.OwnerMode = brcluster.FewestOwned
	case "least_active":
		opts.OwnerMode = brcluster.LeastActive
	case "most_overlap", "":
		opts.OwnerMode = brcluster.MostOverlap
	}
	switch cfg.Advance.Mode {
	case "synchronous":
		opts.AdvanceMode = brcluster.Synchronous
	case "advance_any":
		opts.AdvanceMode = brcluster.AdvanceAny
	case "advance_some", "":
		opts.AdvanceMode = brcluster.AdvanceSome
	}
	opts.ComputeRelationships = relMode
	return opts
}

// parseBlocks parses repeated --block flags of the form
// "id:lo0,lo1,...:hi0,hi1,...".
func parseBlocks(raw []string, dim int) ([]box.Box, error) {
	out := make([]box.Box, 0, len(raw))
	for _, spec := range raw {
		parts := strings.Split(spec, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("--block %q: expected id:lo...:hi...", spec)
		}
		id, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, fmt.Errorf("--block %q: bad block id: %w", spec, err)
		}
		lo, err := parseIntCSV(parts[1], dim)
		if err != nil {
			return nil, fmt.Errorf("--block %q: bad lo: %w", spec, err)
		}
		hi, err := parseIntCSV(parts[2], dim)
		if err != nil {
			return nil, fmt.Errorf("--block %q: bad hi: %w", spec, err)
		}
		out = append(out, box.New(id, lo, hi))
	}
	return out, nil
}

func parseIntCSV(s string, dim int) ([]int, error) {
	fields := strings.Split(s, ",")
	if len(fields) != dim {
		return nil, fmt.Errorf("expected %d components, got %d", dim, len(fields))
	}
	out := make([]int, dim)
	for i, f := range fields {
		v, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// partitionByRank splits cells round-robin across ranks, modelling a
// distributed tag level where every rank sees the same global block bounds
// but only its own local patches.
func partitionByRank(dim, tagVal int, bounds []box.Box, cells []tagio.TaggedCell, ranks int) []*tagfield.MemoryTagLevel {
	levels := make([]*tagfield.MemoryTagLevel, ranks)
	for r := 0; r < ranks; r++ {
		levels[r] = tagfield.NewMemoryTagLevel(dim, tagVal)
		for _, b := range bounds {
			levels[r].AddBlockBound(b)
		}
	}
	for i, cell := range cells {
		r := i % ranks
		p := tagfield.NewArrayPatch(box.New(cell.BlockID, cell.Idx, cell.Idx))
		p.SetTag(cell.Idx, tagVal)
		levels[r].AddPatch(cell.BlockID, p)
	}
	return levels
}
