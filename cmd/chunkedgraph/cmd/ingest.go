package cmd

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/connectomics/chunkedgraph/idcodec"
	"github.com/connectomics/chunkedgraph/ingest"
)

var (
	ingestX, ingestY, ingestZ uint32
	ingestLayer               int
	ingestDir                 string
	ingestAggFile             string
	ingestLoaderVersion       int
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Build atomic and parent chunks from segmentation pipeline output",
}

var ingestAtomicCmd = &cobra.Command{
	Use:   "atomic",
	Short: "Build one atomic (layer-1) chunk",
	Long: `Build builds the level-2 nodes for one atomic chunk out of a
supervoxel list, in_chunk/between_chunk/cross_chunk edge files, and an
optional agglomeration pairing file, all read from --dir.`,
	RunE: runIngestAtomic,
}

var ingestParentCmd = &cobra.Command{
	Use:   "parent",
	Short: "Build one parent chunk out of its already-built children",
	RunE:  runIngestParent,
}

var ingestStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the ingest run's build progress",
	RunE:  runIngestStatus,
}

func init() {
	rootCmd.AddCommand(ingestCmd)
	ingestCmd.AddCommand(ingestAtomicCmd, ingestParentCmd, ingestStatusCmd)

	binName := BinName()
	ingestAtomicCmd.Example = fmt.Sprintf(`  %s ingest atomic --x 0 --y 0 --z 0 --dir ./data/chunk_0_0_0`, binName)
	ingestParentCmd.Example = fmt.Sprintf(`  %s ingest parent --x 0 --y 0 --z 0 --layer 3`, binName)

	for _, c := range []*cobra.Command{ingestAtomicCmd, ingestParentCmd} {
		c.Flags().Uint32Var(&ingestX, "x", 0, "Chunk x coordinate")
		c.Flags().Uint32Var(&ingestY, "y", 0, "Chunk y coordinate")
		c.Flags().Uint32Var(&ingestZ, "z", 0, "Chunk z coordinate")
	}

	ingestAtomicCmd.Flags().StringVar(&ingestDir, "dir", "", "Directory holding supervoxels.txt, in_chunk.bin, between_chunk.bin, cross_chunk.bin")
	ingestAtomicCmd.Flags().StringVar(&ingestAggFile, "agglomeration", "", "Optional zstd-compressed agglomeration pairing file, relative to --dir")
	ingestAtomicCmd.Flags().IntVar(&ingestLoaderVersion, "record-version", 2, "Raw edge record wire version")
	ingestAtomicCmd.MarkFlagRequired("dir")

	ingestParentCmd.Flags().IntVar(&ingestLayer, "layer", 3, "Target parent layer (must be > 2)")
}

func runIngestAtomic(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	log := GetLogger()
	layout := meta.Layout()

	chunk := layout.MustPack(1, ingestX, ingestY, ingestZ, 0)

	supervoxels, err := readSupervoxelList(filepath.Join(ingestDir, "supervoxels.txt"))
	if err != nil {
		return fmt.Errorf("read supervoxel list: %w", err)
	}

	loader := ingest.NewLocalEdgeLoader(ingestDir, ingestLoaderVersion)
	edges, err := loader.LoadChunkEdges(ctx, "", nil)
	if err != nil {
		return fmt.Errorf("load chunk edges: %w", err)
	}

	var agglomeration [][2]idcodec.NodeID
	if ingestAggFile != "" {
		agglomeration, err = loader.LoadAgglomeration(ctx, ingestAggFile)
		if err != nil {
			return fmt.Errorf("load agglomeration: %w", err)
		}
	}

	// No new fake edges from this CLI path; BuildAtomicChunk still merges in
	// and re-persists whatever fake edges an earlier pass stitched in.
	result, err := chunkBuild.BuildAtomicChunk(ctx, chunk, supervoxels,
		edges[ingest.EdgeKindInChunk], edges[ingest.EdgeKindBetweenChunk], edges[ingest.EdgeKindCrossChunk],
		agglomeration, nil)
	if err != nil {
		return fmt.Errorf("build atomic chunk: %w", err)
	}

	log.Info("built atomic chunk (%d,%d,%d): %d level-2 nodes, %d isolated supervoxels",
		ingestX, ingestY, ingestZ, len(result.Level2IDs), result.Isolated)
	return nil
}

func runIngestParent(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	log := GetLogger()
	layout := meta.Layout()

	if ingestLayer <= 2 {
		return fmt.Errorf("parent layer must be > 2, got %d", ingestLayer)
	}
	chunk := layout.MustPack(ingestLayer, ingestX, ingestY, ingestZ, 0)

	result, err := chunkBuild.BuildParentChunk(ctx, chunk, ingestLayer, hierarchy)
	if err != nil {
		return fmt.Errorf("build parent chunk: %w", err)
	}

	log.Info("built parent chunk layer %d (%d,%d,%d): %d nodes", ingestLayer, ingestX, ingestY, ingestZ, len(result.NodeIDs))
	return nil
}

func runIngestStatus(cmd *cobra.Command, args []string) error {
	snap := status.Snapshot()
	fmt.Printf("built:   %d\n", snap.Built)
	fmt.Printf("pending: %d\n", snap.Pending)
	fmt.Printf("failed:  %d\n", snap.Failed)
	for _, id := range snap.FailedIDs {
		reason, _ := status.FailedInfo(id)
		fmt.Printf("  chunk %d: %s\n", id, reason)
	}
	return nil
}

// readSupervoxelList parses one decimal supervoxel id per line.
func readSupervoxelList(path string) ([]idcodec.NodeID, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var ids []idcodec.NodeID
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		v, err := strconv.ParseUint(line, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid supervoxel id %q: %w", line, err)
		}
		ids = append(ids, idcodec.NodeID(v))
	}
	return ids, scanner.Err()
}
