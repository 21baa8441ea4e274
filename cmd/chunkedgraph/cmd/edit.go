package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/connectomics/chunkedgraph/graph"
	"github.com/connectomics/chunkedgraph/idcodec"
)

var (
	editUser     string
	editA, editB uint64
	editAffinity float32

	editSources, editSinks []uint64
	editBBoxOffset         []int
)

var editCmd = &cobra.Command{
	Use:   "edit",
	Short: "Apply merge, split, or multicut edits to the graph",
}

var editMergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Merge two supervoxels with a new atomic edge",
	RunE:  runEditMerge,
}

var editSplitCmd = &cobra.Command{
	Use:   "split",
	Short: "Remove an explicit atomic edge",
	RunE:  runEditSplit,
}

var editMulticutCmd = &cobra.Command{
	Use:   "multicut",
	Short: "Split sources from sinks via a computed minimum cut",
	RunE:  runEditMulticut,
}

func init() {
	rootCmd.AddCommand(editCmd)
	editCmd.AddCommand(editMergeCmd, editSplitCmd, editMulticutCmd)

	for _, c := range []*cobra.Command{editMergeCmd, editSplitCmd, editMulticutCmd} {
		c.Flags().StringVar(&editUser, "user", "", "Acting user id, recorded in the operation log")
		c.MarkFlagRequired("user")
	}

	editMergeCmd.Flags().Uint64Var(&editA, "a", 0, "First supervoxel id")
	editMergeCmd.Flags().Uint64Var(&editB, "b", 0, "Second supervoxel id")
	editMergeCmd.Flags().Float32Var(&editAffinity, "affinity", 1, "Edge affinity (defaults to 1 if zero)")

	editSplitCmd.Flags().Uint64Var(&editA, "a", 0, "First supervoxel id")
	editSplitCmd.Flags().Uint64Var(&editB, "b", 0, "Second supervoxel id")

	editMulticutCmd.Flags().Uint64SliceVar(&editSources, "sources", nil, "Source supervoxel ids")
	editMulticutCmd.Flags().Uint64SliceVar(&editSinks, "sinks", nil, "Sink supervoxel ids")
	editMulticutCmd.Flags().IntSliceVar(&editBBoxOffset, "bbox-offset", nil, "x,y,z bounding-box inflation (default: the graph's configured default)")
}

func runEditMerge(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	layout := meta.Layout()
	ax, ay, az := layout.CoordsOf(idcodec.NodeID(editA))
	bx, by, bz := layout.CoordsOf(idcodec.NodeID(editB))

	result, err := editEngine.Merge(ctx, editUser,
		[]graph.Edge{{A: idcodec.NodeID(editA), B: idcodec.NodeID(editB), Affinity: editAffinity}},
		[3]uint32{ax, ay, az}, [3]uint32{bx, by, bz})
	if err != nil {
		return err
	}
	printEditResult(result)
	return nil
}

func runEditSplit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	layout := meta.Layout()
	ax, ay, az := layout.CoordsOf(idcodec.NodeID(editA))
	bx, by, bz := layout.CoordsOf(idcodec.NodeID(editB))

	result, err := editEngine.Split(ctx, editUser,
		[]graph.Edge{{A: idcodec.NodeID(editA), B: idcodec.NodeID(editB)}},
		[3]uint32{ax, ay, az}, [3]uint32{bx, by, bz})
	if err != nil {
		return err
	}
	printEditResult(result)
	return nil
}

func runEditMulticut(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if len(editSources) == 0 || len(editSinks) == 0 {
		return fmt.Errorf("multicut requires at least one --sources and one --sinks id")
	}
	layout := meta.Layout()

	sources := toNodeIDs(editSources)
	sinks := toNodeIDs(editSinks)

	sx, sy, sz := layout.CoordsOf(sources[0])
	kx, ky, kz := layout.CoordsOf(sinks[0])

	var bboxOffset [3]int
	for i := 0; i < len(editBBoxOffset) && i < 3; i++ {
		bboxOffset[i] = editBBoxOffset[i]
	}

	result, err := editEngine.Multicut(ctx, editUser, sources, sinks,
		[3]uint32{sx, sy, sz}, [3]uint32{kx, ky, kz}, bboxOffset)
	if err != nil {
		return err
	}
	printEditResult(result)
	return nil
}

func toNodeIDs(ids []uint64) []idcodec.NodeID {
	out := make([]idcodec.NodeID, len(ids))
	for i, id := range ids {
		out[i] = idcodec.NodeID(id)
	}
	return out
}

func printEditResult(result graph.EditResult) {
	fmt.Printf("operation %d\n", result.OperationID)
	fmt.Printf("new roots:\n")
	for _, id := range result.NewRootIDs {
		fmt.Printf("  %d\n", uint64(id))
	}
	fmt.Printf("new level-2 nodes:\n")
	for _, id := range result.NewLevel2IDs {
		fmt.Printf("  %d\n", uint64(id))
	}
}
