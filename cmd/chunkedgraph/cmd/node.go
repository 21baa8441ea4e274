package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/connectomics/chunkedgraph/idcodec"
)

var (
	nodeID      uint64
	nodeLayer   int
	nodeAt      string
	nodeRetries int
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Query node hierarchy: root, parent, children",
}

var nodeRootCmd = &cobra.Command{
	Use:   "root",
	Short: "Resolve a node's current root",
	RunE:  runNodeRoot,
}

var nodeParentCmd = &cobra.Command{
	Use:   "parent",
	Short: "Print a node's current parent",
	RunE:  runNodeParent,
}

var nodeChildrenCmd = &cobra.Command{
	Use:   "children",
	Short: "List a node's current children",
	RunE:  runNodeChildren,
}

func init() {
	rootCmd.AddCommand(nodeCmd)
	nodeCmd.AddCommand(nodeRootCmd, nodeParentCmd, nodeChildrenCmd)

	for _, c := range []*cobra.Command{nodeRootCmd, nodeParentCmd, nodeChildrenCmd} {
		c.Flags().Uint64Var(&nodeID, "id", 0, "Node id")
		c.Flags().StringVar(&nodeAt, "at", "", "Point in time to query, RFC3339 (default now)")
		c.MarkFlagRequired("id")
	}
	nodeRootCmd.Flags().IntVar(&nodeLayer, "stop-layer", 0, "Layer to stop climbing at (default root layer)")
	nodeRootCmd.Flags().IntVar(&nodeRetries, "retries", 3, "Number of climb attempts before giving up")
}

func queryTime() (time.Time, error) {
	if nodeAt == "" {
		return time.Now(), nil
	}
	return time.Parse(time.RFC3339, nodeAt)
}

func runNodeRoot(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	at, err := queryTime()
	if err != nil {
		return fmt.Errorf("invalid --at: %w", err)
	}
	root, err := hierarchy.Root(ctx, idcodec.NodeID(nodeID), at, nodeLayer, nodeRetries)
	if err != nil {
		return err
	}
	fmt.Println(uint64(root))
	return nil
}

func runNodeParent(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	at, err := queryTime()
	if err != nil {
		return fmt.Errorf("invalid --at: %w", err)
	}
	parent, ok, err := hierarchy.Parent(ctx, idcodec.NodeID(nodeID), at)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("(none)")
		return nil
	}
	fmt.Println(uint64(parent))
	return nil
}

func runNodeChildren(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out, err := hierarchy.Children(ctx, []idcodec.NodeID{idcodec.NodeID(nodeID)})
	if err != nil {
		return err
	}
	for _, child := range out[idcodec.NodeID(nodeID)] {
		fmt.Println(uint64(child))
	}
	return nil
}
