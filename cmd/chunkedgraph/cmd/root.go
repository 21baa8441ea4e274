package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/connectomics/chunkedgraph/graph"
	"github.com/connectomics/chunkedgraph/graphmeta"
	"github.com/connectomics/chunkedgraph/ingest"
	"github.com/connectomics/chunkedgraph/lock"
	"github.com/connectomics/chunkedgraph/mincut"
	"github.com/connectomics/chunkedgraph/pkg/utils"
	"github.com/connectomics/chunkedgraph/store"
)

var (
	verbose    bool
	configPath string

	backendKind string
	dbType      string
	dbHost      string
	dbPort      int
	dbName      string
	dbUser      string
	dbPassword  string
	dbMaxConns  int

	logger     utils.Logger
	meta       *graphmeta.Meta
	backend    store.Backend
	hierarchy  *graph.HierarchyReader
	allocator  *store.IdAllocator
	locker     *lock.Manager
	lineage    *graph.Lineage
	editEngine *graph.EditEngine
	status     *ingest.Status
	chunkBuild *ingest.ChunkBuilder
)

// rootCmd is the chunkedgraph CLI entry point: a thin operator surface over
// the graph/graphmeta/store/ingest packages, wiring one concrete backend
// and running a single command per invocation.
var rootCmd = &cobra.Command{
	Use:   "chunkedgraph",
	Short: "Operate a chunked connectomics supervoxel graph",
	Long: `chunkedgraph builds, queries, and edits a chunked hierarchical
supervoxel graph: ingesting atomic and parent chunks from segmentation
pipeline output, answering parent/children/root lookups, and applying
merge/split/multicut edits.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logLevel := utils.LevelInfo
		if verbose {
			logLevel = utils.LevelDebug
		}
		logger = utils.NewDefaultLogger(logLevel, os.Stdout)

		if cmd.Name() == "version" {
			return nil
		}
		return initGraph()
	},
}

// Execute adds all child commands to the root command and runs it, returning
// any error instead of exiting directly so callers can run deferred cleanup
// (e.g. telemetry shutdown) before the process exits.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to graph settings config file (searches ./configs and /etc/chunkedgraph if empty)")

	rootCmd.PersistentFlags().StringVar(&backendKind, "backend", "memory", "Storage backend: memory (standalone/demo) or sql (postgres/mysql/sqlite)")
	rootCmd.PersistentFlags().StringVar(&dbType, "db-type", "postgres", "SQL dialect: postgres, mysql, or sqlite")
	rootCmd.PersistentFlags().StringVar(&dbHost, "db-host", "localhost", "SQL backend host")
	rootCmd.PersistentFlags().IntVar(&dbPort, "db-port", 5432, "SQL backend port")
	rootCmd.PersistentFlags().StringVar(&dbName, "db-name", "chunkedgraph", "SQL backend database name")
	rootCmd.PersistentFlags().StringVar(&dbUser, "db-user", "", "SQL backend user")
	rootCmd.PersistentFlags().StringVar(&dbPassword, "db-password", "", "SQL backend password")
	rootCmd.PersistentFlags().IntVar(&dbMaxConns, "db-max-conns", 10, "SQL backend connection pool size")

	binName := BinName()
	rootCmd.Example = `  # Build an atomic chunk from local segmentation pipeline output
  ` + binName + ` ingest atomic --x 0 --y 0 --z 0 --dir ./data/chunk_0_0_0

  # Build the next parent layer once its children are built
  ` + binName + ` ingest parent --x 0 --y 0 --z 0 --layer 3

  # Look up a node's root
  ` + binName + ` node root --id 1234

  # Merge two supervoxels
  ` + binName + ` edit merge --user alice --a 1111 --b 2222`
}

// GetLogger returns the CLI's configured logger.
func GetLogger() utils.Logger { return logger }

// BinName returns the base name of the current executable.
func BinName() string { return filepath.Base(os.Args[0]) }

// initGraph wires together the graph settings, storage backend, and the
// reader/writer/ingest layers built on top of it, once per invocation.
func initGraph() error {
	settings, err := graphmeta.Load(configPath)
	if err != nil {
		return fmt.Errorf("load graph settings: %w", err)
	}
	meta, err = graphmeta.NewMeta(settings)
	if err != nil {
		return fmt.Errorf("build graph meta: %w", err)
	}

	backend, err = newBackend()
	if err != nil {
		return fmt.Errorf("open backend: %w", err)
	}

	clock := utils.NewRealClock()
	hierarchy = graph.NewHierarchyReader(backend, meta, clock, logger)
	allocator = store.NewIdAllocator(backend, meta)
	locker = lock.NewManager(backend, meta, clock, logger)
	lineage = graph.NewLineage(backend, meta)
	editEngine = graph.NewEditEngine(backend, meta, hierarchy, lineage, allocator, locker, mincut.Cutter{}, clock, logger)

	status = ingest.NewStatus(0)
	chunkBuild = ingest.NewChunkBuilder(backend, meta, status)

	return nil
}

func newBackend() (store.Backend, error) {
	switch backendKind {
	case "memory", "":
		return store.NewMemoryBackend(), nil
	case "sql":
		db, err := store.NewGormDB(store.DBConfig{
			Type:     store.DBType(dbType),
			Host:     dbHost,
			Port:     dbPort,
			Database: dbName,
			User:     dbUser,
			Password: dbPassword,
			MaxConns: dbMaxConns,
		})
		if err != nil {
			return nil, err
		}
		return store.NewSQLBackend(db), nil
	default:
		return nil, fmt.Errorf("unknown backend %q (valid: memory, sql)", backendKind)
	}
}
