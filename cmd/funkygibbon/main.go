// Command funkygibbon is the smart-home knowledge-graph server: it owns the
// authoritative entity store and change log, and serves the sync protocol
// and tool catalog over HTTP.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	goodies "github.com/adrianco/the-goodies"
	"github.com/adrianco/the-goodies/internal/api"
	"github.com/adrianco/the-goodies/internal/config"
	"github.com/adrianco/the-goodies/internal/debug"
	"github.com/adrianco/the-goodies/internal/graph"
	"github.com/adrianco/the-goodies/internal/idgen"
	"github.com/adrianco/the-goodies/internal/storage"
	"github.com/adrianco/the-goodies/internal/storage/sqlite"
	"github.com/adrianco/the-goodies/internal/telemetry"
)

var (
	configPath string
	jsonOutput bool
	verbose    bool
	quiet      bool
)

var rootCmd = &cobra.Command{
	Use:     "funkygibbon",
	Short:   "Smart-home knowledge graph server",
	Version: goodies.Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		debug.SetVerbose(verbose)
		debug.SetQuiet(quiet)
	},
	Long: `funkygibbon serves the authoritative smart-home knowledge graph.

Clients (blowingoff replicas) push and pull changes through the sync
endpoint; the graph is also queryable directly through the tool catalog.

Configuration is read from a YAML file (--config) with GOODIES_* environment
overrides.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cfg.LogFile != "" {
			log.SetOutput(&lumberjack.Logger{
				Filename:   cfg.LogFile,
				MaxSize:    50, // MiB
				MaxBackups: 3,
				MaxAge:     28, // days
				Compress:   true,
			})
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := telemetry.Init(ctx, "funkygibbon", goodies.Version); err != nil {
			return err
		}
		defer telemetry.Shutdown(context.Background())

		store, err := sqlite.New(ctx, cfg.DatabasePath)
		if err != nil {
			return err
		}
		defer store.Close()

		nodeID := cfg.NodeID
		if nodeID == "" {
			if nodeID, err = storage.EnsureNodeID(ctx, store, idgen.NewNodeID); err != nil {
				return err
			}
		}
		mgr, err := graph.NewManager(ctx, store, nodeID, graph.RoleServer)
		if err != nil {
			return err
		}
		mgr.SetTiebreakWindow(cfg.TiebreakWindow)

		srv := api.NewServer(mgr, cfg.ListenAddr, cfg.UserID)
		log.Printf("funkygibbon %s serving on %s (node %s, db %s)",
			goodies.Version, cfg.ListenAddr, nodeID, cfg.DatabasePath)
		return srv.Start(ctx)
	},
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Scan the database for corruption and inconsistencies",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		store, err := sqlite.New(cmd.Context(), cfg.DatabasePath)
		if err != nil {
			return err
		}
		defer store.Close()

		findings, err := store.RepairScan(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return json.NewEncoder(os.Stdout).Encode(findings)
		}
		if len(findings) == 0 {
			debug.PrintNormal("ok: no problems found\n")
			return nil
		}
		for _, f := range findings {
			fmt.Printf("%s %s: %s\n", f.Table, f.Key, f.Problem)
		}
		return fmt.Errorf("%d problem(s) found", len(findings))
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print aggregate graph statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		store, err := sqlite.New(cmd.Context(), cfg.DatabasePath)
		if err != nil {
			return err
		}
		defer store.Close()

		mgr, err := graph.NewManager(cmd.Context(), store, "stats", graph.RoleServer)
		if err != nil {
			return err
		}
		stats, err := mgr.Statistics(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return json.NewEncoder(os.Stdout).Encode(stats)
		}
		fmt.Printf("entities:      %d\n", stats.TotalEntities)
		fmt.Printf("tombstones:    %d\n", stats.Tombstones)
		fmt.Printf("relationships: %d\n", stats.TotalRelationships)
		fmt.Printf("sequence:      %d\n", stats.LastSequence)
		for typ, n := range stats.EntitiesByType {
			fmt.Printf("  %-12s %d\n", typ, n)
		}
		return nil
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "emit JSON output")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress non-essential output")
	rootCmd.AddCommand(serveCmd, doctorCmd, statsCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
