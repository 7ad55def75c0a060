// Command blowingoff is the client replica CLI: it keeps a local copy of
// the knowledge graph in sync with a funkygibbon server and runs the tool
// catalog against the local replica while offline.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	goodies "github.com/adrianco/the-goodies"
	"github.com/adrianco/the-goodies/internal/api"
	"github.com/adrianco/the-goodies/internal/config"
	"github.com/adrianco/the-goodies/internal/debug"
	"github.com/adrianco/the-goodies/internal/graph"
	"github.com/adrianco/the-goodies/internal/idgen"
	"github.com/adrianco/the-goodies/internal/inbetweenies"
	"github.com/adrianco/the-goodies/internal/replica"
	"github.com/adrianco/the-goodies/internal/storage"
	"github.com/adrianco/the-goodies/internal/storage/sqlite"
	"github.com/adrianco/the-goodies/internal/tools"
)

var (
	configPath string
	serverURL  string
	jsonOutput bool
	verbose    bool
	quiet      bool
)

var rootCmd = &cobra.Command{
	Use:     "blowingoff",
	Short:   "Smart-home knowledge graph replica",
	Version: goodies.Version,
	Long: `blowingoff maintains a local replica of a funkygibbon server's graph.

Reads and writes run against the local database and work offline; local
writes queue up and flow to the server on the next sync.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		debug.SetVerbose(verbose)
		debug.SetQuiet(quiet)
	},
}

// session bundles everything a subcommand needs against the local replica.
type session struct {
	cfg   *config.Config
	store *sqlite.Store
	mgr   *graph.Manager
	coord *replica.Coordinator
}

func openSession(cmd *cobra.Command) (*session, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if serverURL != "" {
		cfg.ServerURL = serverURL
	}
	ctx := cmd.Context()

	store, err := sqlite.New(ctx, cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	nodeID := cfg.NodeID
	if nodeID == "" {
		if nodeID, err = storage.EnsureNodeID(ctx, store, idgen.NewNodeID); err != nil {
			store.Close()
			return nil, err
		}
	}
	mgr, err := graph.NewManager(ctx, store, nodeID, graph.RoleClient)
	if err != nil {
		store.Close()
		return nil, err
	}
	mgr.SetTiebreakWindow(cfg.TiebreakWindow)

	engine := inbetweenies.NewEngine(mgr, api.NewClient(cfg.ServerURL), cfg.UserID)
	coord, err := replica.NewCoordinator(mgr, engine, cfg.DatabasePath+".lock", cfg.SyncInterval)
	if err != nil {
		store.Close()
		return nil, err
	}
	return &session{cfg: cfg, store: store, mgr: mgr, coord: coord}, nil
}

func (s *session) close() {
	s.coord.Close()
	s.store.Close()
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync the replica with the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.close()

		watch, _ := cmd.Flags().GetBool("watch")
		if watch {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			debug.PrintNormal("syncing every %s; ctrl-c to stop\n", s.cfg.SyncInterval)
			err := s.coord.Run(ctx)
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		res, err := s.coord.SyncNow(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return json.NewEncoder(os.Stdout).Encode(res)
		}
		debug.PrintNormal("pushed %d, applied %d, duplicates %d, conflicts %d (sequence %d)\n",
			res.Pushed, res.Applied, res.Duplicates, len(res.Conflicts), res.Sequence)
		for _, c := range res.Conflicts {
			debug.PrintNormal("  conflict on %s: %s (local %s vs server %s)\n",
				c.EntityID, c.Decision, c.LocalVersion, c.ServerVersion)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show replica sync status",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.close()

		st, err := s.coord.Status(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return json.NewEncoder(os.Stdout).Encode(st)
		}
		fmt.Printf("node:      %s\n", st.NodeID)
		fmt.Printf("health:    %s\n", st.Health)
		fmt.Printf("pending:   %d\n", st.Pending)
		fmt.Printf("cursor:    %s\n", st.Cursor)
		if !st.LastSync.IsZero() {
			fmt.Printf("last sync: %s\n", st.LastSync.Format(time.RFC3339))
		}
		if st.LastError != "" {
			fmt.Printf("error:     %s\n", st.LastError)
		}
		return nil
	},
}

var toolCmd = &cobra.Command{
	Use:   "tool <name> [json-args]",
	Short: "Run a tool against the local replica",
	Long: `Run one of the tool catalog operations against the local replica.

Writes are applied locally and queued for the next sync.

Examples:
  blowingoff tool search_entities '{"query":"kitchen light"}'
  blowingoff tool create_entity '{"type":"note","name":"Wifi","content":{"pw":"..."}}'`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.close()

		toolArgs := json.RawMessage(`{}`)
		if len(args) == 2 {
			toolArgs = json.RawMessage(args[1])
		}
		d := tools.NewDispatcher(s.mgr, s.cfg.UserID)
		res := d.Dispatch(cmd.Context(), args[0], toolArgs)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
		if !res.Success {
			os.Exit(1)
		}
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get <entity-id>",
	Short: "Show the current version of an entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.close()

		e, err := s.store.GetCurrent(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(e)
	},
}

var versionsCmd = &cobra.Command{
	Use:   "versions <entity-id>",
	Short: "List an entity's version history, oldest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.close()

		versions, err := s.store.ListVersions(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return json.NewEncoder(os.Stdout).Encode(versions)
		}
		for _, v := range versions {
			fmt.Println(v)
		}
		return nil
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "server base URL (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "emit JSON output")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress non-essential output")
	syncCmd.Flags().Bool("watch", false, "keep syncing on the configured interval")
	rootCmd.AddCommand(syncCmd, statusCmd, toolCmd, getCmd, versionsCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
