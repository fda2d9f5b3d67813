package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/kestrelo/driftline/internal/config"
	"github.com/kestrelo/driftline/internal/engine"
	"github.com/kestrelo/driftline/internal/logging"
	"github.com/kestrelo/driftline/internal/mcp"
	"github.com/kestrelo/driftline/internal/store"
)

// newCLIApp creates the CLI application with all commands.
func newCLIApp() *cli.App {
	app := &cli.App{
		Name:    "driftline",
		Usage:   "Incremental trend clustering over discussion threads",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "Config file path"},
			&cli.StringFlag{Name: "db", Usage: "Database path (overrides config)"},
		},
		Commands: []*cli.Command{
			runCmd(),
			themesCmd(),
			historyCmd(),
			surgesCmd(),
			runsCmd(),
			statsCmd(),
			mcpCmd(),
		},
	}
	return app
}

// openStore loads config and opens the database for a command invocation.
func openStore(c *cli.Context) (*store.Store, config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, cfg, err
	}
	if db := c.String("db"); db != "" {
		cfg.DBPath = db
	}
	st, err := store.Open(store.Config{DBPath: cfg.DBPath, Dims: cfg.Dims})
	if err != nil {
		return nil, cfg, fmt.Errorf("opening store: %w", err)
	}
	return st, cfg, nil
}

func runCmd() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Execute one clustering run over a JSON batch of embedded items",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "input", Aliases: []string{"i"}, Usage: "Batch JSON file ('-' for stdin)", Value: "-"},
			&cli.StringFlag{Name: "ref", Usage: "Reference time (RFC3339, default now)"},
			&cli.BoolFlag{Name: "quiet", Aliases: []string{"q"}, Usage: "Suppress run-stage logging"},
		},
		Action: func(c *cli.Context) error {
			st, cfg, err := openStore(c)
			if err != nil {
				return err
			}
			defer st.Close()

			batch, err := readBatch(c.String("input"))
			if err != nil {
				return err
			}
			if ref := c.String("ref"); ref != "" {
				t, err := time.Parse(time.RFC3339, ref)
				if err != nil {
					return fmt.Errorf("parsing --ref: %w", err)
				}
				batch.ReferenceTime = t
			}

			log := logging.NewLogger()
			if c.Bool("quiet") {
				log = logging.NewQuietLogger()
			}
			coord, err := engine.NewCoordinator(engine.Config{
				Dims:                 cfg.Dims,
				MergeThreshold:       cfg.MergeThreshold,
				ThemeMergeSimilarity: cfg.ThemeMergeSimilarity,
				CommentWeight:        cfg.CommentWeight,
				HalfLifeDays:         cfg.HalfLifeDays,
				SurgeRatio:           cfg.SurgeRatio,
				InactiveRuns:         cfg.InactiveRuns,
				WindowWeeks:          cfg.WindowWeeks,
			}, st, log)
			if err != nil {
				return err
			}

			summary, err := coord.Run(c.Context, *batch)
			if err != nil {
				return err
			}
			return outputJSON(summary)
		},
	}
}

func themesCmd() *cli.Command {
	return &cli.Command{
		Name:  "themes",
		Usage: "List themes with their current scores",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "all", Usage: "Include inactive themes"},
		},
		Action: func(c *cli.Context) error {
			st, _, err := openStore(c)
			if err != nil {
				return err
			}
			defer st.Close()

			var themes []*engine.Theme
			if c.Bool("all") {
				themes, err = st.LoadAllThemes(c.Context)
			} else {
				themes, err = st.LoadActiveThemes(c.Context)
			}
			if err != nil {
				return err
			}
			return outputJSON(themeViews(themes))
		},
	}
}

func historyCmd() *cli.Command {
	return &cli.Command{
		Name:      "history",
		Usage:     "Show the per-run snapshot history of one theme",
		ArgsUsage: "<theme-id>",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Usage: "Maximum snapshots (default all)"},
		},
		Action: func(c *cli.Context) error {
			var themeID int64
			if _, err := fmt.Sscanf(c.Args().First(), "%d", &themeID); err != nil {
				return fmt.Errorf("theme-id argument required")
			}

			st, _, err := openStore(c)
			if err != nil {
				return err
			}
			defer st.Close()

			if _, err := st.GetTheme(c.Context, themeID); err != nil {
				return err
			}
			snaps, err := st.ListSnapshots(c.Context, themeID, c.Int("limit"))
			if err != nil {
				return err
			}
			return outputJSON(snaps)
		},
	}
}

func surgesCmd() *cli.Command {
	return &cli.Command{
		Name:  "surges",
		Usage: "List term surges flagged in a run (default: latest)",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "run", Usage: "Run ID"},
		},
		Action: func(c *cli.Context) error {
			st, _, err := openStore(c)
			if err != nil {
				return err
			}
			defer st.Close()

			runID := c.String("run")
			if runID == "" {
				runID, err = st.LatestRunID(c.Context)
				if err != nil {
					return err
				}
				if runID == "" {
					return outputJSON([]store.SurgeRecord{})
				}
			}
			surges, err := st.ListSurges(c.Context, runID)
			if err != nil {
				return err
			}
			return outputJSON(surges)
		},
	}
}

func runsCmd() *cli.Command {
	return &cli.Command{
		Name:  "runs",
		Usage: "Show the run log, newest first",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Value: 20, Usage: "Maximum runs to show"},
		},
		Action: func(c *cli.Context) error {
			st, _, err := openStore(c)
			if err != nil {
				return err
			}
			defer st.Close()

			runs, err := st.ListRuns(c.Context, c.Int("limit"))
			if err != nil {
				return err
			}
			return outputJSON(runs)
		},
	}
}

func statsCmd() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Show store statistics",
		Action: func(c *cli.Context) error {
			st, _, err := openStore(c)
			if err != nil {
				return err
			}
			defer st.Close()

			stats, err := st.GetStats(c.Context)
			if err != nil {
				return err
			}
			return outputJSON(stats)
		},
	}
}

func mcpCmd() *cli.Command {
	return &cli.Command{
		Name:  "mcp",
		Usage: "Serve read-only MCP tools over stdio",
		Action: func(c *cli.Context) error {
			st, _, err := openStore(c)
			if err != nil {
				return err
			}
			defer st.Close()

			srv := mcp.NewServer(mcp.ServerConfig{Store: st, Version: Version})
			return mcp.ServeStdio(srv)
		},
	}
}

func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
