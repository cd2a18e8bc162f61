// ============================================================================
// evalsearch CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: cobra command tree for the scheduler server and its clients
//
// Command Structure:
//   evalsearch                          # Root command
//   ├── run                             # Start the scheduler server
//   ├── schedule <job>                  # Queue a fresh run      (gRPC)
//   ├── resume <folder>                 # Queue a resume         (gRPC)
//   ├── terminate <job>                 # Remove or cancel a job (gRPC)
//   ├── queue                           # Show scheduled job ids (gRPC)
//   ├── status                          # Show a client's jobs   (gRPC)
//   ├── folders                         # List checkpoint folders (local)
//   ├── history <job>                   # List past runs         (local)
//   └── validate <file>...              # Check job definition files
//
// Persistent flags:
//   --config, -c   YAML config file (default: configs/default.yaml)
//   --server       gRPC address, overrides server.grpc_addr
//   --client       client id used by the client commands
//
// Signal Handling:
//   run stops on SIGINT or SIGTERM: running jobs are cancelled, their
//   checkpoints stay resumable, queued requests are dropped.
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/ChuLiYu/evalsearch/internal/config"
	"github.com/ChuLiYu/evalsearch/internal/definition"
	"github.com/ChuLiYu/evalsearch/internal/logging"
	"github.com/ChuLiYu/evalsearch/internal/runner"
	"github.com/ChuLiYu/evalsearch/internal/scheduler"
	"github.com/ChuLiYu/evalsearch/internal/server"
	"github.com/ChuLiYu/evalsearch/internal/store"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "0.1.0"

const rpcTimeout = 10 * time.Second

type options struct {
	configFile string
	serverAddr string
	clientID   string
}

func BuildCLI() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "evalsearch",
		Short: "evalsearch: a resumable parameter-search scheduler",
		Long: `evalsearch runs parameter searches for evaluation jobs:
- checkpointed, resumable search logs
- grid, random and pattern strategies
- bounded parallel scheduling with per-client status
- Prometheus metrics and SQLite run history`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "configs/default.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&opts.serverAddr, "server", "", "scheduler gRPC address (default from config)")
	rootCmd.PersistentFlags().StringVar(&opts.clientID, "client", defaultClientID(), "client id")

	rootCmd.AddCommand(buildRunCommand(opts))
	rootCmd.AddCommand(buildScheduleCommand(opts))
	rootCmd.AddCommand(buildResumeCommand(opts))
	rootCmd.AddCommand(buildTerminateCommand(opts))
	rootCmd.AddCommand(buildQueueCommand(opts))
	rootCmd.AddCommand(buildStatusCommand(opts))
	rootCmd.AddCommand(buildFoldersCommand(opts))
	rootCmd.AddCommand(buildHistoryCommand(opts))
	rootCmd.AddCommand(buildValidateCommand(opts))

	return rootCmd
}

func defaultClientID() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "default"
}

func (o *options) loadConfig() (config.Config, error) {
	cfg, err := config.LoadOrDefault(o.configFile)
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the scheduler server",
		Long:  "Load job definitions, start the scheduler, and serve the gRPC and HTTP APIs until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}
}

func runServer(ctx context.Context, cfg config.Config) error {
	level, _ := logging.ParseLevel(cfg.Logging.Level)
	logger := logging.NewLogger(level, cfg.Logging.Format)

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return a.Serve(ctx)
}

// ============================================================================
// Client commands (gRPC)
// ============================================================================

// withClient dials the scheduler service and runs fn with a bounded context.
func (o *options) withClient(cmd *cobra.Command, fn func(ctx context.Context, c *server.Client) error) error {
	addr := o.serverAddr
	if addr == "" {
		cfg, err := o.loadConfig()
		if err != nil {
			return err
		}
		addr = cfg.Server.GRPCAddr
	}
	conn, err := server.Dial(addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), rpcTimeout)
	defer cancel()
	return fn(ctx, server.NewClient(conn))
}

func buildScheduleCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "schedule <job>...",
		Short: "Queue fresh runs of job definitions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				return eachAccepted(cmd.OutOrStdout(), args, "scheduled", "refused", func(id string) (bool, error) {
					return c.Schedule(ctx, opts.clientID, id)
				})
			})
		},
	}
}

func buildResumeCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <folder>...",
		Short: "Queue resumes of checkpoint folders",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				return eachAccepted(cmd.OutOrStdout(), args, "resume scheduled", "refused", func(id string) (bool, error) {
					return c.ScheduleResume(ctx, opts.clientID, id)
				})
			})
		},
	}
}

func buildTerminateCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "terminate <job>...",
		Short: "Remove queued requests or cancel running jobs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				return eachAccepted(cmd.OutOrStdout(), args, "terminated", "not found", func(id string) (bool, error) {
					return c.Terminate(ctx, opts.clientID, id)
				})
			})
		},
	}
}

// eachAccepted applies call to every id and prints one line per id. It
// fails when any id was refused.
func eachAccepted(w io.Writer, ids []string, yes, no string, call func(string) (bool, error)) error {
	refused := 0
	for _, id := range ids {
		ok, err := call(id)
		if err != nil {
			return err
		}
		if ok {
			fmt.Fprintf(w, "%s: %s\n", id, yes)
		} else {
			fmt.Fprintf(w, "%s: %s\n", id, no)
			refused++
		}
	}
	if refused > 0 {
		return fmt.Errorf("%d of %d requests %s", refused, len(ids), no)
	}
	return nil
}

func buildQueueCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Show the ids of scheduled jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				jobs, err := c.GetQueue(ctx)
				if err != nil {
					return err
				}
				printQueue(cmd.OutOrStdout(), jobs)
				return nil
			})
		},
	}
}

func printQueue(w io.Writer, jobs []string) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "queue is empty")
		return
	}
	for i, j := range jobs {
		fmt.Fprintf(w, "%3d  %s\n", i+1, j)
	}
}

func buildStatusCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the status of the client's jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				statuses, err := c.GetRunStatus(ctx, opts.clientID)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "JOB\tSTATUS\tPROGRESS")
				for _, job := range server.SortedJobs(statuses) {
					st := statuses[job]
					fmt.Fprintf(tw, "%s\t%s\t%s%%\n", job, st.Status, humanize.FtoaWithDigits(st.Percent, 1))
				}
				return tw.Flush()
			})
		},
	}
}

// ============================================================================
// Local commands
// ============================================================================

func buildFoldersCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "folders",
		Short: "List checkpoint folders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			results, err := store.NewResultStore(cfg.Storage.ResultsDir, nil)
			if err != nil {
				return err
			}
			folders, err := results.List()
			if err != nil {
				return err
			}
			return printFolders(cmd.OutOrStdout(), folders, time.Now())
		},
	}
}

func printFolders(w io.Writer, folders []store.Folder, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FOLDER\tJOB\tCLIENT\tSTATUS\tITERATIONS\tRESUMES\tUPDATED")
	for _, f := range folders {
		m := f.Metadata
		updated := m.UpdatedAt
		if updated.IsZero() {
			updated = m.CreatedAt
		}
		status := string(m.LastStatus)
		if status == "" {
			status = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			f.ID, m.Definition.ID, m.ClientID, status,
			humanize.Comma(m.Iterations), m.Resumes, humanize.RelTime(updated, now, "ago", "from now"))
	}
	return tw.Flush()
}

func buildHistoryCommand(opts *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <job>",
		Short: "List past runs of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if cfg.Storage.HistoryDB == "" {
				return fmt.Errorf("run history is disabled (storage.history_db is empty)")
			}
			history, err := store.NewHistoryStore(cfg.Storage.HistoryDB, nil)
			if err != nil {
				return err
			}
			defer history.Close()
			if err := history.Migrate(cmd.Context()); err != nil {
				return err
			}
			runs, err := history.ListRuns(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			return printRuns(cmd.OutOrStdout(), runs, time.Now())
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs")
	return cmd
}

func printRuns(w io.Writer, runs []*store.RunRecord, now time.Time) error {
	if len(runs) == 0 {
		fmt.Fprintln(w, "no runs recorded")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tFOLDER\tCLIENT\tKIND\tSTATUS\tITERATIONS\tSTARTED\tDURATION\tERROR")
	for _, r := range runs {
		kind := "fresh"
		if r.Resume {
			kind = "resume"
		}
		duration := "-"
		if r.FinishedAt != nil {
			duration = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(r.RunID), r.FolderID, r.ClientID, kind, r.Status,
			humanize.Comma(r.Iterations), humanize.RelTime(r.StartedAt, now, "ago", "from now"),
			duration, r.Error)
	}
	return tw.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func buildValidateCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>...",
		Short: "Check job definition files",
		Long:  "Parse each definition and check its parameters, strategy and measures",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateFiles(cmd.OutOrStdout(), args)
		},
	}
}

func validateFiles(w io.Writer, paths []string) error {
	check, err := runner.New(runner.Options{Evaluator: &runner.CommandEvaluator{}})
	if err != nil {
		return err
	}
	failed := 0
	for _, path := range paths {
		def, err := definition.LoadFile(path)
		if err == nil {
			err = check.Check(scheduler.RunSpec{Definition: def})
		}
		if err != nil {
			fmt.Fprintf(w, "%s: %v\n", path, err)
			failed++
			continue
		}
		fmt.Fprintf(w, "%s: ok (job %s, %s, %d parameters)\n", path, def.ID, def.Strategy, len(def.Parameters))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d definitions are invalid", failed, len(paths))
	}
	return nil
}
