// Command quarry is the CLI surface over the quarry job queue: enqueue jobs,
// run a worker, and inspect queue state.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/quarrydev/quarry/internal/queue"
	"github.com/quarrydev/quarry/internal/store"
	"github.com/quarrydev/quarry/internal/util"
	"github.com/quarrydev/quarry/internal/worker"
)

// Default configuration constants
const (
	// DefaultDBDriver is used when QUARRY_DB_DRIVER is not set
	DefaultDBDriver = "sqlite3"
	// DefaultDBPath is the default SQLite database location
	DefaultDBPath = "/var/lib/quarry/quarry.db"
)

// shellPayload is the CLI worker's job payload: a command executed via the
// shell. Library consumers define their own payload types and handlers.
type shellPayload struct {
	Command string `json:"command"`
}

var (
	flagDriver string
	flagDSN    string
)

func main() {
	initializeLogger()

	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	root := &cobra.Command{
		Use:   "quarry",
		Short: "quarry is a relational-table-backed durable job queue",
	}
	root.PersistentFlags().StringVar(&flagDriver, "driver", util.GetEnv("QUARRY_DB_DRIVER", DefaultDBDriver), "database driver: sqlite3 or postgres")
	root.PersistentFlags().StringVar(&flagDSN, "dsn", util.GetEnv("QUARRY_DB_DSN", DefaultDBPath), "database connection string")

	root.AddCommand(enqueueCmd(), workerCmd(), listCmd(), lenCmd())

	if err := root.Execute(); err != nil {
		slog.Error("quarry failed", "error", err)
		os.Exit(1)
	}
}

// initializeLogger sets up structured logging; QUARRY_DEBUG enables debug level.
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("QUARRY_DEBUG", false) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// openStorage builds the storage backend selected by the persistent flags.
func openStorage() (store.Storage, error) {
	switch flagDriver {
	case "sqlite3":
		return store.NewSQLiteStorage(store.WithDSN(flagDSN))
	case "postgres":
		return store.NewPostgresStorage(store.WithDSN(flagDSN))
	default:
		return nil, fmt.Errorf("unknown database driver %q", flagDriver)
	}
}

func enqueueCmd() *cobra.Command {
	var (
		jobType     string
		command     string
		at          string
		maxAttempts int
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Add a shell job to the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			storage, err := openStorage()
			if err != nil {
				return err
			}
			defer storage.Close()

			q := queue.New(storage, jobType)
			opts := []store.PushOption{}
			if maxAttempts > 0 {
				opts = append(opts, store.WithMaxAttempts(maxAttempts))
			}
			if at != "" {
				when, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --at value: %w", err)
				}
				opts = append(opts, store.WithRunAt(when))
			}

			id, err := q.Push(shellPayload{Command: command}, opts...)
			if err != nil {
				return fmt.Errorf("failed to enqueue job: %w", err)
			}
			fmt.Println(id)
			return nil
		},
	}
	cmd.Flags().StringVar(&jobType, "type", "shell", "logical queue name")
	cmd.Flags().StringVar(&command, "command", "", "shell command to run")
	cmd.Flags().StringVar(&at, "at", "", "earliest run time (RFC3339); defaults to now")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "retry ceiling override")
	cmd.MarkFlagRequired("command")
	return cmd
}

func workerCmd() *cobra.Command {
	var (
		jobType  string
		workerID string
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a worker consuming one job type",
		RunE: func(cmd *cobra.Command, args []string) error {
			storage, err := openStorage()
			if err != nil {
				return err
			}
			defer storage.Close()

			codec := queue.JSONCodec{}
			handler := func(ctx context.Context, job *store.Job) error {
				var p shellPayload
				if err := codec.Unmarshal(job.Payload, &p); err != nil {
					return fmt.Errorf("decode payload failed: %w", err)
				}
				return exec.CommandContext(ctx, "/bin/sh", "-c", p.Command).Run()
			}

			opts := []worker.RunnerOption{
				worker.WithPollInterval(interval),
				worker.WithLivenessTimeout(util.ParseDurationEnv("QUARRY_LIVENESS_TIMEOUT", worker.DefaultLivenessTimeout)),
				worker.WithSweepBatch(util.ParseIntEnv("QUARRY_SWEEP_BATCH", worker.DefaultSweepBatch)),
			}
			if workerID != "" {
				opts = append(opts, worker.WithWorkerID(workerID))
			}
			r := worker.NewRunner(storage, jobType, handler, opts...)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			r.Run(ctx)
			return nil
		},
	}
	cmd.Flags().StringVar(&jobType, "type", "shell", "logical queue name")
	cmd.Flags().StringVar(&workerID, "id", "", "worker identity; generated when empty")
	cmd.Flags().DurationVar(&interval, "interval", worker.DefaultPollInterval, "poll interval")
	return cmd
}

func listCmd() *cobra.Command {
	var (
		status string
		page   int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List one page of jobs in a given status",
		RunE: func(cmd *cobra.Command, args []string) error {
			storage, err := openStorage()
			if err != nil {
				return err
			}
			defer storage.Close()

			jobs, err := storage.ListJobs(store.JobStatus(status), page)
			if err != nil {
				return err
			}
			for _, j := range jobs {
				fmt.Printf("%s\t%s\t%s\tattempts=%d/%d\trun_at=%s\t%s\n",
					j.ID, j.Type, j.Status, j.Attempts, j.MaxAttempts,
					j.RunAt.Format(time.RFC3339), j.LastError)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", string(store.StatusPending), "job status to list")
	cmd.Flags().IntVar(&page, "page", 0, "page number (10 per page)")
	return cmd
}

func lenCmd() *cobra.Command {
	var jobType string
	cmd := &cobra.Command{
		Use:   "len",
		Short: "Count pending jobs of one type",
		RunE: func(cmd *cobra.Command, args []string) error {
			storage, err := openStorage()
			if err != nil {
				return err
			}
			defer storage.Close()

			n, err := storage.Len(jobType)
			if err != nil {
				return err
			}
			fmt.Println(n)
			return nil
		},
	}
	cmd.Flags().StringVar(&jobType, "type", "shell", "logical queue name")
	return cmd
}
