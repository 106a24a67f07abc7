// ============================================================================
// chunk-pregen CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: cobra commands for the pre-generation daemon and its clients
//
// Command Structure:
//   pregen                          # Root command
//   ├── run                         # Start the daemon (recovery, gRPC, HTTP)
//   ├── start <world> <radius>      # Start a job
//   │   └── --shape, --x, --z, --blocks
//   ├── pause <id>                  # Toggle pause
//   ├── cancel <id>                 # Cancel a job
//   ├── status [id]                 # Progress of one job, or of every unfinished job
//   ├── list                        # Every job, including finished and cancelled ones
//   ├── journal                     # Dump the lifecycle journal
//   ├── --config, -c                # Config file (default: configs/default.yaml)
//   ├── --addr                      # Daemon gRPC address (default: grpc.addr from config)
//   └── --log-level                 # debug, info, warn, error
//
// Client commands talk to a running daemon over gRPC. Ids may be given
// as the full UUID or any unambiguous prefix (the 8-character short id
// printed by start is always enough).
//
// Signal Handling:
//   run stops on SIGINT / SIGTERM. Command surfaces close first, then the
//   controller stops its engines and writes the final snapshot.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/chunk-pregen/internal/config"
	"github.com/ChuLiYu/chunk-pregen/internal/server"
	"github.com/ChuLiYu/chunk-pregen/internal/storage/wal"
	"github.com/ChuLiYu/chunk-pregen/pkg/types"
)

var log = slog.Default()

const rpcTimeout = 10 * time.Second

var (
	configFile string
	daemonAddr string
	logLevel   string
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pregen",
		Short: "pregen: crash-safe chunk pre-generation scheduler",
		Long: `pregen walks square or disc regions of a world cell by cell, asking the
world engine to materialize each one, with:
- pause / resume / cancel per job
- WAL + snapshot persistence
- automatic resume after a crash or restart
- gRPC and REST control, websocket and Kafka notifications`,
		Version:      "1.0.0",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(logLevel)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", config.DefaultPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&daemonAddr, "addr", "", "daemon gRPC address (default: grpc.addr from config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildStartCommand())
	rootCmd.AddCommand(buildPauseCommand())
	rootCmd.AddCommand(buildCancelCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildListCommand())
	rootCmd.AddCommand(buildJournalCommand())

	return rootCmd
}

// setupLogging 設定預設 logger 的等級
//
// 各套件在初始化時取得 slog.Default()，其輸出經由標準 log 套件，
// 因此這裡調整的是那個共用 handler 的等級。
func setupLogging(level string) error {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid --log-level %q", level)
	}
	slog.SetLogLoggerLevel(l)
	return nil
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the pre-generation daemon",
		Long:  "Recover persisted jobs, then serve gRPC (and REST, if enabled) until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, cfg)
		},
	}
}

func runDaemon(ctx context.Context, cfg *config.Config) error {
	log.Info("Starting pre-generator", "config", configFile, "worlds", len(cfg.World.Worlds))

	d, err := startDaemon(ctx, cfg)
	if err != nil {
		return err
	}
	log.Info("System started successfully", "grpc", d.grpcAddr(), "http", d.httpAddr())

	err = d.wait(ctx)
	log.Info("Received shutdown signal, stopping gracefully")
	d.shutdown()
	log.Info("System stopped")
	return err
}

// ============================================================================
// 客戶端指令
// ============================================================================

func buildStartCommand() *cobra.Command {
	var (
		shape  string
		x, z   int
		blocks bool
	)

	cmd := &cobra.Command{
		Use:   "start <world> <radius>",
		Short: "Start pre-generating a region",
		Long: `Start a job that materializes every cell within <radius> cells of the
center. The center defaults to the cell holding the world spawn; --x and
--z (cell coordinates, or block coordinates with --blocks) override it.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			radius, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("radius must be an integer, got %q", args[1])
			}
			p := server.StartParams{World: args[0], Radius: radius, Shape: shape}
			if cmd.Flags().Changed("x") {
				v := x
				if blocks {
					v = types.BlockToCell(x)
				}
				p.X = &v
			}
			if cmd.Flags().Changed("z") {
				v := z
				if blocks {
					v = types.BlockToCell(z)
				}
				p.Z = &v
			}

			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				snap, err := c.Start(ctx, p)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Started job %s: %s %s r=%d around (%s), %d cells\n",
					snap.ShortID, snap.World, snap.Shape, snap.Radius,
					types.Cell{X: snap.CenterX, Z: snap.CenterZ}, snap.Total)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&shape, "shape", "square", "region shape: square or disc")
	cmd.Flags().IntVar(&x, "x", 0, "center x")
	cmd.Flags().IntVar(&z, "z", 0, "center z")
	cmd.Flags().BoolVar(&blocks, "blocks", false, "--x and --z are block coordinates")
	return cmd
}

func buildPauseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <id>",
		Short: "Pause a running job, or resume a paused one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				snap, err := c.Pause(ctx, args[0])
				if err != nil {
					return err
				}
				verb := "Resumed"
				if snap.Status == types.StatusPaused {
					verb = "Paused"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s job %s (%d/%d)\n", verb, snap.ShortID, snap.Generated, snap.Total)
				return nil
			})
		},
	}
}

func buildCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				snap, err := c.Cancel(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cancelled job %s at %d/%d cells\n", snap.ShortID, snap.Generated, snap.Total)
				return nil
			})
		},
	}
}

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status [id]",
		Short: "Show job progress",
		Long:  "Show the progress of one job, or of every unfinished job when no id is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				out := cmd.OutOrStdout()
				if len(args) == 1 {
					snap, err := c.Status(ctx, args[0])
					if err != nil {
						return err
					}
					renderJob(out, snap)
					return nil
				}

				jobs, err := c.List(ctx)
				if err != nil {
					return err
				}
				shown := 0
				for _, snap := range jobs {
					if snap.Status.IsTerminal() {
						continue
					}
					if shown > 0 {
						fmt.Fprintln(out)
					}
					renderJob(out, snap)
					shown++
				}
				if shown == 0 {
					fmt.Fprintln(out, "No pre-generation jobs running.")
				}
				return nil
			})
		},
	}
}

func buildListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every job, including finished and cancelled ones",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				jobs, err := c.List(ctx)
				if err != nil {
					return err
				}
				return renderTable(cmd.OutOrStdout(), jobs)
			})
		},
	}
}

func buildJournalCommand() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Print the lifecycle journal",
		Long:  "Print the WAL events recorded since the last snapshot (reads the file directly)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				cfg, err := config.Load(configFile)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				file = cfg.Storage.WALFile
			}
			return wal.DumpWAL(file, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "WAL file (default: storage.wal_file from config)")
	return cmd
}

// withClient 連線到常駐程序並執行 fn；RPC 錯誤只保留給使用者看的訊息
func withClient(cmd *cobra.Command, fn func(context.Context, *server.Client) error) error {
	addr, err := resolveAddr()
	if err != nil {
		return err
	}
	client, err := server.Dial(addr)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), rpcTimeout)
	defer cancel()
	if err := fn(ctx, client); err != nil {
		return errors.New(server.Message(err))
	}
	return nil
}

// resolveAddr --addr 優先，否則用設定檔的 grpc.addr；":50051" 補成本機位址
func resolveAddr() (string, error) {
	addr := daemonAddr
	if addr == "" {
		cfg, err := config.Load(configFile)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("failed to load config: %w", err)
		}
		if cfg == nil {
			cfg = config.Default()
		}
		addr = cfg.GRPC.Addr
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return addr, nil
}
