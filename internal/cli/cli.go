// ============================================================================
// twinlife CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands for running the runtime and inspecting local state
//
// Command Structure:
//   twinlife                       # Root command
//   ├── run                        # Start the runtime
//   │   ├── --loopback             # Serve an in-process gRPC frame server
//   │   ├── --loopback-code        # Error code the loopback server answers with
//   │   └── --background           # Start in the background application state
//   ├── status                     # Show configuration and stored state
//   ├── store get <key>            # Read a value from the key-value store
//   ├── store set <key> <value>    # Write a value to the key-value store
//   ├── --config, -c               # Config file (default configs/default.yaml)
//   └── --verbose, -v              # Debug logging
//
// run Command:
//   1. Load config file
//   2. Optionally start the loopback frame server and point the gRPC
//      transport at it
//   3. Create and start the Controller, enter the foreground
//   4. Start the metrics HTTP server (if enabled)
//   5. Wait for SIGINT / SIGTERM, then shut everything down
//
//   Examples:
//     ./twinlife run
//     ./twinlife run --loopback --loopback-code SERVICE_UNAVAILABLE
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/twinlife/internal/config"
	"github.com/ChuLiYu/twinlife/internal/controller"
	"github.com/ChuLiYu/twinlife/internal/metrics"
	"github.com/ChuLiYu/twinlife/internal/telemetry"
	"github.com/ChuLiYu/twinlife/internal/transport"
	"github.com/ChuLiYu/twinlife/pkg/types"
)

const shutdownTimeout = 5 * time.Second

// ErrKeyNotFound the store has no value for the key
var ErrKeyNotFound = errors.New("key not found")

var (
	configFile string
	verbose    bool
)

// BuildCLI creates the root command
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "twinlife",
		Short: "twinlife: client runtime for the twinlife service protocol",
		Long: `twinlife keeps a single connection to the server and provides:
- typed request/response dispatch with timeouts
- reconnection with randomized backoff and liveness probing
- a priority-gated job scheduler
- batched telemetry reporting`,
		Version:      "1.0.0",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				slog.SetLogLoggerLevel(slog.LevelDebug)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildStoreCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

type runOptions struct {
	loopback     bool
	loopbackCode string
	background   bool
}

func buildRunCommand() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the twinlife runtime",
		Long:  "Connect to the configured server and run until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSystem(ctx, cfg, opts, cmd.OutOrStdout(), nil)
		},
	}

	cmd.Flags().BoolVar(&opts.loopback, "loopback", false, "serve an in-process gRPC frame server and connect to it")
	cmd.Flags().StringVar(&opts.loopbackCode, "loopback-code", types.ItemNotFound.String(), "error code answered by the loopback server")
	cmd.Flags().BoolVar(&opts.background, "background", false, "start in the background application state")

	return cmd
}

// runSystem runs the runtime until ctx is cancelled or a component fails.
// ready, when set, is called once everything has started.
func runSystem(ctx context.Context, cfg config.Config, opts runOptions, out io.Writer, ready func(*controller.Controller)) error {
	g, ctx := errgroup.WithContext(ctx)

	var loopback *grpc.Server
	if opts.loopback {
		code, ok := types.ParseErrorCode(opts.loopbackCode)
		if !ok {
			return fmt.Errorf("unknown error code %q", opts.loopbackCode)
		}
		lis, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return fmt.Errorf("failed to listen for loopback: %w", err)
		}

		loopback = grpc.NewServer(transport.ServerOptions()...)
		transport.NewFrameServer(transport.ErrorResponder(code)).Register(loopback)
		g.Go(func() error { return loopback.Serve(lis) })

		cfg.Connection.Transport = config.TransportGrpc
		cfg.Connection.Target = lis.Addr().String()
		cfg.Connection.Insecure = true
		fmt.Fprintf(out, "Loopback frame server on %s answering %s\n", lis.Addr(), code)
	}

	ctrl, err := controller.New(controller.Config{Settings: cfg})
	if err != nil {
		stopServer(loopback)
		return fmt.Errorf("failed to create controller: %w", err)
	}
	if err := ctrl.Start(ctx); err != nil {
		stopServer(loopback)
		return fmt.Errorf("failed to start controller: %w", err)
	}

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.StartServer(cfg.Metrics.Addr, ctrl.Gatherer())
		fmt.Fprintf(out, "Metrics on http://%s/metrics\n", cfg.Metrics.Addr)
	}

	if !opts.background {
		ctrl.SetApplicationState(types.AppForeground)
	}
	ctrl.Telemetry().Record("runtime.started", map[string]string{"transport": cfg.Connection.Transport})
	fmt.Fprintln(out, "System started successfully")

	if ready != nil {
		ready(ctrl)
	}

	g.Go(func() error {
		<-ctx.Done()
		fmt.Fprintln(out, "Shutting down...")

		ctrl.Stop()
		stopServer(loopback)
		if metricsServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("metrics server: %w", err)
			}
		}
		return nil
	})

	err = g.Wait()
	fmt.Fprintln(out, "System stopped")
	return err
}

func stopServer(s *grpc.Server) {
	if s != nil {
		s.Stop()
	}
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration and stored status",
		Long:  "Display the effective configuration and the local key-value store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			return showStatus(cmd.OutOrStdout(), cfg)
		},
	}
}

func showStatus(out io.Writer, cfg config.Config) error {
	store, err := config.OpenStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	conn := cfg.Connection
	endpoint := conn.URL
	if conn.Transport == config.TransportGrpc {
		endpoint = conn.Target
	}

	fmt.Fprintln(out, "twinlife status")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Connection:")
	fmt.Fprintf(out, "  ├─ Transport:        %s\n", conn.Transport)
	fmt.Fprintf(out, "  ├─ Endpoint:         %s\n", endpoint)
	fmt.Fprintf(out, "  ├─ Connected probe:  %s .. %s\n", conn.MinConnectedTimeout, conn.MaxConnectedTimeout)
	fmt.Fprintf(out, "  └─ Reconnect:        %s .. %s\n", conn.MinReconnectionTimeout, conn.MaxReconnectionTimeout)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Requests:")
	fmt.Fprintf(out, "  └─ Default timeout:  %s\n", cfg.Request.DefaultTimeout)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Telemetry:")
	if cfg.Telemetry.Enabled {
		fmt.Fprintf(out, "  ├─ Batch:            %d events every %s\n", cfg.Telemetry.BatchSize, cfg.Telemetry.FlushInterval)
		fmt.Fprintf(out, "  └─ Last sequence:    %d\n", store.GetInt(telemetry.SequenceKey, 0))
	} else {
		fmt.Fprintln(out, "  └─ Disabled")
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Store:")
	fmt.Fprintf(out, "  ├─ Path:             %s\n", store.Path())
	fmt.Fprintf(out, "  └─ Keys:             %d\n", len(store.Keys()))
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(out, "  └─ Enabled on http://%s/metrics\n", cfg.Metrics.Addr)
	} else {
		fmt.Fprintln(out, "  └─ Disabled")
	}
	return nil
}

// ============================================================================
// store
// ============================================================================

func buildStoreCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Read or write the local key-value store",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get <key>",
		Short: "Print a stored value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			return storeGet(cmd.OutOrStdout(), store, args[0])
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Store a value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			return storeSet(store, args[0], args[1])
		},
	})

	return cmd
}

func openStore() (*config.Store, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	store, err := config.OpenStore(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return store, nil
}

func storeGet(out io.Writer, store *config.Store, key string) error {
	if !slices.Contains(store.Keys(), key) {
		return fmt.Errorf("%s: %w", key, ErrKeyNotFound)
	}
	fmt.Fprintln(out, store.GetString(key, ""))
	return nil
}

func storeSet(store *config.Store, key, value string) error {
	store.SetString(key, value)
	if err := store.Save(); err != nil {
		return fmt.Errorf("failed to save store: %w", err)
	}
	return nil
}

// Execute runs the root command and exits non-zero on error
func Execute() {
	if err := BuildCLI().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
