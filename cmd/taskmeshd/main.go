package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/khryptorgraphics/taskmesh/internal/config"
	"github.com/khryptorgraphics/taskmesh/pkg/api"
	"github.com/khryptorgraphics/taskmesh/pkg/auth"
	"github.com/khryptorgraphics/taskmesh/pkg/consensus"
	"github.com/khryptorgraphics/taskmesh/pkg/database"
	"github.com/khryptorgraphics/taskmesh/pkg/ids"
	"github.com/khryptorgraphics/taskmesh/pkg/loadbalancer"
	"github.com/khryptorgraphics/taskmesh/pkg/p2p"
	"github.com/khryptorgraphics/taskmesh/pkg/scheduler"
	"github.com/khryptorgraphics/taskmesh/pkg/taskinstance"
	"github.com/khryptorgraphics/taskmesh/pkg/taskspec"
	"github.com/khryptorgraphics/taskmesh/pkg/types"
)

var version = "0.1.0-dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "taskmeshd",
		Short:   "taskmeshd - distributed task-parallel execution mesh",
		Version: version,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(submitCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func serveCmd() *cobra.Command {
	var (
		logLevel   string
		nodeID     string
		peersFlag  []string
		seedAdmin  bool
		configPath string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a taskmeshd node: scheduler, transport and control-plane API",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(logLevel)
			var cfg *config.Config
			if configPath != "" {
				loaded, err := config.LoadFromFile(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			} else {
				cfg = config.DefaultConfig()
			}

			if nodeID == "" {
				nodeID = ids.Fresh().Hex()
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			db, err := database.NewDatabaseManager(&cfg.Database, logger)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer db.Close()

			if err := db.Migrate(ctx); err != nil {
				return fmt.Errorf("run migrations: %w", err)
			}

			balancer := loadbalancer.NewRendezvousBalancer(nil)

			nodeCfg := p2p.DefaultNodeConfig()
			if cfg.P2P.ListenAddr != "" {
				nodeCfg.Listen = []string{cfg.P2P.ListenAddr}
			}
			if cfg.P2P.MaxConnections > 0 {
				nodeCfg.ConnMgrHigh = cfg.P2P.MaxConnections
			}
			nodeCfg.BootstrapPeers = append(nodeCfg.BootstrapPeers, peersFlag...)
			if len(nodeCfg.BootstrapPeers) == 0 {
				nodeCfg.BootstrapPeers = cfg.P2P.BootstrapPeers
			}

			transport, err := p2p.NewLibP2PNode(ctx, nodeCfg, nil)
			if err != nil {
				return fmt.Errorf("start p2p transport: %w", err)
			}
			bootCtx, bootCancel := context.WithTimeout(ctx, cfg.P2P.DialTimeout)
			err = transport.Start(bootCtx)
			bootCancel()
			if err != nil {
				return fmt.Errorf("start p2p transport: %w", err)
			}
			defer transport.Stop(ctx)

			consensusEngine := consensus.NewRaftEngine(nodeID, peersFlag)
			if err := consensusEngine.Start(ctx); err != nil {
				return fmt.Errorf("start consensus engine: %w", err)
			}
			defer consensusEngine.Stop(ctx)

			sched := scheduler.New(balancer, transport, consensusEngine, logger)

			server, err := api.NewServer(cfg, db, sched, logger)
			if err != nil {
				return fmt.Errorf("create api server: %w", err)
			}

			if seedAdmin {
				admin := &auth.User{
					ID:       "admin",
					Username: "admin",
					Roles:    []string{auth.RoleAdmin},
					Active:   true,
				}
				if err := server.RBAC().CreateUser(admin); err != nil {
					logger.Warn("seed admin user", "error", err)
				}
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("serving control plane", "listen", cfg.API.Listen, "node_id", nodeID)
				if err := server.Start(ctx); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
			}()

			go maintenanceLoop(ctx, cfg.Scheduler.HealthCheckInterval, sched, db, logger)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case err := <-errCh:
				return fmt.Errorf("api server: %w", err)
			case sig := <-sigCh:
				logger.Info("shutting down", "signal", sig.String())
			}

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer shutdownCancel()
			return server.Stop(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	cmd.Flags().StringVar(&nodeID, "node-id", "", "hex node identifier (generated if omitted)")
	cmd.Flags().StringSliceVar(&peersFlag, "peer", nil, "bootstrap/consensus peer multiaddr, repeatable")
	cmd.Flags().BoolVar(&seedAdmin, "seed-admin", false, "seed a local admin/admin RBAC user on startup")
	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file (overlays env-derived defaults)")

	return cmd
}

// maintenanceLoop runs the serve command's periodic housekeeping:
// scheduler metrics logging and expired-session cleanup, on the
// cadence set by scheduler.health_check_interval.
func maintenanceLoop(ctx context.Context, interval time.Duration, sched *scheduler.Scheduler, db *database.DatabaseManager, logger *slog.Logger) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m := sched.Metrics()
			logger.Info("scheduler metrics",
				"submitted", m.Submitted,
				"scheduled", m.Scheduled,
				"rejected", m.Rejected,
				"leader", sched.IsLeader())

			if n, err := db.Sessions.CleanupExpired(ctx); err != nil {
				logger.Warn("session cleanup failed", "error", err)
			} else if n > 0 {
				logger.Info("expired sessions cleaned", "count", n)
			}
		}
	}
}

func statusCmd() *cobra.Command {
	var apiAddr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query a running node's /v1/system/stats endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get(fmt.Sprintf("http://%s/v1/system/stats", apiAddr))
			if err != nil {
				return fmt.Errorf("query status: %w", err)
			}
			defer resp.Body.Close()
			fmt.Println(resp.Status)
			return nil
		},
	}

	cmd.Flags().StringVar(&apiAddr, "api", "127.0.0.1:7350", "control-plane API address")
	return cmd
}

func submitCmd() *cobra.Command {
	var (
		functionIDHex string
		numReturns    int64
		argB64        []string
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Build a task spec locally and print its task ID and sizes (offline, no network call)",
		Long: `submit constructs a TaskSpec locally via the two-phase builder and
prints the resulting content-addressed task ID. It does not contact a
running node; use it to sanity-check how arguments hash before wiring
a real driver client against the HTTP API.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var functionID ids.FunctionId
			if functionIDHex != "" {
				parsed, err := ids.ParseHex(functionIDHex)
				if err != nil {
					return fmt.Errorf("parse function-id: %w", err)
				}
				functionID = ids.FunctionId(parsed)
			} else {
				functionID = ids.FunctionId(ids.Fresh())
			}

			driverID := ids.DriverId(ids.Fresh())
			var argsValueSize int64
			decoded := make([][]byte, 0, len(argB64))
			for _, a := range argB64 {
				raw, err := base64.StdEncoding.DecodeString(a)
				if err != nil {
					return fmt.Errorf("decode arg: %w", err)
				}
				decoded = append(decoded, raw)
				argsValueSize += int64(len(raw))
			}

			spec := taskspec.Begin(driverID, ids.NilID, 0, ids.NilID, 0, functionID,
				int64(len(decoded)), numReturns, argsValueSize)
			for _, raw := range decoded {
				spec.AddArgByVal(raw)
			}
			spec.Finish()

			inst := taskinstance.Alloc(spec, taskinstance.State(types.TaskWaiting), ids.NilID)

			fmt.Printf("task_id:   %s\n", spec.TaskID().Hex())
			fmt.Printf("function:  %s\n", spec.FunctionID().Hex())
			fmt.Printf("driver:    %s\n", spec.DriverID().Hex())
			fmt.Printf("blob size: %d bytes (instance %d bytes)\n", spec.Size(), inst.Size())
			return nil
		},
	}

	cmd.Flags().StringVar(&functionIDHex, "function-id", "", "hex function identifier (random if omitted)")
	cmd.Flags().Int64Var(&numReturns, "num-returns", 1, "number of return values the function produces")
	cmd.Flags().StringSliceVar(&argB64, "arg-base64", nil, "base64-encoded by-value argument, repeatable")

	return cmd
}
