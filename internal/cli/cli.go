// ============================================================================
// FEMD CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra front end of the FEM controller daemon
//
// Command Structure:
//   femd                           # Root command
//   ├── run                        # Start the daemon
//   │   └── --sim                  # Force simulated hardware
//   ├── validate                   # Load and validate a config file
//   ├── lookup                     # Temperature compensation lookup
//   │   ├── --unit                 # 1 or 2
//   │   └── --temp                 # Temperature in Celsius
//   ├── status                     # Effective configuration and persisted latch
//   ├── --config, -c               # Config file (YAML or JSON with comments)
//   ├── --log-level                # Override logging.log_level
//   └── --version
//
// Configuration:
//   Without --config the built-in defaults are used. ENV_FEM_BAND selects the
//   compensation band, FEMD_SIM / FEMD_SYSROOT select simulated hardware.
//
// run Command:
//   1. Load config file
//   2. Open hardware (I2C buses + GPIO, or simulation)
//   3. Start Metrics HTTP server (if enabled)
//   4. Create and start Controller
//   5. Wait for SIGINT / SIGTERM, then stop gracefully
//
//   Examples:
//     ./femd run -c configs/femd.yaml
//     ENV_FEM_BAND=B3 ./femd run --sim
//
// Signal Handling:
//   Graceful shutdown flow:
//   1. Every lane receives a high priority shutdown job
//   2. Already queued safety actions still run
//   3. Safety latch is written to state_file
//   4. Hardware buses are closed
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/ChuLiYu/femd/internal/config"
	"github.com/ChuLiYu/femd/internal/controller"
	"github.com/ChuLiYu/femd/internal/driver"
	"github.com/ChuLiYu/femd/internal/metrics"
	"github.com/ChuLiYu/femd/internal/safety"
	"github.com/ChuLiYu/femd/internal/snapshot"
	"github.com/ChuLiYu/femd/pkg/types"
)

const stopTimeout = 10 * time.Second

var (
	configFile string
	logLevel   string
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "femd",
		Short: "femd: FEM controller daemon",
		Long: `femd drives the front-end modules of a radio node:
- one worker per I2C bus with a two-priority job queue
- periodic hardware sampling
- PA over-limit shutdown with hysteresis-gated auto-restore
- temperature compensated DAC bias`,
		Version:      "1.0.0",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (YAML or JSON), built-in defaults when empty")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.log_level (debug, info, warn, error)")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildValidateCommand())
	rootCmd.AddCommand(buildLookupCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	var sim bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the FEM controller daemon",
		Long:  "Open the hardware, start the lanes and the safety engine, and run until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			if sim {
				cfg.Hardware.Backend = "sim"
			}
			log := newLogger(cmd.ErrOrStderr(), levelFor(cfg))

			ctx, stop := signal.NotifyContext(cmd.Context(), unix.SIGINT, unix.SIGTERM)
			defer stop()
			return runDaemon(ctx, cfg, log)
		},
	}

	cmd.Flags().BoolVar(&sim, "sim", false, "use simulated hardware")
	return cmd
}

// runDaemon runs the controller until ctx is done.
func runDaemon(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	board, err := driver.Open(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to open hardware: %w", err)
	}
	defer func() {
		if err := board.Close(); err != nil {
			log.Error("failed to close hardware", "error", err)
		}
	}()

	var opts []controller.Option
	if cfg.Metrics.Enabled {
		m := metrics.NewCollector()
		opts = append(opts, controller.WithMetrics(m))
		go func() {
			log.Info("starting metrics server", "port", cfg.Metrics.Port)
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				log.Error("metrics server error", "error", err)
			}
		}()
	}

	ctrl, err := controller.New(cfg, board, log, opts...)
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	if err := ctrl.Start(ctx); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}
	log.Info("femd started", "simulated", driver.UseSimulation(cfg), "band", cfg.ActiveBand())

	<-ctx.Done()
	log.Info("received shutdown signal, stopping gracefully")

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := ctrl.Stop(stopCtx); err != nil {
		return fmt.Errorf("failed to stop controller: %w", err)
	}
	log.Info("femd stopped")
	return nil
}

// ============================================================================
// validate
// ============================================================================

func buildValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		Long:  "Load the configuration, apply defaults and check every rule without touching hardware",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "configuration OK (%s)\n", describeSource(configFile))
			fmt.Fprintf(out, "  band:        %s\n", cfg.ActiveBand())
			for _, u := range []types.Unit{types.Unit1, types.Unit2} {
				fmt.Fprintf(out, "  %s table:  %d points\n", u, len(cfg.Table(u)))
			}
			return nil
		},
	}
}

// ============================================================================
// lookup
// ============================================================================

func buildLookupCommand() *cobra.Command {
	var (
		unit  int
		tempC float64
	)

	cmd := &cobra.Command{
		Use:   "lookup",
		Short: "Show compensated DAC voltages for a temperature",
		RunE: func(cmd *cobra.Command, args []string) error {
			u := types.Unit(unit)
			if !u.Valid() {
				return fmt.Errorf("%w: unit must be 1 or 2, got %d", types.ErrInvalidArgument, unit)
			}
			if math.IsNaN(tempC) || math.IsInf(tempC, 0) {
				return fmt.Errorf("%w: temperature must be finite, got %v", types.ErrInvalidArgument, tempC)
			}
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			engine := safety.New(cfg, nil, nil, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
			carrier, peak := engine.Lookup(u, tempC)
			fmt.Fprintf(cmd.OutOrStdout(), "%s band %s at %.1f C: carrier %.3f V, peak %.3f V (zone %s)\n",
				u, cfg.ActiveBand(), tempC, carrier, peak, engine.Zone(tempC))
			return nil
		},
	}

	cmd.Flags().IntVar(&unit, "unit", 1, "FEM unit (1 or 2)")
	cmd.Flags().Float64Var(&tempC, "temp", 25, "temperature in Celsius")
	return cmd
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show effective configuration and persisted safety state",
		Long:  "Display the configuration the daemon would run with and the PA shutdown latch saved by the last run",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			return showStatus(cmd.OutOrStdout(), cfg, time.Now())
		},
	}
}

func showStatus(out io.Writer, cfg *config.Config, now time.Time) error {
	s := cfg.Safety
	fmt.Fprintln(out, "Configuration:")
	fmt.Fprintf(out, "  ├─ Source:          %s\n", describeSource(configFile))
	fmt.Fprintf(out, "  ├─ Hardware:        %s (simulated: %t)\n", cfg.Hardware.Backend, driver.UseSimulation(cfg))
	fmt.Fprintf(out, "  ├─ Band:            %s\n", cfg.ActiveBand())
	fmt.Fprintf(out, "  ├─ Sample Every:    %s\n", time.Duration(cfg.Lanes.SampleIntervalMs)*time.Millisecond)
	fmt.Fprintf(out, "  └─ Queue Capacity:  %d per priority\n", cfg.Lanes.QueueCapacity)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Safety:")
	fmt.Fprintf(out, "  ├─ Enabled:         %t\n", s.Enabled)
	fmt.Fprintf(out, "  ├─ Check Every:     %s\n", time.Duration(s.CheckIntervalMs)*time.Millisecond)
	fmt.Fprintf(out, "  ├─ Limits:          temp %.1f C, reverse %.1f dBm, forward %.1f dBm, current %.2f A\n",
		s.Thresholds.MaxTemperatureC, s.Thresholds.MaxReversePowerDbm, s.Thresholds.MaxForwardPowerDbm, s.Thresholds.MaxPaCurrentA)
	if s.AutoRestoreEnabled {
		fmt.Fprintf(out, "  └─ Auto Restore:    after %s cooldown and %d healthy checks\n",
			time.Duration(s.RestoreCooldownMs)*time.Millisecond, s.RestoreOkChecks)
	} else {
		fmt.Fprintln(out, "  └─ Auto Restore:    disabled")
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Safety Latch:")
	if cfg.StateFile == "" {
		fmt.Fprintln(out, "  └─ not persisted (state_file is empty)")
		return nil
	}
	info, err := os.Stat(cfg.StateFile)
	if err != nil {
		fmt.Fprintf(out, "  └─ %s: no saved state\n", cfg.StateFile)
		return nil
	}
	data, err := snapshot.NewManager(cfg.StateFile).Load()
	if err != nil {
		return fmt.Errorf("failed to load safety latch: %w", err)
	}
	fmt.Fprintf(out, "  ├─ File:            %s (%s, saved %s)\n", cfg.StateFile,
		humanize.Bytes(uint64(info.Size())), humanize.RelTime(time.UnixMilli(data.SavedMs), now, "ago", "from now"))
	for i, l := range data.Latches {
		branch := "├─"
		if i == len(data.Latches)-1 {
			branch = "└─"
		}
		state := "on"
		if l.Shutdown {
			state = "SHUTDOWN since " + humanize.RelTime(time.UnixMilli(l.ShutdownMs), now, "ago", "from now")
		}
		fmt.Fprintf(out, "  %s %s: PA %s, %s\n", branch, l.Unit, state, pluralViolations(l.Violations))
	}
	return nil
}

func pluralViolations(n uint32) string {
	if n == 1 {
		return "1 violation"
	}
	return humanize.Comma(int64(n)) + " violations"
}

// ============================================================================
// helpers
// ============================================================================

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		return &cfg, nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func describeSource(path string) string {
	if path == "" {
		return "built-in defaults"
	}
	return path
}

func levelFor(cfg *config.Config) slog.Level {
	name := cfg.Logging.LogLevel
	if logLevel != "" {
		name = logLevel
	}
	return parseLevel(name)
}

func parseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	log := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)
	return log
}
