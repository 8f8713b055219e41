// Command nmealog records a line-oriented NMEA/AIS stream into rotating,
// compressed, retention-bounded segment files.
//
// The root logger is built here and handed to every component; levels come
// from --log-level (e.g. "info,compressor=debug") once the config is resolved.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: opt-in via --pprof, loopback only
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"nmealog/internal/config"
	"nmealog/internal/logging"
)

var version = "dev"

func main() {
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug, // the filter handler decides
	})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo)
	logger := slog.New(filterHandler)

	rootCmd := &cobra.Command{
		Use:          "nmealog",
		Short:        "Rotating segmented recorder for NMEA/AIS streams",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			pprofAddr, _ := cmd.Flags().GetString("pprof")
			if pprofAddr != "" {
				go func() {
					logger.Info("pprof server listening", "addr", pprofAddr)
					if err := http.ListenAndServe(pprofAddr, nil); err != nil { //nolint:gosec // G114: debug endpoint
						logger.Error("pprof server error", "error", err)
					}
				}()
			}
			return nil
		},
	}
	rootCmd.PersistentFlags().String("config", "", "YAML config file; explicitly set flags override it")
	rootCmd.PersistentFlags().String("pprof", "", "pprof HTTP server address (e.g. localhost:6060), loopback only")

	flagCfg := config.Default(time.Now())

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Record the stream until end of stream or SIGINT/SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, flagCfg, true)
			if err != nil {
				return err
			}
			if err := filterHandler.ApplyLevelSpecs(cfg.LogLevels()); err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return run(ctx, logger, cfg)
		},
	}
	bindRunFlags(runCmd, &flagCfg)

	recoverCmd := &cobra.Command{
		Use:   "recover",
		Short: "Compress segments left uncompressed by an abrupt stop",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, flagCfg, false)
			if err != nil {
				return err
			}
			if err := filterHandler.ApplyLevelSpecs(cfg.LogLevels()); err != nil {
				return err
			}
			return recoverPrefix(logger, cfg)
		},
	}
	bindRecoverFlags(recoverCmd, &flagCfg)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(runCmd, recoverCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
