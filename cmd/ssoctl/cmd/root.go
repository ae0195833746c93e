// Package cmd implements the ssoctl commands. They run the engine in process against the
// configured backends.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.pilab.hu/ssoengine/config"
	"go.pilab.hu/ssoengine/internal/bootstrap"
	"go.pilab.hu/ssoengine/log"
	"go.pilab.hu/ssoengine/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

var (
	cfgFile   string
	appLogger log.Logger
	serverCfg *config.ServerConfig
	tracer    *sdktrace.TracerProvider
)

var rootCmd = &cobra.Command{
	Use:           "ssoctl",
	Short:         "ssoctl operates the OAuth 2.0 / OpenID Connect token engine",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.LoadConfig(cfgFile)
		if err != nil {
			return err
		}
		serverCfg = cfg
		// logs go to stderr so command output stays machine readable
		appLogger = log.NewZerologAdapterWithWriter(os.Stderr, log.ParseLevel(cfg.LogLevel))

		if cfg.TracingEnabled {
			tracer, err = tracing.InitTracerProvider(cmd.Context(), tracing.Options{
				ServiceName: cfg.OtelServiceName,
				Output:      os.Stderr,
			})
			if err != nil {
				return fmt.Errorf("failed to initialize tracing: %w", err)
			}
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
		if tracer != nil {
			return tracer.Shutdown(context.WithoutCancel(cmd.Context()))
		}
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
}

// withEngine builds the engine for the duration of fn.
func withEngine(ctx context.Context, fn func(*bootstrap.Engine) error) error {
	engine, err := bootstrap.New(ctx, serverCfg, appLogger)
	if err != nil {
		return err
	}
	defer func() {
		if err := engine.Close(context.WithoutCancel(ctx)); err != nil {
			appLogger.Error(ctx, "Failed to close engine", err)
		}
	}()
	return fn(engine)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
