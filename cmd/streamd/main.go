package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	clientcmd "github.com/rzbill/streamd/internal/cmd/client"
	serverrun "github.com/rzbill/streamd/internal/cmd/server"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:          "streamd",
		Short:        "streamd event streaming server and client",
		Long:         "streamd delivers ordered, resumable Server-Sent Event streams per session. This CLI runs the server and talks to it.",
		Version:      version,
		SilenceUsage: true,
	}

	// server start
	serverCmd := &cobra.Command{Use: "server", Short: "Server commands"}
	serverStartCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start streamd (HTTP gateway and optional gRPC health)",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			httpAddr, _ := cmd.Flags().GetString("http")
			grpcAddr, _ := cmd.Flags().GetString("grpc")
			dataDir, _ := cmd.Flags().GetString("data-dir")
			sequence, _ := cmd.Flags().GetString("sequence")
			fsync, _ := cmd.Flags().GetString("fsync")
			logLevel, _ := cmd.Flags().GetString("log-level")
			logFormat, _ := cmd.Flags().GetString("log-format")

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if err := serverrun.Run(ctx, serverrun.Options{
				ConfigPath: configPath,
				Version:    version,
				HTTPAddr:   httpAddr,
				GRPCAddr:   grpcAddr,
				DataDir:    dataDir,
				Sequence:   sequence,
				Fsync:      fsync,
				LogLevel:   logLevel,
				LogFormat:  logFormat,
			}); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		},
	}
	serverStartCmd.Flags().String("config", os.Getenv("STREAMD_CONFIG"), "Config file (YAML or JSON); reloaded on change")
	serverStartCmd.Flags().String("http", "", "HTTP listen address (overrides config)")
	serverStartCmd.Flags().String("grpc", "", "gRPC health listen address (overrides config)")
	serverStartCmd.Flags().String("data-dir", "", "Data directory (if not specified, uses OS-specific application data directory)")
	serverStartCmd.Flags().String("sequence", "", "Sequence strategy: memory|persisted|timestamp|postgres")
	serverStartCmd.Flags().String("fsync", "", "Fsync mode: always|interval|never")
	serverStartCmd.Flags().String("log-level", "", "Log level: debug|info|warn|error")
	serverStartCmd.Flags().String("log-format", "", "Log format: text|json")
	serverCmd.AddCommand(serverStartCmd)
	rootCmd.AddCommand(serverCmd)

	rootCmd.AddCommand(clientcmd.NewStreamCommand(apiURL))

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func apiURL() string {
	if v := os.Getenv("STREAMD_URL"); v != "" {
		return v
	}
	return "http://127.0.0.1:8080"
}
