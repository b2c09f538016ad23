package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/harunnryd/speechbridge/pkg/bridge"
	"github.com/harunnryd/speechbridge/pkg/logging"
	"github.com/harunnryd/speechbridge/pkg/redact"
	"github.com/harunnryd/speechbridge/pkg/runner"
)

var (
	cfgFile string
	quiet   bool
	v       = bridge.NewViper()
)

var rootCmd = &cobra.Command{
	Use:           "speechbridge",
	Short:         "Speech-to-text bridge for external media connections",
	Long:          "Accepts speech_to_text websocket connections and relays their audio to a streaming recognition backend.",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge until SIGINT or SIGTERM",
	RunE:  runServe,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := bridge.LoadFromViper(v, cfgFile)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Current Configuration:\n")
		fmt.Fprintf(out, "  Listen: %s%s\n", cfg.Server.Addr, cfg.Server.Path)
		fmt.Fprintf(out, "  Subprotocols: %s\n", strings.Join(cfg.Server.Subprotocols, ","))
		fmt.Fprintf(out, "  Provider: %s\n", cfg.Provider.Name)
		for _, line := range settingLines(cfg.Provider.Settings) {
			fmt.Fprintf(out, "    %s\n", line)
		}
		fmt.Fprintf(out, "  Default codec: %s/%d\n", cfg.Codecs.Default.Name, cfg.Codecs.Default.SampleRate)
		fmt.Fprintf(out, "  Default language: %s\n", cfg.Languages.Default)
		fmt.Fprintf(out, "  Max results: %d\n", cfg.Provider.MaxResults)
		fmt.Fprintf(out, "  Metrics: %t (%s)\n", cfg.Metrics.Enabled, cfg.Metrics.Path)
		fmt.Fprintf(out, "  Drain timeout: %s\n", cfg.Shutdown.DrainTimeout)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), runner.Version)
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (YAML); defaults and environment apply without one")
	flags.Int("port", 0, "listen port, overrides server.addr's port")
	flags.String("provider", "", "recognition backend: google, gladia, deepgram or mock")
	flags.String("log-level", "", "debug, info, warn or error")
	flags.String("log-format", "", "text or json")
	flags.BoolVar(&quiet, "quiet", false, "suppress the startup banner")

	_ = v.BindPFlag("server.port", flags.Lookup("port"))
	_ = v.BindPFlag("provider.name", flags.Lookup("provider"))
	_ = v.BindPFlag("log_level", flags.Lookup("log-level"))
	_ = v.BindPFlag("log_format", flags.Lookup("log-format"))

	rootCmd.AddCommand(serveCmd, configCmd, versionCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := bridge.LoadFromViper(v, cfgFile)
	if err != nil {
		return err
	}
	logger := logging.InitLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)
	logger.Info("config_loaded",
		"config", cfgFile,
		"provider", cfg.Provider.Name,
		"settings", strings.Join(settingLines(cfg.Provider.Settings), " "),
	)

	engine, err := bridge.NewEngine(bridge.EngineOptions{
		Config:       cfg,
		Logger:       logger,
		BannerOutput: cmd.OutOrStdout(),
		Quiet:        quiet,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := engine.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	logger.Info("signal_received")
	if err := engine.Stop(); err != nil {
		logger.Warn("shutdown_incomplete", "error", err)
		return err
	}
	return nil
}

// settingLines renders provider settings as key=value pairs with credentials masked.
func settingLines(settings map[string]any) []string {
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		val := fmt.Sprint(settings[k])
		if isSecretKey(k) {
			val = redact.Secret(val)
		}
		lines = append(lines, k+"="+val)
	}
	return lines
}

func isSecretKey(key string) bool {
	key = strings.ToLower(key)
	for _, marker := range []string{"key", "token", "secret", "credentials", "password"} {
		if strings.Contains(key, marker) {
			return true
		}
	}
	return false
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command_failed", "error", err)
		os.Exit(1)
	}
}
