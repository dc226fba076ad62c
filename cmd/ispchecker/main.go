package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/debug"

	"github.com/ispchecker/ispchecker/internal/config"
	"github.com/ispchecker/ispchecker/internal/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const configEnv = "ISPCHECKER_CONFIG"

var (
	configPath string // config file given by ISPCHECKER_CONFIG or --config
	cfg        config.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is ispchecker.yaml in current directory")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse a config, setup logging
	rootCmd.PersistentPreRunE = initChecker

	probeCmd.Flags().StringVar(&flagMode, "mode", "full", "probe mode: full, ping, dns or traceroute")
	probeCmd.Flags().BoolVar(&flagPretty, "pretty", false, "print a colored verdict instead of JSON")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("ispchecker failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "ispchecker",
	Short:        "ISP health checker service and probe runner",
	SilenceUsage: true,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "config prints the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return printConfig(cmd.OutOrStdout(), cfg)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of an ispchecker",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("ispchecker: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config:     %s\n", configPath)
		}
		fmt.Printf("ispchecker: %s\n", info.Main.Version)
		fmt.Printf("go:         %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:     %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:       %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:      %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

// version returns the module version of the binary.
func version() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" {
		return "(devel)"
	}
	return info.Main.Version
}

func initChecker(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv(configEnv); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	}

	var err error
	cfg, err = config.Load(viper.New(), configPath)
	if err != nil {
		var verr *config.ValidationError
		if errors.As(err, &verr) {
			for _, d := range verr.Details {
				slog.Error("invalid configuration", d.Attr("detail"))
			}
		}
		return fmt.Errorf("parsing config: %w", err)
	}

	// --verbose has a precedence over config file
	level, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	if flagVerbose {
		level = slog.LevelDebug
	}

	logger, err := log.New(os.Stderr, cfg.Log.Format, level)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	slog.Debug("ispchecker run", "configPath", configPath)
	slog.Debug("ispchecker run", "config", cfg)
	return nil
}

func printConfig(w io.Writer, c config.Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("encoding configuration: %w", err)
	}
	return enc.Close()
}
