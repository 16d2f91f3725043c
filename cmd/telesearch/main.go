package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/telesearch/telesearch/internal/log"
	"github.com/telesearch/telesearch/internal/model"
	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	userConfigPath string // /default/config/path/telesearch on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config

	flagConfigFilePath string // value of --config flag
	flags              = viper.New()
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "telesearch")
}

func main() {
	// root flags
	pflags := rootCmd.PersistentFlags()
	pflags.StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is telesearch.yaml in current directory or in "+userConfigPath)
	pflags.Bool("verbose", false, "verbose logging")
	pflags.String("root", "", "project root holding the worker scripts")

	// --root and --verbose can be set as TELESEARCH_ROOT and TELESEARCH_VERBOSE too
	flags.SetEnvPrefix("telesearch")
	for _, name := range []string{"root", "verbose"} {
		if err := flags.BindPFlag(name, pflags.Lookup(name)); err != nil {
			panic(err)
		}
		if err := flags.BindEnv(name); err != nil {
			panic(err)
		}
	}

	// never print messages
	rootCmd.SilenceErrors = true

	// parse the config, setup logging
	rootCmd.PersistentPreRunE = initTelesearch

	indexCmd.Flags().Int64Var(&flagChatID, "chat-id", 0, "chat to index")
	indexCmd.Flags().IntVar(&flagYears, "years", 0, "how many years of history to index, default from config")
	_ = indexCmd.MarkFlagRequired("chat-id")

	searchCmd.Flags().IntVar(&flagLimit, "limit", 0, "maximum number of results")
	searchCmd.Flags().Int64Var(&flagChatID, "chat-id", 0, "search only in this chat")

	daemonCmd.Flags().BoolVar(&flagNow, "now", false, "start a sync right away, before the first scheduled one")
	daemonCmd.Flags().DurationVar(&flagMetricsInterval, "metrics-interval", 0, "print task metrics to stderr at this interval, 0 disables")

	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(chatsCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("telesearch failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "telesearch",
	Short:        "Runs and supervises the telesearch indexing and sync workers",
	SilenceUsage: true,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "config prints the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(config); err != nil {
			return fmt.Errorf("encoding configuration: %w", err)
		}
		return enc.Close()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a telesearch",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("telesearch: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config:     %s\n", configPath)
		}
		fmt.Printf("telesearch: %s\n", info.Main.Version)
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

func initTelesearch(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("TELESEARCHCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "telesearch.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	if configPath == "" {
		config = model.DefaultConfig(cmd.Context())
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		config, err = model.LoadConfig(f)
		if err != nil {
			for _, d := range model.CueErrDetails(err) {
				slog.Error("invalid config", d.Attr("detail"))
			}
			return fmt.Errorf("parsing config %s: %w", configPath, err)
		}
	}

	// flags and environment have a precedence over config file
	if root := flags.GetString("root"); root != "" {
		config.Root = root
	}
	if flags.GetBool("verbose") {
		config.Service.Verbose = true
	}

	slog.SetDefault(log.New(config.Service.Verbose, config.Service.Log))

	slog.Debug("telesearch run", "configPath", configPath)
	slog.Debug("telesearch run", "config", config)
	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
