package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/mdakk072/scrapperManager/internal/log"
	"github.com/mdakk072/scrapperManager/internal/model"
	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	userConfigPath string // /default/config/path/scrapper on given OS
	configPath     string // actual config file used
	config         model.Config
	logCloser      io.Closer

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
	flagTimeout        time.Duration
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "scrapper")
}

func main() {
	// root flags
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is scrapper.yaml in current directory or in "+userConfigPath)
	flags.BoolVar(&flagVerbose, "verbose", false, "verbose logging")
	flags.String("host", "", "host of the publish and response endpoints, overrides network.host")
	flags.Int("publish-port", 0, "port of the status broadcast, overrides network.publish_port")
	flags.Int("response-port", 0, "port of the command endpoint, overrides network.response_port")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initScrapper
	rootCmd.PersistentPostRunE = func(*cobra.Command, []string) error {
		if logCloser != nil {
			return logCloser.Close()
		}
		return nil
	}

	for _, c := range []*cobra.Command{startCmd, stopCmd} {
		c.Flags().DurationVar(&flagTimeout, "timeout", 5*time.Second, "how long to wait for the reply of the manager")
	}

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("scrapper failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "scrapper",
	Short:        "Manager scheduling and supervising scraper processes",
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a scrapper",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("scrapper: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config:   %s\n", configPath)
		}
		fmt.Printf("scrapper: %s\n", info.Main.Version)
		fmt.Printf("go:       %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:   %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:     %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:    %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func initScrapper(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("SCRAPPERCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "scrapper.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig()
		configPath = filepath.Join(userConfigPath, "scrapper.yaml")
		if err := storeConfig(configPath, config); err != nil {
			return err
		}
	} else {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		config = *cfg
	}

	if err := applyOverrides(cmd.Flags(), &config); err != nil {
		return err
	}

	// initialize logging, --verbose has a precedence over config file
	logger, closer, err := log.New(config.Log, flagVerbose)
	if err != nil {
		return err
	}
	logCloser = closer
	slog.SetDefault(logger)

	slog.Debug("scrapper run", "configPath", configPath)
	slog.Debug("scrapper run", "config", config)
	return nil
}

func loadConfig(path string) (*model.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	cfg, err := model.LoadConfig(f)
	if err != nil {
		for _, d := range model.ConfigErrDetails(err) {
			slog.Error("invalid config", d.Attr("detail"))
		}
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	// base_path is relative to the config file
	if !filepath.IsAbs(cfg.BasePath) {
		cfg.BasePath = filepath.Join(filepath.Dir(path), cfg.BasePath)
	}
	return cfg, nil
}

func storeConfig(path string, cfg model.Config) error {
	err := os.MkdirAll(filepath.Dir(path), 0755)
	if err != nil {
		return fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("storing configuration: %w", err)
	}
	return enc.Close()
}

// applyOverrides puts flags and SCRAPPER_* environment variables on top of
// the config file, flags win over the environment.
func applyOverrides(flags *pflag.FlagSet, cfg *model.Config) error {
	v := viper.New()
	v.SetEnvPrefix("scrapper")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for _, name := range []string{"host", "publish-port", "response-port"} {
		if f := flags.Lookup(name); f != nil {
			if err := v.BindPFlag(name, f); err != nil {
				return fmt.Errorf("binding --%s: %w", name, err)
			}
		}
	}

	if v.IsSet("host") {
		cfg.Network.Host = v.GetString("host")
	}
	if v.IsSet("publish-port") {
		cfg.Network.PublishPort = v.GetInt("publish-port")
	}
	if v.IsSet("response-port") {
		cfg.Network.ResponsePort = v.GetInt("response-port")
	}
	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
