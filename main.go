// Package main provides the entry point for the readalong CLI.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	gap "github.com/muesli/go-app-paths"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bookbridge/readalong/playback"
)

var (
	// Version as provided by goreleaser.
	Version = ""
	// CommitSHA as provided by goreleaser.
	CommitSHA = ""

	configFile string

	rootCmd = &cobra.Command{
		Use:   "readalong BOOK [CHUNK]",
		Short: "Read along with narrated books in the terminal",
		Long: paragraph(
			fmt.Sprintf("\nPlay a book's narration and %s as it is spoken.", keyword("highlight every word")),
		),
		SilenceErrors:    false,
		SilenceUsage:     true,
		TraverseChildren: true,
		Args:             cobra.RangeArgs(1, 2),
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return validateOptions()
		},
		RunE: executePlay,
	}
)

func validateOptions() error {
	if viper.GetBool("debug") {
		log.SetLevel(log.DebugLevel)
	}
	if _, err := playback.ParseLevel(viper.GetString("level")); err != nil {
		return err
	}
	switch driver := viper.GetString("database.driver"); driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q: use sqlite3 or postgres", driver)
	}
	if viper.GetDuration("database.flush_interval") <= 0 {
		return errors.New("database.flush_interval must be positive")
	}
	return nil
}

func main() {
	closer, err := setupLog()
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	if err := rootCmd.Execute(); err != nil {
		_ = closer()
		os.Exit(1)
	}
	_ = closer()
}

func init() {
	loadDotEnv()
	tryLoadConfigFromDefaultPlaces()
	if len(CommitSHA) >= 7 {
		vt := rootCmd.VersionTemplate()
		rootCmd.SetVersionTemplate(vt[:len(vt)-1] + " (" + CommitSHA[0:7] + ")\n")
	}
	if Version == "" {
		Version = "unknown (built from source)"
	}
	rootCmd.Version = Version
	rootCmd.InitDefaultCompletionCmd()

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", fmt.Sprintf("config file (default %s)", viper.GetViper().ConfigFileUsed()))
	rootCmd.PersistentFlags().Bool("debug", false, "log at debug level")
	rootCmd.PersistentFlags().String("db", "", "calibration database (sqlite path or postgres dsn)")
	rootCmd.PersistentFlags().String("db-driver", "sqlite3", "calibration database driver (sqlite3, postgres)")
	rootCmd.Flags().StringP("assets", "A", "", "asset directory or http(s) asset service")
	rootCmd.Flags().StringP("level", "L", "B1", "CEFR level (A1-C2)")
	rootCmd.Flags().String("voice", "", "voice id (default: the level's voice)")
	rootCmd.Flags().Int("chunks", 0, "number of chunks in the book, when known")
	rootCmd.Flags().Bool("silent", false, "simulate audio instead of using the sound card")
	rootCmd.Flags().Bool("plain", false, "print highlighted words instead of starting the reader")
	rootCmd.Flags().BoolP("mouse", "m", false, "enable mouse wheel scrolling")

	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	_ = viper.BindPFlag("database.dsn", rootCmd.PersistentFlags().Lookup("db"))
	_ = viper.BindPFlag("database.driver", rootCmd.PersistentFlags().Lookup("db-driver"))
	_ = viper.BindPFlag("assets", rootCmd.Flags().Lookup("assets"))
	_ = viper.BindPFlag("level", rootCmd.Flags().Lookup("level"))
	_ = viper.BindPFlag("voice", rootCmd.Flags().Lookup("voice"))
	_ = viper.BindPFlag("chunks", rootCmd.Flags().Lookup("chunks"))
	_ = viper.BindPFlag("silent", rootCmd.Flags().Lookup("silent"))
	_ = viper.BindPFlag("plain", rootCmd.Flags().Lookup("plain"))
	_ = viper.BindPFlag("mouse", rootCmd.Flags().Lookup("mouse"))

	viper.SetDefault("level", "B1")
	viper.SetDefault("database.driver", "sqlite3")
	viper.SetDefault("database.flush_interval", "10s")
	viper.SetDefault("http.timeout", "10s")
	viper.SetDefault("http.requests_per_minute", 120)
	viper.SetDefault("http.cache_size", "32MB")
	viper.SetDefault("http.cache_ttl", "24h")
	playback.SetDefaults()

	rootCmd.AddCommand(calibrationCmd, configCmd, manCmd)
}

// loadDotEnv reads a .env file from the working directory, if any.
func loadDotEnv() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn("Could not parse .env file", "err", err)
	}
}

func tryLoadConfigFromDefaultPlaces() {
	scope := gap.NewScope(gap.User, "readalong")
	dirs, err := scope.ConfigDirs()
	if err != nil {
		fmt.Println("Could not load find configuration directory.")
		os.Exit(1)
	}

	if c := os.Getenv("XDG_CONFIG_HOME"); c != "" {
		dirs = append([]string{filepath.Join(c, "readalong")}, dirs...)
	}

	if c := os.Getenv("READALONG_CONFIG_HOME"); c != "" {
		dirs = append([]string{c}, dirs...)
	}

	for _, v := range dirs {
		viper.AddConfigPath(v)
	}

	viper.SetConfigName("readalong")
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("readalong")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Warn("Could not parse configuration file", "err", err)
		}
	}

	if used := viper.ConfigFileUsed(); used != "" {
		log.Debug("Using configuration file", "path", viper.ConfigFileUsed())
		return
	}

	if viper.ConfigFileUsed() == "" {
		configFile = filepath.Join(dirs[0], "readalong.yml")
	}
	if err := ensureConfigFile(); err != nil {
		log.Error("Could not create default configuration", "error", err)
	}
}
