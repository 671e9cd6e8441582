package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"node.town/speechbuf/config"
)

var logger *log.Logger

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(transcribeCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(recentCmd)
	rootCmd.AddCommand(serveCmd)

	flags := rootCmd.PersistentFlags()
	flags.String("speechmatics-api-key", "", "Speechmatics API key")
	flags.String("speechmatics-url", "", "Speechmatics real-time endpoint")
	flags.String("language", "", "Recognition language")
	flags.Int("chunk-ms", 0, "Milliseconds of audio per uploaded chunk")
	flags.Duration("reconnect-delay", 0, "Wait between reconnect attempts")
	flags.Int("max-reconnects", 0, "Reconnect attempts before giving up")
	flags.String("database-url", "", "Postgres URL for storing results")
	flags.Int("http-port", 0, "Diagnostics HTTP server port")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.Bool("realtime", false, "Feed audio at capture speed")

	// Only flags the user actually set override the config file.
	for _, name := range []string{
		"speechmatics-api-key",
		"speechmatics-url",
		"language",
		"chunk-ms",
		"reconnect-delay",
		"max-reconnects",
		"database-url",
		"http-port",
		"log-level",
		"realtime",
	} {
		viper.BindPFlag(strings.ReplaceAll(name, "-", "_"), flags.Lookup(name))
	}
}

func initConfig() {
	if err := config.Init(viper.GetViper()); err != nil {
		fmt.Printf("Error reading config file: %s\n", err)
	}

	logger = log.New(os.Stderr)
}

var rootCmd = &cobra.Command{
	Use:   "speechbuf",
	Short: "Stream audio to a speech recognizer without losing any of it",
	Long: `speechbuf streams PCM audio to a real-time speech recognition service,
keeping every chunk until the service has produced a final transcript for it,
so that a dropped connection resends exactly what was not yet recognized.`,
}

func loadConfig() config.Config {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return cfg
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func createLoggers(level log.Level) (mainLogger, hearLogger, dataLogger, httpLogger *log.Logger) {
	logger.SetLevel(level)
	logger.SetReportCaller(level == log.DebugLevel)
	logger.SetCallerFormatter(
		func(file string, line int, funcName string) string {
			path, err := filepath.Rel(".", file)
			if err != nil {
				path = file
			}
			return fmt.Sprintf("%s:%d", path, line)
		},
	)

	styles := log.DefaultStyles()
	styles.Prefix = styles.Prefix.MarginTop(1).
		Bold(false).Transform(func(s string) string {
		return strings.TrimSuffix(s, ":")
	})
	styles.Levels[log.InfoLevel] = styles.Levels[log.InfoLevel].
		MaxWidth(6).
		MarginRight(1).
		Bold(false)
	styles.Levels[log.ErrorLevel] = styles.Levels[log.ErrorLevel].
		MaxWidth(6).
		MarginRight(1).
		Bold(false)
	styles.Message = styles.Message.Bold(true).Width(24)
	styles.Key = styles.Key.MarginLeft(1).
		Bold(false).
		Foreground(lipgloss.Color("#ff8800"))

	logger.SetStyles(styles)

	mainLogger = logger.With().WithPrefix("main")
	hearLogger = logger.With().WithPrefix("hear")
	dataLogger = logger.With().WithPrefix("data")
	httpLogger = logger.With().WithPrefix("http")

	return
}
