// Package cli implements the sentinel command line.
package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	logLevel  string
	logFormat string
	serverURL string
)

var rootCmd = &cobra.Command{
	Use:   "sentinel",
	Short: "Sentinel - observe, analyze and respond to application threats",
	Long: `Sentinel watches application traffic, data access and user behavior,
scores each security event as a threat assessment and applies countermeasures
such as rate limits, IP and user blocks, honeypot redirects and alerts.

Configuration is read from SENTINEL_* environment variables.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "Log format: json or text")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", os.Getenv("SENTINEL_SERVER_URL"), "URL of a running sentinel server (e.g. http://localhost:8080)")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func newLogger() (*logrus.Logger, error) {
	log := logrus.New()
	switch logFormat {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	case "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("unknown log format %q", logFormat)
	}
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return nil, err
	}
	log.SetLevel(level)
	return log, nil
}

// waitForSignal blocks until SIGINT or SIGTERM.
func waitForSignal() os.Signal {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	return <-sigChan
}
