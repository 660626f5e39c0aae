package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/wesleyorama2/loadrunner/internal/output"
)

var version = "0.1.0"

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:     "loadrunner",
	Short:   "Orchestrates load tests and profiling against running applications",
	Version: version,
	Long: `Loadrunner drives load tests against registered applications. It asks a
load-generation service to put the application under load, records the
application's metrics for the duration of the run and profiles the
application while the load is applied.`,
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		// If no subcommand is provided, print help
		cmd.Help()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	return nil
}

func init() {
	RootCmd.PersistentFlags().Bool("no-color", false, "Disable colored output")
	RootCmd.PersistentFlags().StringP("output", "o", "text", "Output format (text, json, yaml)")

	RootCmd.AddCommand(serveCmd)
	RootCmd.AddCommand(validateCmd)
	RootCmd.AddCommand(statusCmd)
	RootCmd.AddCommand(versionCmd)
}

// configureLogging sets the global logrus level and formatter.
func configureLogging(level, format string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return errors.Wrapf(err, "invalid log level %q", level)
	}
	log.SetLevel(lvl)
	log.SetOutput(os.Stdout)

	switch strings.ToLower(format) {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// formatter builds the output formatter from the persistent flags.
func formatter(cmd *cobra.Command) (*output.Formatter, error) {
	noColor, _ := cmd.Flags().GetBool("no-color")
	name, _ := cmd.Flags().GetString("output")

	format, err := output.ParseFormat(name)
	if err != nil {
		return nil, err
	}
	return output.NewFormatter(format, noColor), nil
}
