package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wesleyorama2/loadrunner/internal/config"
	"github.com/wesleyorama2/loadrunner/internal/output"
)

var validateCmd = &cobra.Command{
	Use:   "validate FILE",
	Short: "Validate a load test configuration file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := formatter(cmd)
		if err != nil {
			return err
		}
		noColor, _ := cmd.Flags().GetBool("no-color")

		lc, err := config.ReadLoadConfig(args[0])
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s %s\n", output.ErrorIcon(noColor), args[0])
			return err
		}

		fields := []output.Field{
			{Key: "Path", Value: lc.Path},
			{Key: "Method", Value: lc.Method},
			{Key: "Requests/sec", Value: lc.RequestsPerSecond},
			{Key: "Concurrency", Value: lc.Concurrency},
			{Key: "Duration", Value: fmt.Sprintf("%ds", lc.MaxSeconds)},
		}
		if lc.Body != "" {
			fields = append(fields, output.Field{Key: "Content-Type", Value: lc.ContentType})
		}
		return f.Write(cmd.OutOrStdout(), output.SuccessIcon(noColor)+" "+args[0], fields, lc)
	},
}
