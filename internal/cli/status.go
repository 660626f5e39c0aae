package cli

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	lrhttp "github.com/wesleyorama2/loadrunner/internal/http"
	"github.com/wesleyorama2/loadrunner/internal/loadrunner"
	"github.com/wesleyorama2/loadrunner/internal/output"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of the engine's current load run",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		serverURL, _ := cmd.Flags().GetString("server")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		f, err := formatter(cmd)
		if err != nil {
			return err
		}

		client := lrhttp.NewClient(lrhttp.WithBaseURL(serverURL), lrhttp.WithTimeout(timeout))
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		resp, err := client.Do(ctx, lrhttp.NewRequest("GET", "/api/v1/loadtest"))
		if err != nil {
			return errors.Wrap(err, "failed to reach loadrunner")
		}
		if !resp.IsSuccess() {
			return errors.Errorf("loadrunner returned %s", resp.Status)
		}

		var status loadrunner.Status
		if err := resp.GetBodyAsJSON(&status); err != nil {
			return errors.Wrap(err, "invalid status response")
		}

		fields := []output.Field{
			{Key: "State", Value: status.State},
			{Key: "Connected", Value: status.Connected},
		}
		if status.ProjectID != "" {
			fields = append(fields,
				output.Field{Key: "Project", Value: status.ProjectID},
				output.Field{Key: "Run", Value: status.Timestamp},
			)
		}
		if status.Description != "" {
			fields = append(fields, output.Field{Key: "Description", Value: status.Description})
		}
		if status.Profiling != "" {
			fields = append(fields, output.Field{Key: "Profiling", Value: status.Profiling})
		}
		return f.Write(cmd.OutOrStdout(), "Load run", fields, status)
	},
}

func init() {
	statusCmd.Flags().StringP("server", "s", "http://localhost:9095", "Address of the loadrunner control server")
	statusCmd.Flags().Duration("timeout", 10*time.Second, "Request timeout")
}
