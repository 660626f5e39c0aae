package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/wesleyorama2/loadrunner/internal/collection"
	"github.com/wesleyorama2/loadrunner/internal/config"
	"github.com/wesleyorama2/loadrunner/internal/container"
	"github.com/wesleyorama2/loadrunner/internal/heartbeat"
	lrhttp "github.com/wesleyorama2/loadrunner/internal/http"
	"github.com/wesleyorama2/loadrunner/internal/loadgen"
	"github.com/wesleyorama2/loadrunner/internal/loadrunner"
	"github.com/wesleyorama2/loadrunner/internal/notify"
	"github.com/wesleyorama2/loadrunner/internal/profiling"
	"github.com/wesleyorama2/loadrunner/internal/project"
	"github.com/wesleyorama2/loadrunner/internal/server"
	"github.com/wesleyorama2/loadrunner/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the load test engine and its control server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringP("config", "c", "", "Path to the configuration file")
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	noColor, _ := cmd.Flags().GetBool("no-color")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := configureLogging(cfg.LogLevel, cfg.LogFormat); err != nil {
		return err
	}

	registry, err := project.LoadRegistry(cfg.ProjectsFile)
	if err != nil {
		return err
	}

	service, err := loadgen.NewClient(cfg.LoadService.URL, cfg.LoadService.SocketPath,
		loadgen.WithReconnectInterval(cfg.LoadService.ReconnectInterval),
		loadgen.WithHTTPOptions(lrhttp.WithTimeout(cfg.LoadService.Timeout)),
	)
	if err != nil {
		return errors.Wrap(err, "invalid load service configuration")
	}

	var exec container.Exec
	if e, err := container.New(cfg.Container); err != nil {
		log.WithError(err).Warn("Container runtime unavailable, agent profiling disabled")
	} else {
		exec = e
	}

	hub := notify.NewHub()
	emitter := notify.Multi{hub, notify.NewConsole(cmd.OutOrStdout(), noColor)}
	metrics := telemetry.NewMetrics()

	probe := profiling.NewHTTPProbe(cfg.Profiling.Agent.HealthPath, cfg.Metrics.Timeout)
	selector := profiling.NewSelector(cfg.Profiling, exec, probe, emitter, metrics)
	coordinator := collection.NewCoordinator(emitter, cfg.Metrics.Timeout)

	engine := loadrunner.New(registry, service, coordinator, selector, emitter,
		loadrunner.WithHeartbeat(heartbeat.NewReporter(emitter, cfg.Heartbeat.Interval)),
		loadrunner.WithTelemetry(metrics),
	)
	srv := server.New(engine, hub, metrics.Handler())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return service.Run(ctx) })
	g.Go(func() error { return engine.Run(ctx, service.Events()) })
	g.Go(func() error { return srv.ListenAndServe(ctx, cfg.Listen) })

	err = g.Wait()
	engine.Wait()
	coordinator.Wait()
	log.Info("Shut down")
	return err
}
