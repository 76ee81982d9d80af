package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mdakk072/scrapperManager/internal/bus"
	"github.com/mdakk072/scrapperManager/internal/log"
	"github.com/mdakk072/scrapperManager/internal/remote"
	"github.com/mdakk072/scrapperManager/internal/service"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run schedules the configured profiles and serves remote commands",
	RunE:  doRun,
}

var startCmd = &cobra.Command{
	Use:   "start <profile>",
	Short: "start asks a running manager to launch a profile now",
	Args:  cobra.ExactArgs(1),
	RunE:  doStart,
}

var stopCmd = &cobra.Command{
	Use:   "stop <worker-id>",
	Short: "stop asks a running manager to terminate a worker",
	Args:  cobra.ExactArgs(1),
	RunE:  doStop,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "watch prints the status broadcasts of a running manager as JSON lines",
	RunE:  doWatch,
}

func signalContext(cmd *cobra.Command, name string) (context.Context, context.CancelFunc) {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	attrs := slog.Group("scrapper",
		slog.String("cmd", name),
		slog.Int("pid", os.Getpid()),
	)
	return log.ContextAttrs(ctx, attrs), cancel
}

func doRun(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signalContext(cmd, "run")
	defer cancel()

	registry := service.NewRegistry()
	specs, err := config.ProfileSpecs()
	if err != nil {
		return err
	}
	for _, spec := range specs {
		if err := registry.Register(spec); err != nil {
			return err
		}
		slog.DebugContext(ctx, "profile registered", "profile", spec.Name, "interval", spec.Interval)
	}

	timings, err := config.Service.Timings()
	if err != nil {
		return err
	}
	stopTimeout, err := config.Worker.StopTimeoutDuration()
	if err != nil {
		return fmt.Errorf("worker.stop_timeout: %w", err)
	}

	net := config.Network
	telemetryHost := net.TelemetryHost
	if telemetryHost == "" {
		telemetryHost = net.Host
	}
	transport := bus.NewZMQ(telemetryHost)

	publisher, err := transport.Publish(ctx, bus.TCPEndpoint(net.Host, net.PublishPort))
	if err != nil {
		return fmt.Errorf("binding status broadcast: %w", err)
	}
	replier, err := transport.Reply(ctx, bus.TCPEndpoint(net.Host, net.ResponsePort))
	if err != nil {
		_ = publisher.Close()
		return fmt.Errorf("binding command endpoint: %w", err)
	}

	opts := []service.Option{
		service.WithStopTimeout(stopTimeout),
		service.WithTelemetryTimeout(timings.TelemetryTimeout),
	}
	if timings.BackoffInitial > 0 {
		opts = append(opts, service.WithBackoff(service.ExponentialBackoff(timings.BackoffInitial, timings.BackoffMax)))
	}
	supervisor := service.NewSupervisor(transport, registry, service.NewCommand(config.BasePath, config.Worker), opts...)

	channel := remote.New(supervisor, replier, publisher,
		remote.WithBroadcastInterval(timings.BroadcastInterval),
		remote.WithPollTimeout(timings.PollTimeout),
	)
	defer func() {
		if err := channel.Close(); err != nil {
			slog.ErrorContext(ctx, "closing command channel failed", "error", err)
		}
	}()

	slog.InfoContext(ctx, "scrapper manager started",
		"profiles", len(specs),
		"publish", bus.TCPEndpoint(net.Host, net.PublishPort),
		"response", bus.TCPEndpoint(net.Host, net.ResponsePort),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return supervisor.Do(ctx)
	})
	g.Go(func() error {
		return channel.Do(ctx)
	})
	return g.Wait()
}

func newClient(ctx context.Context) (*remote.Client, error) {
	req, err := bus.NewZMQ(config.Network.Host).Request(ctx, bus.TCPEndpoint(config.Network.Host, config.Network.ResponsePort))
	if err != nil {
		return nil, err
	}
	return remote.NewClient(req, flagTimeout), nil
}

func doStart(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd, "start")
	defer cancel()

	client, err := newClient(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	id, err := client.Start(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func doStop(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd, "stop")
	defer cancel()

	client, err := newClient(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()
	return client.Stop(ctx, args[0])
}

func doWatch(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signalContext(cmd, "watch")
	defer cancel()

	net := config.Network
	sub, err := bus.NewZMQ(net.Host).Subscribe(ctx, bus.TCPEndpoint(net.Host, net.PublishPort))
	if err != nil {
		return err
	}
	defer func() {
		if err := sub.Close(); err != nil && !errors.Is(err, bus.ErrClosed) {
			slog.WarnContext(ctx, "closing subscription failed", "error", err)
		}
	}()

	enc := json.NewEncoder(cmd.OutOrStdout())
	return remote.Watch(ctx, sub, func(st remote.Status) error {
		return enc.Encode(st)
	})
}
