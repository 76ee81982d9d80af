// Package remote is the operator facing side of the manager. A Channel
// answers start and stop commands on a request/response endpoint and
// periodically broadcasts the state of the fleet, a Client sends those
// commands and decodes the broadcasts.
//
// Requests have the form command::data, every request is answered with
// ok::data or error::reason.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mdakk072/scrapperManager/internal/bus"
	"github.com/mdakk072/scrapperManager/internal/log"
	"github.com/mdakk072/scrapperManager/internal/model"
	"github.com/mdakk072/scrapperManager/internal/service"
)

const (
	CmdStart = "start_scraper"
	CmdStop  = "stop_scraper"

	TopicWorkers  = "scraper_status"
	TopicProfiles = "profiles_status"

	ReplyOK    = "ok"
	ReplyError = "error"
)

const (
	defaultBroadcastInterval = time.Second
	defaultPollTimeout       = 500 * time.Millisecond
	// panicDelay is the pause after a recovered panic in the loop.
	panicDelay = time.Second
)

// Fleet is what the channel controls, implemented by service.Supervisor.
type Fleet interface {
	Launch(ctx context.Context, profile string) (string, error)
	Terminate(ctx context.Context, id string) error
	Workers() map[string]model.WorkerStatus
	Profiles() map[string]model.ProfileStatus
}

type Channel struct {
	fleet     Fleet
	replier   bus.Replier
	publisher bus.Publisher
	interval  time.Duration
	poll      time.Duration
	now       func() time.Time
}

type Option func(*Channel)

func WithBroadcastInterval(d time.Duration) Option {
	return func(c *Channel) { c.interval = d }
}

func WithPollTimeout(d time.Duration) Option {
	return func(c *Channel) { c.poll = d }
}

func New(fleet Fleet, replier bus.Replier, publisher bus.Publisher, opts ...Option) *Channel {
	c := &Channel{
		fleet:     fleet,
		replier:   replier,
		publisher: publisher,
		interval:  defaultBroadcastInterval,
		poll:      defaultPollTimeout,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do alternates between broadcasting the fleet state every interval and
// polling for commands until ctx is done. Polls are bounded by the poll
// timeout, so broadcasts are never starved by a quiet command endpoint.
func (c *Channel) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a command channel", "interval", c.interval, "poll_timeout", c.poll)
	var last time.Time
	for {
		if ctx.Err() != nil {
			return nil
		}
		if !c.step(ctx, &last) {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(panicDelay):
			}
		}
	}
}

// step runs one iteration of Do. It returns false after a recovered panic.
func (c *Channel) step(ctx context.Context, last *time.Time) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "command channel panicked", "panic", r)
			ok = false
		}
	}()
	if now := c.now(); now.Sub(*last) >= c.interval {
		*last = now
		if err := c.Broadcast(ctx); err != nil && ctx.Err() == nil {
			slog.ErrorContext(ctx, "broadcasting status failed", "error", err)
		}
	}
	c.Poll(ctx)
	return true
}

// Poll waits at most the poll timeout for one command, handles it and sends
// the reply. It reports whether a command was handled.
func (c *Channel) Poll(ctx context.Context) bool {
	msg, ok, err := c.replier.Recv(ctx, c.poll)
	if err != nil {
		if ctx.Err() == nil {
			slog.ErrorContext(ctx, "receiving command failed", "error", err)
		}
		return false
	}
	if !ok {
		return false
	}
	reply := c.Handle(ctx, msg)
	if err := c.replier.Reply(ctx, reply); err != nil {
		slog.ErrorContext(ctx, "sending reply failed", "reply", reply, "error", err)
	}
	return true
}

// Handle executes one command and returns the reply.
func (c *Channel) Handle(ctx context.Context, msg string) string {
	cmd, data, err := bus.Split(msg)
	if err != nil {
		slog.WarnContext(ctx, "dropping malformed command", "error", err)
		return bus.Join(ReplyError, "malformed message")
	}
	ctx = log.ContextAttrs(ctx, slog.String("command", cmd))

	switch cmd {
	case CmdStart:
		id, err := c.fleet.Launch(ctx, data)
		if err != nil {
			return bus.Join(ReplyError, reason(err))
		}
		slog.InfoContext(ctx, "scraper started on request", "profile", data, "worker_id", id)
		return bus.Join(ReplyOK, id)
	case CmdStop:
		if err := c.fleet.Terminate(ctx, data); err != nil {
			return bus.Join(ReplyError, reason(err))
		}
		slog.InfoContext(ctx, "scraper stopped on request", "worker_id", data)
		return bus.Join(ReplyOK, data)
	default:
		slog.WarnContext(ctx, "ignoring unknown command")
		return bus.Join(ReplyError, "unknown command "+cmd)
	}
}

func reason(err error) string {
	switch {
	case errors.Is(err, service.ErrUnknownProfile):
		return "unknown profile"
	case errors.Is(err, service.ErrProfileRunning):
		return "profile running"
	case errors.Is(err, service.ErrUnknownWorker):
		return "unknown worker"
	case errors.Is(err, service.ErrClosed):
		return "shutting down"
	default:
		return err.Error()
	}
}

// Broadcast publishes the live workers and all profiles.
func (c *Channel) Broadcast(ctx context.Context) error {
	workers, err := json.Marshal(c.fleet.Workers())
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", TopicWorkers, err)
	}
	profiles, err := json.Marshal(c.fleet.Profiles())
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", TopicProfiles, err)
	}
	return errors.Join(
		c.publisher.Publish(ctx, bus.Join(TopicWorkers, string(workers))),
		c.publisher.Publish(ctx, bus.Join(TopicProfiles, string(profiles))),
	)
}

// Close releases both endpoints of the channel.
func (c *Channel) Close() error {
	return errors.Join(c.replier.Close(), c.publisher.Close())
}
