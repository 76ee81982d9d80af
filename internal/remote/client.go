package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mdakk072/scrapperManager/internal/bus"
	"github.com/mdakk072/scrapperManager/internal/model"
)

var (
	// ErrRejected is returned for commands the manager answered with an error.
	ErrRejected = errors.New("command rejected")
	ErrTopic    = errors.New("unknown topic")
)

const defaultRequestTimeout = 5 * time.Second

// Client sends commands to a running manager.
type Client struct {
	req     bus.Requester
	timeout time.Duration
}

func NewClient(req bus.Requester, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &Client{req: req, timeout: timeout}
}

// Start asks the manager to launch the profile and returns the id of the
// new worker.
func (c *Client) Start(ctx context.Context, profile string) (string, error) {
	return c.do(ctx, CmdStart, profile)
}

// Stop asks the manager to terminate the worker.
func (c *Client) Stop(ctx context.Context, id string) error {
	_, err := c.do(ctx, CmdStop, id)
	return err
}

func (c *Client) do(ctx context.Context, cmd, data string) (string, error) {
	reply, err := c.req.Request(ctx, bus.Join(cmd, data), c.timeout)
	if err != nil {
		return "", fmt.Errorf("%s %s: %w", cmd, data, err)
	}
	status, payload, err := bus.Split(reply)
	if err != nil {
		return "", fmt.Errorf("%s %s: %w", cmd, data, err)
	}
	switch status {
	case ReplyOK:
		return payload, nil
	case ReplyError:
		return "", fmt.Errorf("%s %s: %w: %s", cmd, data, ErrRejected, payload)
	default:
		return "", fmt.Errorf("%s %s: unexpected reply %q", cmd, data, status)
	}
}

func (c *Client) Close() error {
	return c.req.Close()
}

// Status is one decoded broadcast, either Workers or Profiles is set
// depending on Topic.
type Status struct {
	Topic    string                         `json:"topic"`
	Workers  map[string]model.WorkerStatus  `json:"workers,omitempty"`
	Profiles map[string]model.ProfileStatus `json:"profiles,omitempty"`
}

func ParseStatus(msg string) (Status, error) {
	topic, payload, err := bus.Split(msg)
	if err != nil {
		return Status{}, err
	}
	st := Status{Topic: topic}
	switch topic {
	case TopicWorkers:
		err = json.Unmarshal([]byte(payload), &st.Workers)
	case TopicProfiles:
		err = json.Unmarshal([]byte(payload), &st.Profiles)
	default:
		return Status{}, fmt.Errorf("%w: %s", ErrTopic, topic)
	}
	if err != nil {
		return Status{}, fmt.Errorf("decoding %s: %w", topic, err)
	}
	return st, nil
}

// Watch decodes broadcasts received on sub and passes them to fn until ctx
// is done or fn returns an error. Undecodable messages are skipped.
func Watch(ctx context.Context, sub bus.Subscription, fn func(Status) error) error {
	for {
		msg, ok, err := sub.Recv(ctx, defaultPollTimeout)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		st, err := ParseStatus(msg)
		if err != nil {
			slog.WarnContext(ctx, "skipping broadcast", "error", err)
			continue
		}
		if err := fn(st); err != nil {
			return err
		}
	}
}
