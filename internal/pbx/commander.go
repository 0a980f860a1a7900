package pbx

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Actioner sends AMI actions. *Client implements it.
type Actioner interface {
	Action(ctx context.Context, name string, fields ...string) (Message, error)
}

// Commander carries out call control for the router. The inbound dialplan
// must hand calls to AGI(agi:async) so queued commands run in order: the
// greeting plays to completion before recording starts.
type Commander struct {
	ami Actioner

	// maxLength returns the recording cap; zero or less leaves the caller
	// on the line until they hang up.
	maxLength func() time.Duration
}

// NewCommander creates a Commander. maxLength may be nil.
func NewCommander(ami Actioner, maxLength func() time.Duration) *Commander {
	if maxLength == nil {
		maxLength = func() time.Duration { return 0 }
	}
	return &Commander{ami: ami, maxLength: maxLength}
}

func (c *Commander) agi(ctx context.Context, channel, command string) error {
	_, err := c.ami.Action(ctx, "AGI", "Channel", channel, "Command", command)
	if err != nil {
		return fmt.Errorf("queueing %q on %s: %w", command, channel, err)
	}
	return nil
}

// Playback queues a sound file on the channel.
func (c *Commander) Playback(ctx context.Context, channel, file string) error {
	return c.agi(ctx, channel, "EXEC Playback "+file)
}

// StartRecording queues MixMonitor to write path, followed by a timed hangup
// when a maximum message length is set.
func (c *Commander) StartRecording(ctx context.Context, channel, path string) error {
	if err := c.agi(ctx, channel, "EXEC MixMonitor "+path); err != nil {
		return err
	}
	secs := int(c.maxLength() / time.Second)
	if secs <= 0 {
		return nil
	}
	if err := c.agi(ctx, channel, "EXEC Wait "+strconv.Itoa(secs)); err != nil {
		return err
	}
	return c.agi(ctx, channel, "HANGUP")
}

// StopRecording stops MixMonitor. A channel that is already gone has
// nothing left to stop.
func (c *Commander) StopRecording(ctx context.Context, channel string) error {
	msg, err := c.ami.Action(ctx, "StopMixMonitor", "Channel", channel)
	if err != nil {
		if errors.Is(err, ErrActionFailed) && strings.Contains(strings.ToLower(msg.Get("Message")), "no such channel") {
			return nil
		}
		return fmt.Errorf("stopping recording on %s: %w", channel, err)
	}
	return nil
}

// SetVariable sets a channel variable.
func (c *Commander) SetVariable(ctx context.Context, channel, name, value string) error {
	_, err := c.ami.Action(ctx, "Setvar", "Channel", channel, "Variable", name, "Value", value)
	if err != nil {
		return fmt.Errorf("setting %s on %s: %w", name, channel, err)
	}
	return nil
}

// SetGlobal sets a dialplan global variable.
func (c *Commander) SetGlobal(ctx context.Context, name, value string) error {
	_, err := c.ami.Action(ctx, "Setvar", "Variable", name, "Value", value)
	if err != nil {
		return fmt.Errorf("setting global %s: %w", name, err)
	}
	return nil
}
