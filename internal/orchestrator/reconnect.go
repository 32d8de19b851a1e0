package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/arcanafx/effects-server-go/internal/bridge"
	"github.com/arcanafx/effects-server-go/internal/events"
)

// connect opens the command channel, retrying with exponential backoff. A rejected
// credential is not retried.
func (o *Orchestrator) connect(ctx context.Context) error {
	b := o.currentBridge()
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		res := b.Connect(ctx)
		if res.OK() {
			return struct{}{}, nil
		}
		if errors.Is(res.Err(), bridge.ErrAuthFailed) || errors.Is(res.Err(), bridge.ErrClosed) {
			return struct{}{}, backoff.Permanent(res.Err())
		}
		return struct{}{}, res.Err()
	},
		backoff.WithBackOff(o.newBackOff()),
		backoff.WithMaxElapsedTime(o.cfg.ReconnectMaxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			o.logger.Warn("game server connect failed, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("retry_in", next),
				zap.Error(err),
			)
		}),
	)
	if err != nil {
		return err
	}
	o.logger.Info("game server connected", zap.Int("attempts", attempt))
	return nil
}

// requestRedial asks commandLoop to check the command channel. It never blocks.
func (o *Orchestrator) requestRedial() {
	select {
	case o.redial <- struct{}{}:
	default:
	}
}

// commandLoop re-dials the command channel whenever it stops accepting commands, after
// an ack timeout or a dropped socket. The event stream keeps running meanwhile.
func (o *Orchestrator) commandLoop(ctx context.Context, b GameBridge) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.redial:
		}

		cmd, _ := b.Channels()
		if cmd.Status == bridge.StatusConnected {
			continue
		}
		o.logger.Warn("command channel unavailable, reconnecting",
			zap.String("status", cmd.Status.String()),
			zap.Error(cmd.LastError),
		)
		if err := o.connect(ctx); err != nil {
			if ctx.Err() != nil || errors.Is(err, bridge.ErrClosed) {
				return
			}
			o.logger.Error("command channel reconnect failed", zap.Error(err))
		}
	}
}

// listenLoop feeds the event stream into the bus. When the stream drops it resets both
// channels, hands the command channel to commandLoop and listens again.
func (o *Orchestrator) listenLoop(ctx context.Context, b GameBridge) {
	policy := o.newBackOff()
	for {
		started := time.Now()
		err := b.Listen(ctx, o.publish)
		if ctx.Err() != nil || errors.Is(err, bridge.ErrClosed) {
			return
		}
		// A stream that stayed up longer than the longest backoff was healthy.
		if time.Since(started) > o.cfg.ReconnectMax {
			policy.Reset()
		}
		wait := policy.NextBackOff()
		o.logger.Warn("event stream lost, reconnecting",
			zap.Duration("retry_in", wait),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		b.Reset()
		o.requestRedial()
	}
}

func (o *Orchestrator) publish(evt events.Event) {
	if err := o.bus.Publish(evt); err != nil {
		o.logger.Debug("incoming event not queued",
			zap.String("event_type", string(evt.Type)),
			zap.Error(err),
		)
	}
}
