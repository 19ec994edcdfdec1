package session

import (
	"context"
	"time"

	"lancast.app/lancast/internal/control"
	"lancast.app/lancast/internal/domain"
)

// runStateMonitor is the session's only reported-state writer once playback
// is live. Renderer event pushes and the poll ticker feed the same
// observation path; last write wins.
func (c *Controller) runStateMonitor(ctx context.Context, sess *playbackSession) {
	defer close(sess.monitorDone)

	c.pollReceiver(ctx, sess)

	ticker := time.NewTicker(c.cfg.PollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sess.events:
			c.applyEvent(sess, ev)
		case <-ticker.C:
			if !c.pollReceiver(ctx, sess) {
				return
			}
			if !c.checkPendingIntent(sess) {
				return
			}
		}
	}
}

// pollReceiver asks the renderer for its transport state and playhead.
// Reports false when the session has been torn down.
func (c *Controller) pollReceiver(ctx context.Context, sess *playbackSession) bool {
	endpoint := sess.device.AVTransportControlURL

	var info control.TransportInfo
	err := c.withRetry(ctx, "poll_transport", func() error {
		var callErr error
		info, callErr = c.deps.Receiver.GetTransportInfo(ctx, endpoint)
		return callErr
	})
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		c.failSession(sess, domain.Wrap(domain.KindControl, "receiver stopped answering", err))
		return false
	}

	position := time.Duration(-1)
	duration := time.Duration(0)
	if info.State == domain.StatePlaying || info.State == domain.StatePaused {
		if pos, posErr := c.deps.Receiver.GetPositionInfo(ctx, endpoint); posErr == nil {
			if pos.TrackURI != "" && pos.TrackURI != sess.mediaURL {
				// The renderer moved on to someone else's content; this
				// session no longer owns playback.
				c.log.Info().Str("track_uri", pos.TrackURI).Msg("receiver playing other content, ending session")
				c.endSession(sess)
				return false
			}
			if pos.HasPosition {
				position = pos.Position
			}
			duration = pos.Duration
		}
	}

	return c.applyObservation(sess, info.State, position, duration)
}

func (c *Controller) applyEvent(sess *playbackSession, ev control.StatusEvent) {
	state := domain.PlayerState("")
	if ev.HasState {
		state = ev.State
	}
	position := time.Duration(-1)
	if ev.HasPosition {
		position = ev.Position
	}
	c.applyObservation(sess, state, position, 0)
}

// applyObservation folds one receiver observation into the snapshot.
// Reports false when the observation ended the session.
func (c *Controller) applyObservation(sess *playbackSession, state domain.PlayerState, position, duration time.Duration) bool {
	c.mu.Lock()
	if c.active != sess {
		c.mu.Unlock()
		return false
	}

	if state != "" {
		// A renderer that still says idle or stopped right after a load is
		// settling, not stopped; the confirmation window covers that gap.
		settling := sess.pendingDesired == domain.StatePlaying &&
			(state == domain.StateIdle || state == domain.StateStopped)
		if !settling {
			c.snap.State = state
			if sess.pendingDesired != "" && state == sess.pendingDesired {
				sess.pendingDesired = ""
			}
		}

		if state == domain.StateStopped && !settling {
			c.active = nil
			c.snap.Desired = domain.StateStopped
			c.publishLocked()
			c.mu.Unlock()
			c.releaseSession(sess, false)
			return false
		}
	}
	if position >= 0 {
		c.snap.Position = position
	}
	if duration > 0 && c.snap.Duration == 0 {
		c.snap.Duration = duration
	}
	c.publishLocked()
	c.mu.Unlock()
	return true
}

// checkPendingIntent fails the session when an optimistic intent was never
// confirmed inside the configured window.
func (c *Controller) checkPendingIntent(sess *playbackSession) bool {
	c.mu.Lock()
	pending := sess.pendingDesired
	since := sess.pendingSince
	c.mu.Unlock()

	if pending == "" || c.now().Sub(since) < c.cfg.ConfirmTimeout {
		return true
	}
	c.failSession(sess, domain.E(domain.KindControl,
		"receiver never confirmed "+string(pending)))
	return false
}

// endSession is a clean external stop: the receiver finished or was taken
// over, so release resources without sending it another Stop.
func (c *Controller) endSession(sess *playbackSession) {
	c.mu.Lock()
	if c.active != sess {
		c.mu.Unlock()
		return
	}
	c.active = nil
	c.snap.State = domain.StateStopped
	c.snap.Desired = domain.StateStopped
	c.snap.Transcoding = false
	c.publishLocked()
	c.mu.Unlock()

	c.releaseSession(sess, false)
}
