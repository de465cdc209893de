// Package live streams session snapshots to browser viewers over SSE or
// WebSocket. Changes arrive through the session broker; a poll tick covers
// writers in other processes.
package live

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"dialbridge/internal/config"
	"dialbridge/internal/metrics"
	"dialbridge/internal/models"
	"dialbridge/internal/session"
)

const (
	EventSnapshot  = "snapshot"
	EventKeepalive = "keepalive"
	EventResume    = "resume"
	EventError     = "error"
)

type Event struct {
	Name string
	ID   string
	Data any
}

// Sink delivers events to one viewer. An error means the viewer is gone.
type Sink interface {
	Send(Event) error
}

type sessionReader interface {
	Get(ctx context.Context, token string) (*models.Session, error)
}

type codeMinter interface {
	Mint(ctx context.Context, sessionToken string) (*models.TempAccessCode, error)
}

type WatchRequest struct {
	Token    string
	ViewerID string
	// LastVersion is the marker the viewer already has; 0 means none.
	LastVersion int64
}

type Channel struct {
	sessions  sessionReader
	broker    *session.Broker
	codes     codeMinter
	presence  *Presence
	poll      time.Duration
	keepalive time.Duration
	codeTTL   time.Duration
	now       func() time.Time
}

func NewChannel(cfg *config.Config, sessions sessionReader, broker *session.Broker, codes codeMinter, presence *Presence) *Channel {
	return &Channel{
		sessions:  sessions,
		broker:    broker,
		codes:     codes,
		presence:  presence,
		poll:      cfg.Live.PollInterval,
		keepalive: cfg.Live.KeepaliveInterval,
		codeTTL:   cfg.Session.CodeTTL,
		now:       time.Now,
	}
}

type resumePayload struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
}

type errorPayload struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Watch pushes the session to sink until ctx ends or the sink fails. The
// only hard failure is a session that does not exist when the watch starts.
func (c *Channel) Watch(ctx context.Context, req WatchRequest, sink Sink) error {
	sess, err := c.sessions.Get(ctx, req.Token)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return sink.Send(Event{Name: EventError, Data: errorPayload{Error: "session_not_found", Message: "session not found"}})
		}
		_ = sink.Send(Event{Name: EventError, Data: errorPayload{Error: "internal", Message: "session unavailable"}})
		return err
	}

	var updates <-chan int64
	if c.broker != nil {
		ch, cancel := c.broker.Subscribe(req.Token)
		defer cancel()
		updates = ch
	}

	last := req.LastVersion
	lastPush := c.now()
	var resumeAt time.Time

	if err := c.sendResume(ctx, req.Token, sink, &resumeAt); err != nil {
		return err
	}
	if sess.Version != last {
		if err := sink.Send(snapshot(sess)); err != nil {
			return err
		}
		last = sess.Version
	}

	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		c.presence.Touch(req.ViewerID)

		select {
		case <-ctx.Done():
			return nil
		case <-updates:
		case <-ticker.C:
		}

		sess, err := c.sessions.Get(ctx, req.Token)
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			log.Warn().Err(err).Msg("live session read failed")
			continue
		}

		now := c.now()
		switch {
		case sess.Version != last:
			if err := sink.Send(snapshot(sess)); err != nil {
				return err
			}
			last = sess.Version
		case now.Sub(lastPush) >= c.keepalive:
			if err := sink.Send(Event{Name: EventKeepalive, Data: struct{}{}}); err != nil {
				return err
			}
		default:
			continue
		}
		lastPush = now

		// Busy sessions never reach the keepalive branch, so the code is
		// renewed after any push.
		if c.codeTTL > 0 && now.Sub(resumeAt) >= c.codeTTL/2 {
			if err := c.sendResume(ctx, req.Token, sink, &resumeAt); err != nil {
				return err
			}
		}
	}
}

// sendResume hands the viewer a fresh single-use code for reconnecting.
// Mint failures only cost the viewer its resume ability.
func (c *Channel) sendResume(ctx context.Context, token string, sink Sink, at *time.Time) error {
	if c.codes == nil {
		return nil
	}
	code, err := c.codes.Mint(ctx, token)
	if err != nil {
		log.Warn().Err(err).Msg("mint resume code failed")
		return nil
	}
	*at = c.now()
	return sink.Send(Event{Name: EventResume, Data: resumePayload{Code: code.Code, ExpiresAt: code.ExpiresAt}})
}

func snapshot(s *models.Session) Event {
	return Event{Name: EventSnapshot, ID: strconv.FormatInt(s.Version, 10), Data: s}
}

// countingSink records pushed events per transport.
type countingSink struct {
	Sink
	transport string
}

func (s countingSink) Send(ev Event) error {
	if err := s.Sink.Send(ev); err != nil {
		return err
	}
	metrics.LiveEventsTotal.WithLabelValues(s.transport, ev.Name).Inc()
	return nil
}
