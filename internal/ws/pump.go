// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/brockston/studio/internal/metrics"
	"github.com/brockston/studio/internal/pty"
	"github.com/brockston/studio/internal/sessions"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	maxMessageSize = 1 << 20

	// exitWait bounds how long a closed output stream waits for the shell
	// to be reaped before the close is attributed to something else.
	exitWait = time.Second
)

// Destroyer tears down sessions. *sessions.Registry implements it.
type Destroyer interface {
	DestroyWithReason(id, reason string)
}

// PumpOptions tunes keepalive and limits. Zero values use the defaults.
type PumpOptions struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxMessageSize int64
}

func (o *PumpOptions) withDefaults() {
	if o.WriteWait <= 0 {
		o.WriteWait = writeWait
	}
	if o.PongWait <= 0 {
		o.PongWait = pongWait
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = (o.PongWait * 9) / 10
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = maxMessageSize
	}
}

// Pump moves messages between one websocket and one session. The inbound
// flow is the only reader of the connection and the outbound flow the only
// writer of data frames.
type Pump struct {
	conn    *websocket.Conn
	session *sessions.Session
	reg     Destroyer
	opts    PumpOptions
	log     zerolog.Logger
	metrics *metrics.Metrics

	endOnce sync.Once
	code    int
	reason  string
}

// NewPump prepares a pump. Run starts it.
func NewPump(conn *websocket.Conn, s *sessions.Session, reg Destroyer, log zerolog.Logger, m *metrics.Metrics, opts PumpOptions) *Pump {
	opts.withDefaults()
	return &Pump{
		conn:    conn,
		session: s,
		reg:     reg,
		opts:    opts,
		log:     log.With().Str("session", s.ID).Logger(),
		metrics: m,
	}
}

// Run blocks until either flow ends. It then tells the client why with a
// close frame, closes the connection and destroys the session.
func (p *Pump) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return p.inbound(ctx)
	})
	g.Go(func() error {
		defer cancel()
		return p.outbound(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		// Covers cancellation of the parent context.
		p.end(websocket.CloseGoingAway, sessions.ReasonShutdown)
		p.close()
		return nil
	})
	err := g.Wait()

	p.reg.DestroyWithReason(p.session.ID, p.reason)
	p.log.Debug().Int("code", p.code).Str("reason", p.reason).Msg("pump stopped")
	return err
}

// end records the first reason the pump stopped.
func (p *Pump) end(code int, reason string) {
	p.endOnce.Do(func() {
		p.code = code
		p.reason = reason
	})
}

// close sends the close frame and closes the connection, which unblocks
// the inbound reader.
func (p *Pump) close() {
	msg := websocket.FormatCloseMessage(p.code, truncateReason(p.reason))
	_ = p.conn.WriteControl(websocket.CloseMessage, msg, deadline(p.opts))
	_ = p.conn.Close()
}

func (p *Pump) inbound(ctx context.Context) error {
	p.conn.SetReadLimit(p.opts.MaxMessageSize)
	p.conn.SetReadDeadline(time.Now().Add(p.opts.PongWait))
	p.conn.SetPongHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(p.opts.PongWait))
		return nil
	})

	for {
		messageType, data, err := p.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				p.log.Debug().Err(err).Msg("websocket read failed")
			}
			p.end(websocket.CloseGoingAway, sessions.ReasonDisconnected)
			return nil
		}
		// Any frame proves the client is alive.
		p.conn.SetReadDeadline(time.Now().Add(p.opts.PongWait))

		msg, err := DecodeMessage(messageType, data)
		if err != nil {
			p.metrics.MalformedMessage()
			p.log.Warn().Err(err).Msg("dropping client message")
			continue
		}

		switch m := msg.(type) {
		case Input:
			if err := p.session.Write(m.Data); err != nil {
				if errors.Is(err, pty.ErrUnresponsive) {
					p.end(websocket.CloseInternalServerErr, sessions.ReasonUnresponsive)
					return err
				}
				// The shell is gone; the outbound flow reports why.
				continue
			}
			p.metrics.Input(len(m.Data))
		case Resize:
			if err := p.session.Resize(m.Rows, m.Cols); err != nil {
				p.log.Debug().Err(err).Msg("resize failed")
			}
		}
	}
}

func (p *Pump) outbound(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.PingPeriod)
	defer ticker.Stop()

	var split runeSplitter
	output := p.session.Output()
	for {
		select {
		case chunk, ok := <-output:
			if !ok {
				if rest := split.Flush(); len(rest) > 0 {
					_ = p.writeOutput(rest)
				}
				reason := p.outputClosedReason()
				p.end(closeCode(reason), reason)
				return nil
			}
			data := split.Split(chunk)
			if len(data) == 0 {
				continue
			}
			if err := p.writeOutput(data); err != nil {
				p.end(websocket.CloseGoingAway, sessions.ReasonDisconnected)
				return nil
			}

		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(p.opts.WriteWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				p.end(websocket.CloseGoingAway, sessions.ReasonDisconnected)
				return nil
			}

		case <-ctx.Done():
			return nil
		}
	}
}

func (p *Pump) writeOutput(data []byte) error {
	messageType, frame, err := OutputFrame(data)
	if err != nil {
		return err
	}
	p.conn.SetWriteDeadline(time.Now().Add(p.opts.WriteWait))
	if err := p.conn.WriteMessage(messageType, frame); err != nil {
		return err
	}
	p.metrics.Output(len(data))
	return nil
}

// outputClosedReason works out why the shell's output ended: the session
// was torn down for a recorded reason, or the shell exited.
func (p *Pump) outputClosedReason() string {
	if reason := p.session.CloseReason(); reason != "" {
		return reason
	}
	select {
	case <-p.session.Exited():
		return sessions.ReasonProcessExited
	case <-time.After(exitWait):
	}
	if reason := p.session.CloseReason(); reason != "" {
		return reason
	}
	return sessions.ReasonClosed
}

func deadline(opts PumpOptions) time.Time {
	opts.withDefaults()
	return time.Now().Add(opts.WriteWait)
}

// closeCode maps a close reason to the websocket close code sent to the client.
func closeCode(reason string) int {
	switch reason {
	case sessions.ReasonProcessExited:
		return websocket.CloseNormalClosure
	case sessions.ReasonUnresponsive:
		return websocket.CloseInternalServerErr
	default:
		return websocket.CloseGoingAway
	}
}

// Control frame payloads are limited to 125 bytes, two of which hold the code.
func truncateReason(reason string) string {
	const limit = 123
	if len(reason) <= limit {
		return reason
	}
	reason = reason[:limit]
	// Do not leave a partial rune at the end.
	var s runeSplitter
	return string(s.Split([]byte(reason)))
}
