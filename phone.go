// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package webphone

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/emiago/sipgo/sip"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Phone is the top level client: it registers the configured identity
// over secure websocket, places and receives calls and publishes one
// ordered status stream.
type Phone struct {
	cfg     Config
	logger  zerolog.Logger
	clk     clock.Clock
	env     Environment
	devices MediaDevices
	mtr     *Metrics
	api     *webrtc.API

	uaFactory UserAgentFactory

	tr       *transport
	sessions sessionMap

	mu        sync.Mutex
	onSession []func(*Session)
}

// PhoneOption injects a collaborator. Defaults cover production use;
// tests swap the user agent factory, environment and clock.
type PhoneOption func(p *Phone)

func WithLogger(l zerolog.Logger) PhoneOption {
	return func(p *Phone) { p.logger = l }
}

func WithClock(clk clock.Clock) PhoneOption {
	return func(p *Phone) { p.clk = clk }
}

func WithEnvironment(env Environment) PhoneOption {
	return func(p *Phone) { p.env = env }
}

func WithMediaDevices(d MediaDevices) PhoneOption {
	return func(p *Phone) { p.devices = d }
}

func WithMetrics(m *Metrics) PhoneOption {
	return func(p *Phone) { p.mtr = m }
}

// WithUserAgentFactory swaps how the SIP user agent is built. Every
// connect and recovery attempt builds a fresh one through this.
func WithUserAgentFactory(f UserAgentFactory) PhoneOption {
	return func(p *Phone) { p.uaFactory = f }
}

// New validates the config and builds the phone. Nothing touches the
// network until Connect.
func New(cfg Config, opts ...PhoneOption) (*Phone, error) {
	p := &Phone{
		logger: log.Logger,
	}
	for _, o := range opts {
		o(p)
	}

	full, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	p.cfg = full

	if p.clk == nil {
		p.clk = clock.New()
	}
	if p.env == nil {
		p.env = newNetProbe(p.clk)
	}
	if p.uaFactory == nil {
		// Rotate through the configured endpoints: every rebuilt user
		// agent dials the next wss server, so recovery walks the list.
		var attempts atomic.Uint32
		p.uaFactory = func(cfg Config) (UserAgent, error) {
			if n := len(cfg.WSServers); n > 1 {
				i := int(attempts.Add(1)-1) % n
				rotated := make([]string, 0, n)
				rotated = append(rotated, cfg.WSServers[i:]...)
				rotated = append(rotated, cfg.WSServers[:i]...)
				cfg.WSServers = rotated
			}
			return newSIPUserAgent(cfg, p.logger, p.clk)
		}
	}

	p.api, err = newWebRTCAPI(p.cfg.Codecs)
	if err != nil {
		return nil, fmt.Errorf("building media engine failed: %w", err)
	}

	p.tr = newTransport(p.cfg, p.uaFactory, p.env, p.clk, p.logger, p.mtr)
	p.tr.onInvite = p.handleInvite
	p.tr.onCallEvent = p.routeCallEvent
	p.tr.onRecovered = p.checkSessionsRecovered
	p.tr.onGiveUp = p.abandonSessions
	p.tr.configureUA = func(ua UserAgent) {
		ua.ReinviteHandler(p.answerReinvite)
	}
	return p, nil
}

// Status returns the current connection state.
func (p *Phone) Status() Status { return p.tr.Status() }

// Subscribe returns the ordered status stream and its cancel func.
func (p *Phone) Subscribe() (<-chan Status, func()) { return p.tr.Subscribe() }

// OnSession registers a callback fired for every new session, inbound
// and outbound.
func (p *Phone) OnSession(f func(*Session)) {
	p.mu.Lock()
	p.onSession = append(p.onSession, f)
	p.mu.Unlock()
}

// Connect brings the transport up and registers. Idempotent and
// single-flight; fails with ErrRecovering while a recovery runs.
func (p *Phone) Connect(ctx context.Context) error {
	return p.tr.Connect(ctx)
}

// Disconnect unregisters and stops the transport. A pending Connect is
// cancelled, a running recovery gives up.
func (p *Phone) Disconnect(ctx context.Context) error {
	return p.tr.Disconnect(ctx)
}

// Invite places an outbound call. Allowed only while connected. The
// returned session starts in initial state and rings once the far end
// does.
func (p *Phone) Invite(ctx context.Context, target string) (*Session, error) {
	if p.tr.Status() != StatusConnected {
		return nil, ErrNotConnected
	}
	ua := p.tr.UA()
	if ua == nil {
		return nil, ErrNotConnected
	}
	if p.devices == nil {
		return nil, fmt.Errorf("no media devices backend configured")
	}

	if !strings.Contains(target, ":") {
		target = "sip:" + target + "@" + p.cfg.aor.Host
	}
	uri := sip.Uri{}
	if err := sip.ParseUri(target, &uri); err != nil {
		return nil, fmt.Errorf("parsing target failed: %w", err)
	}

	media := newSessionMedia(p.api, p.cfg, p.devices, p.logger)
	offer, err := media.Offer(ctx)
	if err != nil {
		media.Close()
		return nil, err
	}

	leg, err := ua.Invite(ctx, uri, offer)
	if err != nil {
		media.Close()
		return nil, err
	}

	s := p.buildSession(leg, media, false)
	go s.runOutbound(context.Background())
	return s, nil
}

// handleInvite creates the ringing session for an inbound call and fans
// it out to subscribers.
func (p *Phone) handleInvite(leg Dialog) {
	if p.devices == nil {
		p.logger.Warn().Msg("Inbound call with no media backend, rejecting")
		leg.Respond(sip.StatusTemporarilyUnavailable, "Temporarily Unavailable")
		leg.Close()
		return
	}

	media := newSessionMedia(p.api, p.cfg, p.devices, p.logger)
	p.buildSession(leg, media, true)
}

func (p *Phone) buildSession(leg Dialog, media *SessionMedia, inbound bool) *Session {
	stats := newSessionStats(media, p.clk, p.logger)
	s := newSession(leg, media, stats, inbound, p.clk, p.logger, p.sessionTerminated)
	s.mediaPub = media

	p.sessions.Store(s)
	p.mtr.sessionStarted()

	p.mu.Lock()
	handlers := p.onSession
	p.mu.Unlock()
	for _, f := range handlers {
		f(s)
	}
	return s
}

func (p *Phone) sessionTerminated(s *Session) {
	p.sessions.Delete(s.ID())
	p.mtr.sessionEnded(s.Cause(), p.clk.Now().Sub(s.createdAt))
}

// routeCallEvent dispatches in-dialog events to their session.
func (p *Phone) routeCallEvent(ev Event) {
	s, ok := p.sessions.Load(ev.CallID)
	if !ok {
		p.logger.Debug().Str("call_id", ev.CallID).Stringer("kind", ev.Kind).Msg("Event for unknown session")
		return
	}

	switch ev.Kind {
	case EventBye:
		s.handleBye(ev.Request)
	case EventNotify:
		s.handleNotify(ev.Request)
	}
}

// answerReinvite renegotiates a session's media when the far end sends
// a re-INVITE (remote hold, codec update).
func (p *Phone) answerReinvite(callID string, offer []byte) ([]byte, error) {
	s, ok := p.sessions.Load(callID)
	if !ok {
		return nil, fmt.Errorf("no session for call %s", callID)
	}
	return s.media.RemoteReinvite(context.Background(), offer)
}

// checkSessionsRecovered terminates calls whose peer connection did not
// survive the transport recovery.
func (p *Phone) checkSessionsRecovered() {
	p.sessions.Range(func(s *Session) bool {
		s.checkRecovered()
		return true
	})
}

// abandonSessions ends every call when recovery gives up.
func (p *Phone) abandonSessions() {
	p.sessions.Range(func(s *Session) bool {
		s.finalize(CauseRecoveryAbandoned, "")
		return true
	})
}
