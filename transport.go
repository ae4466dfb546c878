// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package webphone

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/looplab/fsm"
	"github.com/rs/zerolog"
)

const (
	recoveryBase = 500 * time.Millisecond
	recoveryCap  = 30 * time.Second
)

// transport owns the client status, the single user agent instance and
// the recovery policy. It is the only writer of Status.
type transport struct {
	cfg   Config
	newUA UserAgentFactory
	env   Environment
	clk   clock.Clock
	log   zerolog.Logger
	mtr   *Metrics

	// Hooks into the session layer. Set once before first Connect.
	onInvite    func(Dialog)
	onCallEvent func(Event)
	onRecovered func()
	onGiveUp    func()
	configureUA func(UserAgent)

	mu             sync.Mutex
	machine        *fsm.FSM
	run            *uaRun
	attempt        *connectAttempt
	disconnectDone chan struct{}
	recoverCancel  context.CancelFunc
	recoverWake    chan struct{}

	subMu   sync.Mutex
	subs    map[int]chan Status
	nextSub int
	last    Status
	emitted bool
}

// uaRun is one user agent instance plus the channels its event pump
// fills. A fresh run is built for every connect and recovery attempt.
type uaRun struct {
	ua UserAgent

	wsOpen       chan struct{}
	registered   chan struct{}
	regFailed    chan Event
	unregistered chan struct{}

	cancel context.CancelFunc
}

type connectAttempt struct {
	done      chan struct{}
	cancelled chan struct{}
	err       error

	once       sync.Once
	cancelOnce sync.Once
}

func newConnectAttempt() *connectAttempt {
	return &connectAttempt{
		done:      make(chan struct{}),
		cancelled: make(chan struct{}),
	}
}

func (a *connectAttempt) finish(err error) {
	a.once.Do(func() {
		a.err = err
		close(a.done)
	})
}

func (a *connectAttempt) cancel() {
	a.cancelOnce.Do(func() { close(a.cancelled) })
}

func (a *connectAttempt) wait(ctx context.Context) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func newTransport(cfg Config, factory UserAgentFactory, env Environment, clk clock.Clock, log zerolog.Logger, mtr *Metrics) *transport {
	t := &transport{
		cfg:         cfg,
		newUA:       factory,
		env:         env,
		clk:         clk,
		log:         log.With().Str("caller", "Transport").Logger(),
		mtr:         mtr,
		recoverWake: make(chan struct{}, 1),
		subs:        map[int]chan Status{},
	}

	t.machine = fsm.NewFSM(
		StatusDisconnected.String(),
		fsm.Events{
			{Name: "connect", Src: []string{StatusDisconnected.String()}, Dst: StatusConnecting.String()},
			{Name: "registered", Src: []string{StatusConnecting.String()}, Dst: StatusConnected.String()},
			{Name: "connect_failed", Src: []string{StatusConnecting.String()}, Dst: StatusDisconnected.String()},
			{Name: "transport_lost", Src: []string{StatusConnected.String()}, Dst: StatusRecovering.String()},
			{Name: "recovered", Src: []string{StatusRecovering.String()}, Dst: StatusConnected.String()},
			{Name: "give_up", Src: []string{StatusRecovering.String()}, Dst: StatusDisconnected.String()},
			{Name: "disconnect", Src: []string{StatusConnected.String()}, Dst: StatusDisconnecting.String()},
			{Name: "stopped", Src: []string{StatusDisconnecting.String()}, Dst: StatusDisconnected.String()},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				t.emit(statusFromState(e.Dst))
			},
		},
	)

	go t.watchEnvironment()
	return t
}

// Status returns the current connection state.
func (t *transport) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return statusFromState(t.machine.Current())
}

func (t *transport) statusUnsafe() Status {
	return statusFromState(t.machine.Current())
}

func (t *transport) event(name string) {
	if err := t.machine.Event(context.Background(), name); err != nil {
		// Illegal transition is a programming error in this file.
		t.log.Error().Err(err).Str("event", name).Str("state", t.machine.Current()).Msg("Illegal status transition")
	}
}

// Subscribe returns an ordered status stream and its cancel func. The
// channel is buffered (16); while it is full, new updates for that
// reader are dropped.
func (t *transport) Subscribe() (<-chan Status, func()) {
	t.subMu.Lock()
	defer t.subMu.Unlock()

	ch := make(chan Status, 16)
	id := t.nextSub
	t.nextSub++
	t.subs[id] = ch

	return ch, func() {
		t.subMu.Lock()
		defer t.subMu.Unlock()
		if _, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(ch)
		}
	}
}

func (t *transport) emit(s Status) {
	t.subMu.Lock()
	defer t.subMu.Unlock()

	if t.emitted && s == t.last {
		return
	}
	t.last = s
	t.emitted = true
	t.log.Debug().Stringer("status", s).Msg("Status update")

	for _, ch := range t.subs {
		select {
		case ch <- s:
		default:
		}
	}
}

// Connect is idempotent and single-flight. Connected resolves
// immediately, a running attempt is joined, recovering rejects.
func (t *transport) Connect(ctx context.Context) error {
	for {
		t.mu.Lock()
		switch t.statusUnsafe() {
		case StatusConnected:
			t.mu.Unlock()
			return nil

		case StatusRecovering:
			t.mu.Unlock()
			return ErrRecovering

		case StatusConnecting:
			att := t.attempt
			t.mu.Unlock()
			return att.wait(ctx)

		case StatusDisconnecting:
			done := t.disconnectDone
			t.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}

		case StatusDisconnected:
			if err := t.env.CheckFeatures(); err != nil {
				t.mu.Unlock()
				return fmt.Errorf("%w: %v", ErrFeatureUnsupported, err)
			}

			att := newConnectAttempt()
			t.attempt = att
			t.event("connect")
			t.mu.Unlock()

			if t.mtr != nil {
				t.mtr.connects.Inc()
			}
			go t.runConnect(ctx, att)
			return att.wait(ctx)
		}
	}
}

func (t *transport) runConnect(ctx context.Context, att *connectAttempt) {
	run, err := t.startUA(ctx)
	if err != nil {
		t.mu.Lock()
		t.event("connect_failed")
		t.mu.Unlock()
		att.finish(err)
		return
	}

	t.mu.Lock()
	t.run = run
	t.mu.Unlock()

	err = t.awaitFirstRegistration(ctx, run, att)

	t.mu.Lock()
	if err != nil {
		t.stopRunUnsafe(run)
		t.event("connect_failed")
	} else {
		t.event("registered")
	}
	t.mu.Unlock()

	att.finish(err)
}

// startUA builds a fresh user agent, starts it and begins pumping its
// events. Caller owns the returned run.
func (t *transport) startUA(ctx context.Context) (*uaRun, error) {
	ua, err := t.newUA(t.cfg)
	if err != nil {
		return nil, err
	}
	if t.configureUA != nil {
		t.configureUA(ua)
	}

	if err := ua.Start(ctx); err != nil {
		ua.Stop()
		return nil, err
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	run := &uaRun{
		ua:           ua,
		wsOpen:       make(chan struct{}),
		registered:   make(chan struct{}),
		regFailed:    make(chan Event, 1),
		unregistered: make(chan struct{}),
		cancel:       cancel,
	}
	go t.pump(pumpCtx, run)

	if err := ua.Register(ctx); err != nil {
		ua.Stop()
		cancel()
		return nil, err
	}
	return run, nil
}

// awaitFirstRegistration is the registration barrier with the websocket
// deadline. Cancelling att forces ErrConnectCancelled.
func (t *transport) awaitFirstRegistration(ctx context.Context, run *uaRun, att *connectAttempt) error {
	wsTimer := t.clk.Timer(t.cfg.WSTimeout)
	defer wsTimer.Stop()

	timerC := wsTimer.C
	wsOpen := run.wsOpen
	var cancelled <-chan struct{}
	if att != nil {
		cancelled = att.cancelled
	}

	for {
		select {
		case <-wsOpen:
			// Socket is up; registration may still take a while.
			timerC = nil
			wsOpen = nil

		case <-timerC:
			return ErrWSTimeout

		case <-run.registered:
			return nil

		case ev := <-run.regFailed:
			if ev.Code != 0 {
				return &AuthError{Code: ev.Code, Reason: ev.Reason}
			}
			if ev.Err != nil {
				return ev.Err
			}
			return fmt.Errorf("registration failed")

		case <-cancelled:
			return ErrConnectCancelled

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// pump translates raw user agent events into run channels and session
// layer callbacks. One pump per user agent instance.
func (t *transport) pump(ctx context.Context, run *uaRun) {
	var wsOpened, wasRegistered bool

	for {
		var ev Event
		select {
		case <-ctx.Done():
			return
		case ev = <-run.ua.Events():
		}

		switch ev.Kind {
		case EventTransportCreated:
			if !wsOpened {
				wsOpened = true
				close(run.wsOpen)
			}

		case EventRegistered:
			if !wasRegistered {
				wasRegistered = true
				close(run.registered)
			}

		case EventRegistrationFailed:
			select {
			case run.regFailed <- ev:
			default:
			}

		case EventUnregistered:
			select {
			case <-run.unregistered:
			default:
				close(run.unregistered)
			}

		case EventDisconnected:
			t.handleTransportLost(run, ev)

		case EventInvite:
			if t.onInvite != nil && ev.Dialog != nil {
				go t.onInvite(ev.Dialog)
			}

		case EventBye, EventNotify:
			if t.onCallEvent != nil {
				t.onCallEvent(ev)
			}
		}
	}
}

func (t *transport) handleTransportLost(run *uaRun, ev Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.run == nil || t.run != run || t.statusUnsafe() != StatusConnected {
		return
	}

	t.log.Warn().Err(ev.Err).Msg("Transport lost, starting recovery")
	t.stopRunUnsafe(run)
	t.event("transport_lost")
	if t.mtr != nil {
		t.mtr.recoveries.Inc()
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.recoverCancel = cancel
	go t.recover(ctx)
}

// recover runs the bounded retry loop. First pass is immediate; later
// passes wait min(base*2^k + jitter, cap) gated on online and visible.
func (t *transport) recover(ctx context.Context) {
	bo := &backoff.ExponentialBackOff{
		InitialInterval:     recoveryBase,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         recoveryCap,
		MaxElapsedTime:      0,
		Clock:               backoffClock{t.clk},
		Stop:                backoff.Stop,
	}
	bo.Reset()

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			delay := bo.NextBackOff()
			jitter := time.Duration(rand.Int63n(int64(recoveryBase)))
			if delay+jitter > recoveryCap {
				delay = recoveryCap
				jitter = 0
			}
			if !t.sleep(ctx, delay+jitter) {
				return
			}
		}
		if !t.waitEnvReady(ctx) {
			return
		}

		switch t.tryRecoverOnce(ctx) {
		case recoverDone:
			if t.onRecovered != nil {
				t.onRecovered()
			}
			return
		case recoverFatal:
			t.mu.Lock()
			if t.statusUnsafe() == StatusRecovering {
				t.recoverCancel = nil
				t.event("give_up")
			}
			t.mu.Unlock()
			if t.onGiveUp != nil {
				t.onGiveUp()
			}
			return
		case recoverRetry:
		}
	}
}

type recoverResult int

const (
	recoverRetry recoverResult = iota
	recoverDone
	recoverFatal
)

func (t *transport) tryRecoverOnce(ctx context.Context) recoverResult {
	run, err := t.startUA(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return recoverFatal
		}
		t.log.Debug().Err(err).Msg("Recovery attempt failed to start user agent")
		return recoverRetry
	}

	err = t.awaitFirstRegistration(ctx, run, nil)
	if err != nil {
		t.mu.Lock()
		t.stopRunUnsafe(run)
		t.mu.Unlock()

		if ctx.Err() != nil {
			return recoverFatal
		}
		var aerr *AuthError
		if errors.As(err, &aerr) {
			t.log.Error().Err(err).Msg("Recovery abandoned, registrar rejected credentials")
			return recoverFatal
		}
		t.log.Debug().Err(err).Msg("Recovery attempt failed")
		return recoverRetry
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.statusUnsafe() != StatusRecovering || ctx.Err() != nil {
		t.stopRunUnsafe(run)
		return recoverFatal
	}
	t.run = run
	t.recoverCancel = nil
	t.event("recovered")
	return recoverDone
}

// sleep waits interruptible by a visibility wake or recovery cancel.
// Returns false when recovery should stop.
func (t *transport) sleep(ctx context.Context, d time.Duration) bool {
	timer := t.clk.Timer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-t.recoverWake:
		return true
	case <-ctx.Done():
		return false
	}
}

// waitEnvReady blocks until the environment is online and visible.
// watchEnvironment owns the signal channel, so this polls and listens
// for its wake instead.
func (t *transport) waitEnvReady(ctx context.Context) bool {
	for {
		if t.env.Online() && t.env.Visible() {
			return true
		}
		timer := t.clk.Timer(time.Second)
		select {
		case <-timer.C:
		case <-t.recoverWake:
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
			return false
		}
	}
}

// watchEnvironment reacts to probe transitions for the whole transport
// lifetime: offline while connected arms recovery, visible while
// recovering wakes the backoff.
func (t *transport) watchEnvironment() {
	for sig := range t.env.Signals() {
		switch sig.Kind {
		case SignalOffline:
			t.mu.Lock()
			if t.statusUnsafe() == StatusConnected && t.run != nil {
				run := t.run
				t.mu.Unlock()
				t.handleTransportLost(run, Event{Kind: EventDisconnected, Err: fmt.Errorf("network offline")})
				continue
			}
			t.mu.Unlock()

		case SignalOnline, SignalVisible:
			if t.Status() == StatusRecovering {
				select {
				case t.recoverWake <- struct{}{}:
				default:
				}
			}
		}
	}
}

// Disconnect tears the transport down. Graceful from CONNECTED
// (unregister first), forced from CONNECTING (cancels the pending
// connect) and RECOVERING (stops the retry loop).
func (t *transport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	switch t.statusUnsafe() {
	case StatusDisconnected:
		t.mu.Unlock()
		return nil

	case StatusConnecting:
		att := t.attempt
		t.mu.Unlock()
		att.cancel()
		<-att.done
		return nil

	case StatusRecovering:
		if t.recoverCancel != nil {
			t.recoverCancel()
			t.recoverCancel = nil
		}
		t.event("give_up")
		t.mu.Unlock()
		if t.onGiveUp != nil {
			t.onGiveUp()
		}
		return nil

	case StatusDisconnecting:
		done := t.disconnectDone
		t.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// CONNECTED
	run := t.run
	done := make(chan struct{})
	t.disconnectDone = done
	t.event("disconnect")
	t.mu.Unlock()

	if run != nil {
		regCtx, cancel := context.WithTimeout(ctx, time.Duration(t.cfg.RegistrationExpires)*time.Second)
		if err := run.ua.Unregister(regCtx); err != nil {
			t.log.Warn().Err(err).Msg("Unregister failed during disconnect")
		}
		cancel()
	}

	t.mu.Lock()
	if run != nil {
		t.stopRunUnsafe(run)
	}
	t.event("stopped")
	t.mu.Unlock()

	close(done)
	return nil
}

func (t *transport) stopRunUnsafe(run *uaRun) {
	run.ua.Stop()
	run.cancel()
	if t.run == run {
		t.run = nil
	}
}

// UA returns the live user agent or nil.
func (t *transport) UA() UserAgent {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.run == nil {
		return nil
	}
	return t.run.ua
}

type backoffClock struct{ clk clock.Clock }

func (c backoffClock) Now() time.Time { return c.clk.Now() }
