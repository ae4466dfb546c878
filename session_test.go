// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package webphone

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLeg scripts the SIP dialog side of a session.
type fakeLeg struct {
	id     string
	invite *sip.Request

	mu       sync.Mutex
	requests []*sip.Request

	answerErr  error
	waitAnswer func(ctx context.Context, onResponse func(*sip.Response)) error
	doFunc     func(req *sip.Request) (*sip.Response, error)

	byeCount int
	closed   bool
}

func newFakeLeg(id string) *fakeLeg {
	invite := sip.NewRequest(sip.INVITE, sip.Uri{User: "alice", Host: "example.com"})
	return &fakeLeg{
		id:     id,
		invite: invite,
		doFunc: func(req *sip.Request) (*sip.Response, error) {
			return sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil), nil
		},
	}
}

func (l *fakeLeg) ID() string                      { return l.id }
func (l *fakeLeg) InviteRequest() *sip.Request     { return l.invite }
func (l *fakeLeg) RemoteDescription() []byte       { return []byte("v=0 remote") }
func (l *fakeLeg) RemoteTarget() sip.Uri           { return sip.Uri{User: "bob", Host: "example.com"} }
func (l *fakeLeg) LocalTag() string                { return "local-tag" }
func (l *fakeLeg) RemoteTag() string               { return "remote-tag" }
func (l *fakeLeg) Ack(ctx context.Context) error   { return nil }
func (l *fakeLeg) Answer(sdp []byte) error         { return l.answerErr }

func (l *fakeLeg) WaitAnswer(ctx context.Context, onResponse func(*sip.Response)) error {
	if l.waitAnswer != nil {
		return l.waitAnswer(ctx, onResponse)
	}
	return nil
}

func (l *fakeLeg) Respond(code sip.StatusCode, reason string) error { return nil }

func (l *fakeLeg) Bye(ctx context.Context) error {
	l.mu.Lock()
	l.byeCount++
	l.mu.Unlock()
	return nil
}

func (l *fakeLeg) Do(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	l.mu.Lock()
	l.requests = append(l.requests, req)
	do := l.doFunc
	l.mu.Unlock()
	return do(req)
}

func (l *fakeLeg) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
}

func (l *fakeLeg) sentRequests() []*sip.Request {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*sip.Request, len(l.requests))
	copy(out, l.requests)
	return out
}

// fakeMedia fakes the media controller.
type fakeMedia struct {
	mu     sync.Mutex
	alive  bool
	closed bool
}

func newFakeMedia() *fakeMedia { return &fakeMedia{alive: true} }

func (m *fakeMedia) Offer(ctx context.Context) ([]byte, error) { return []byte("v=0 offer"), nil }

func (m *fakeMedia) Answer(ctx context.Context, offer []byte) ([]byte, error) {
	return []byte("v=0 answer"), nil
}

func (m *fakeMedia) SetRemoteDescription(sdp []byte) error { return nil }

func (m *fakeMedia) HoldOffer(ctx context.Context, hold bool) ([]byte, error) {
	if hold {
		return []byte("v=0 sendonly"), nil
	}
	return []byte("v=0 sendrecv"), nil
}

func (m *fakeMedia) RemoteReinvite(ctx context.Context, offer []byte) ([]byte, error) {
	return []byte("v=0 answer"), nil
}

func (m *fakeMedia) Rebuild(ctx context.Context) ([]byte, error) { return []byte("v=0 offer2"), nil }

func (m *fakeMedia) Alive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alive
}

func (m *fakeMedia) setAlive(v bool) {
	m.mu.Lock()
	m.alive = v
	m.mu.Unlock()
}

func (m *fakeMedia) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

func (m *fakeMedia) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

type sessionFixture struct {
	s     *Session
	leg   *fakeLeg
	media *fakeMedia
	clk   *clock.Mock
}

func newSessionFixture(t *testing.T, inbound bool) *sessionFixture {
	t.Helper()
	leg := newFakeLeg("call-1")
	media := newFakeMedia()
	clk := clock.NewMock()
	stats := newSessionStats(fakeStatsSource{}, clk, zerolog.Nop())
	s := newSession(leg, media, stats, inbound, clk, zerolog.Nop(), nil)
	return &sessionFixture{s: s, leg: leg, media: media, clk: clk}
}

type fakeStatsSource struct{}

func (fakeStatsSource) Snapshot() (statsSnapshot, bool) { return statsSnapshot{}, false }

func activeSession(t *testing.T, fx *sessionFixture) {
	t.Helper()
	require.NoError(t, fx.s.Accept(context.Background()))
	require.Equal(t, stateActive, fx.s.State())
}

func TestSessionAcceptInbound(t *testing.T) {
	fx := newSessionFixture(t, true)
	require.Equal(t, stateRinging, fx.s.State())

	require.NoError(t, fx.s.Accept(context.Background()))
	assert.Equal(t, stateActive, fx.s.State())

	ok, err := fx.s.Accepted(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSessionAcceptAfterRejectFails(t *testing.T) {
	fx := newSessionFixture(t, true)

	require.NoError(t, fx.s.Reject(context.Background()))
	err := fx.s.Accept(context.Background())
	require.Error(t, err)
	assert.EqualError(t, err, "invalid operation: session is rejected")
}

func TestSessionRejectAfterAcceptFails(t *testing.T) {
	fx := newSessionFixture(t, true)

	require.NoError(t, fx.s.Accept(context.Background()))
	err := fx.s.Reject(context.Background())
	require.Error(t, err)
	assert.EqualError(t, err, "invalid operation: session is accepted")
}

func TestSessionRejectResolvesAcceptedFalse(t *testing.T) {
	fx := newSessionFixture(t, true)

	require.NoError(t, fx.s.Reject(context.Background()))
	ok, err := fx.s.Accepted(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, fx.s.Terminated(context.Background()))
	assert.Equal(t, CauseRejected, fx.s.Cause())
}

// Two overlapping holds share one re-INVITE; a third after success is a
// no-op resolved true.
func TestSessionHoldIdempotent(t *testing.T) {
	fx := newSessionFixture(t, true)
	activeSession(t, fx)

	release := make(chan struct{})
	fx.leg.mu.Lock()
	fx.leg.doFunc = func(req *sip.Request) (*sip.Response, error) {
		<-release
		return sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil), nil
	}
	fx.leg.mu.Unlock()

	type holdResult struct {
		ok  bool
		err error
	}
	results := make(chan holdResult, 2)
	for i := 0; i < 2; i++ {
		go func() {
			ok, err := fx.s.Hold(context.Background())
			results <- holdResult{ok, err}
		}()
	}

	// Both calls must be parked on the same re-INVITE.
	require.Eventually(t, func() bool {
		return len(fx.leg.sentRequests()) == 1
	}, time.Second, time.Millisecond)
	assert.False(t, fx.s.HoldState(), "hold state flips only on success")

	close(release)
	for i := 0; i < 2; i++ {
		r := <-results
		require.NoError(t, r.err)
		assert.True(t, r.ok)
	}
	assert.True(t, fx.s.HoldState())
	assert.Equal(t, stateOnHold, fx.s.State())
	assert.Len(t, fx.leg.sentRequests(), 1, "exactly one re-INVITE for both holds")

	// Third hold: already held, resolves immediately without a request.
	ok, err := fx.s.Hold(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, fx.leg.sentRequests(), 1)
}

func TestSessionHoldUnhold(t *testing.T) {
	fx := newSessionFixture(t, true)
	activeSession(t, fx)

	ok, err := fx.s.Hold(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, fx.s.HoldState())

	ok, err = fx.s.Unhold(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, fx.s.HoldState())
	assert.Equal(t, stateActive, fx.s.State())
}

func TestSessionHoldFailureKeepsState(t *testing.T) {
	fx := newSessionFixture(t, true)
	activeSession(t, fx)

	fx.leg.mu.Lock()
	fx.leg.doFunc = func(req *sip.Request) (*sip.Response, error) {
		return sip.NewResponseFromRequest(req, sip.StatusNotAcceptable, "Not Acceptable", nil), nil
	}
	fx.leg.mu.Unlock()

	_, err := fx.s.Hold(context.Background())
	require.Error(t, err)
	var rerr *ReinviteError
	require.ErrorAs(t, err, &rerr)
	assert.False(t, fx.s.HoldState())
	assert.Equal(t, stateActive, fx.s.State())
}

func TestSessionTerminateRejectsPendingHold(t *testing.T) {
	fx := newSessionFixture(t, true)
	activeSession(t, fx)

	block := make(chan struct{})
	fx.leg.mu.Lock()
	fx.leg.doFunc = func(req *sip.Request) (*sip.Response, error) {
		<-block
		return nil, fmt.Errorf("transaction died")
	}
	fx.leg.mu.Unlock()

	holdErr := make(chan error, 1)
	go func() {
		_, err := fx.s.Hold(context.Background())
		holdErr <- err
	}()

	require.Eventually(t, func() bool {
		return len(fx.leg.sentRequests()) == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, fx.s.Terminate(context.Background()))
	assert.ErrorIs(t, <-holdErr, ErrSessionAborted)
	close(block)
}

func TestSessionTerminatedMisconfiguredAccount(t *testing.T) {
	fx := newSessionFixture(t, true)
	activeSession(t, fx)

	bye := sip.NewRequest(sip.BYE, sip.Uri{User: "alice", Host: "example.com"})
	bye.AppendHeader(sip.NewHeader(asteriskHangupHeader, "58"))
	fx.s.handleBye(bye)

	err := fx.s.Terminated(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMisconfiguredAccount)
	assert.True(t, fx.s.SaidBye())
}

func TestSessionRemoteByeTerminates(t *testing.T) {
	fx := newSessionFixture(t, true)
	activeSession(t, fx)

	bye := sip.NewRequest(sip.BYE, sip.Uri{User: "alice", Host: "example.com"})
	fx.s.handleBye(bye)

	require.NoError(t, fx.s.Terminated(context.Background()))
	assert.Equal(t, stateTerminated, fx.s.State())
	assert.True(t, fx.media.isClosed(), "media must be released on terminal event")
}

// A terminated session never mutates again.
func TestSessionTerminalEventIsFinal(t *testing.T) {
	fx := newSessionFixture(t, true)
	activeSession(t, fx)

	fx.s.handleBye(sip.NewRequest(sip.BYE, sip.Uri{User: "alice", Host: "example.com"}))
	require.NoError(t, fx.s.Terminated(context.Background()))
	require.Equal(t, CauseBye, fx.s.Cause())

	// Late events and operations must not move the machine.
	fx.s.finalize(CauseFailure, "")
	assert.Equal(t, CauseBye, fx.s.Cause())
	assert.Equal(t, stateTerminated, fx.s.State())

	_, err := fx.s.Hold(context.Background())
	assert.ErrorIs(t, err, ErrSessionAborted)
}

func TestSessionDTMFValidation(t *testing.T) {
	fx := newSessionFixture(t, true)
	activeSession(t, fx)

	for _, invalid := range []string{"", "abc", "1 2", "E", "12!"} {
		assert.ErrorIs(t, fx.s.DTMF(invalid), ErrInvalidDTMF, "tones %q", invalid)
	}
	assert.Len(t, fx.leg.sentRequests(), 0)

	require.NoError(t, fx.s.DTMF("19A#*D0"))
	require.Eventually(t, func() bool {
		return len(fx.leg.sentRequests()) == 7
	}, time.Second, time.Millisecond)

	first := fx.leg.sentRequests()[0]
	assert.Equal(t, sip.INFO, first.Method)
	assert.Equal(t, "application/dtmf-relay", first.ContentType().Value())
	assert.Contains(t, string(first.Body()), "Signal=1")
	assert.Contains(t, string(first.Body()), "Duration=160")
}

func TestSessionDTMFRequiresActive(t *testing.T) {
	fx := newSessionFixture(t, true)
	err := fx.s.DTMF("1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid operation")
}

func TestSessionTransferBlind(t *testing.T) {
	fx := newSessionFixture(t, true)
	activeSession(t, fx)

	fx.leg.mu.Lock()
	fx.leg.doFunc = func(req *sip.Request) (*sip.Response, error) {
		return sip.NewResponseFromRequest(req, 202, "Accepted", nil), nil
	}
	fx.leg.mu.Unlock()

	ok, err := fx.s.Transfer(context.Background(), "sip:carol@example.com")
	require.NoError(t, err)
	assert.True(t, ok)

	reqs := fx.leg.sentRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, sip.REFER, reqs[0].Method)
	referTo := reqs[0].GetHeader("Refer-To")
	require.NotNil(t, referTo)
	assert.Equal(t, "<sip:carol@example.com>", referTo.Value())
}

func TestSessionTransferAttended(t *testing.T) {
	fx := newSessionFixture(t, true)
	activeSession(t, fx)

	other := newSessionFixture(t, true)
	activeSession(t, other)

	fx.leg.mu.Lock()
	fx.leg.doFunc = func(req *sip.Request) (*sip.Response, error) {
		return sip.NewResponseFromRequest(req, 202, "Accepted", nil), nil
	}
	fx.leg.mu.Unlock()

	ok, err := fx.s.TransferAttended(context.Background(), other.s)
	require.NoError(t, err)
	assert.True(t, ok)

	reqs := fx.leg.sentRequests()
	require.Len(t, reqs, 1)
	referTo := reqs[0].GetHeader("Refer-To")
	require.NotNil(t, referTo)
	v := referTo.Value()
	assert.Contains(t, v, "?Replaces=call-1;to-tag=remote-tag;from-tag=local-tag")
	assert.True(t, strings.HasPrefix(v, "<sip:bob@example.com"), "Refer-To must target the consultation remote: %s", v)
}

func TestSessionTransferRejected(t *testing.T) {
	fx := newSessionFixture(t, true)
	activeSession(t, fx)

	fx.leg.mu.Lock()
	fx.leg.doFunc = func(req *sip.Request) (*sip.Response, error) {
		return sip.NewResponseFromRequest(req, sip.StatusForbidden, "Forbidden", nil), nil
	}
	fx.leg.mu.Unlock()

	_, err := fx.s.Transfer(context.Background(), "sip:carol@example.com")
	require.Error(t, err)
	var terr *TransferError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, 403, terr.Code)
	assert.Equal(t, stateActive, fx.s.State(), "failed transfer leaves the call untouched")
}

func TestSessionOutboundAnswered(t *testing.T) {
	fx := newSessionFixture(t, false)

	ringing := make(chan struct{})
	fx.leg.waitAnswer = func(ctx context.Context, onResponse func(*sip.Response)) error {
		res := sip.NewResponseFromRequest(fx.leg.invite, sip.StatusRinging, "Ringing", nil)
		onResponse(res)
		close(ringing)
		return nil
	}

	go fx.s.runOutbound(context.Background())

	<-ringing
	ok, err := fx.s.Accepted(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, stateActive, fx.s.State())
}

func TestSessionOutboundFailed(t *testing.T) {
	fx := newSessionFixture(t, false)

	fx.leg.waitAnswer = func(ctx context.Context, onResponse func(*sip.Response)) error {
		return fmt.Errorf("486 Busy Here")
	}

	go fx.s.runOutbound(context.Background())

	ok, err := fx.s.Accepted(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, fx.s.Terminated(context.Background()))
	assert.Equal(t, CauseFailure, fx.s.Cause())
}

func TestSessionRecoveryAbandoned(t *testing.T) {
	fx := newSessionFixture(t, true)
	activeSession(t, fx)

	fx.media.setAlive(true)
	fx.s.checkRecovered()
	assert.Equal(t, stateActive, fx.s.State(), "live peer connection survives recovery")

	fx.media.setAlive(false)
	fx.s.checkRecovered()
	require.NoError(t, fx.s.Terminated(context.Background()))
	assert.Equal(t, CauseRecoveryAbandoned, fx.s.Cause())
}
