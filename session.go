// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package webphone

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"
	"github.com/rs/zerolog"
)

// Session states.
const (
	stateInitial     = "initial"
	stateRinging     = "ringing"
	stateActive      = "active"
	stateOnHold      = "on_hold"
	stateTerminating = "terminating"
	stateTerminated  = "terminated"
)

// TerminateCause classifies the terminal event of a session.
type TerminateCause string

const (
	CauseBye               TerminateCause = "bye"
	CauseCancel            TerminateCause = "cancel"
	CauseRejected          TerminateCause = "rejected"
	CauseFailure           TerminateCause = "failure"
	CauseRecoveryAbandoned TerminateCause = "recovery-abandoned"
)

const asteriskHangupHeader = "X-Asterisk-Hangupcausecode"

var dtmfTones = regexp.MustCompile(`^[0-9A-D#*,]+$`)

type termination struct {
	cause      TerminateCause
	hangupCode string
}

// mediaController is what the session drives on the media plane.
// Production uses *SessionMedia; tests substitute a fake.
type mediaController interface {
	// Offer creates the peer connection and returns the local SDP offer.
	Offer(ctx context.Context) ([]byte, error)
	// Answer applies a remote offer and returns the local SDP answer.
	Answer(ctx context.Context, offer []byte) ([]byte, error)
	// SetRemoteDescription applies the peer's answer.
	SetRemoteDescription(sdp []byte) error
	// HoldOffer returns a local offer with the audio direction set for
	// hold (sendonly) or resumed (sendrecv).
	HoldOffer(ctx context.Context, hold bool) ([]byte, error)
	// RemoteReinvite applies a renegotiation offer from the far end and
	// returns the local answer.
	RemoteReinvite(ctx context.Context, offer []byte) ([]byte, error)
	// Rebuild tears down and recreates the peer connection, returning a
	// fresh offer for re-INVITE.
	Rebuild(ctx context.Context) ([]byte, error)
	// Alive reports whether the peer connection survived, used after
	// transport recovery.
	Alive() bool
	Close()
}

// Session is one call leg with its own state machine layered over the
// SIP dialog. All operations are single-flight: a repeated call joins
// the in-flight one.
type Session struct {
	id      string
	inbound bool
	leg     Dialog
	media   mediaController
	stats   *SessionStats
	clk     clock.Clock
	log     zerolog.Logger

	// onTerminate unlinks the session from its owner.
	onTerminate func(*Session)

	// mediaPub is the typed media accessor; nil when a test substitutes
	// the controller.
	mediaPub *SessionMedia

	mu      sync.Mutex
	machine *fsm.FSM

	accepted   *promise[bool]
	terminated *promise[termination]

	acceptOp     *promise[struct{}]
	rejectOp     *promise[struct{}]
	reinviteOp   *promise[bool]
	reinviteHold bool
	transferOp   *promise[bool]

	holdState bool
	saidBye   bool

	remoteIdentity *Identity

	cancelInvite context.CancelFunc

	createdAt time.Time
}

func newSession(leg Dialog, media mediaController, stats *SessionStats, inbound bool, clk clock.Clock, log zerolog.Logger, onTerminate func(*Session)) *Session {
	initial := stateInitial
	if inbound {
		initial = stateRinging
	}

	s := &Session{
		id:          leg.ID(),
		inbound:     inbound,
		leg:         leg,
		media:       media,
		stats:       stats,
		clk:         clk,
		log:         log.With().Str("call_id", leg.ID()).Logger(),
		onTerminate: onTerminate,
		accepted:    newPromise[bool](),
		terminated:  newPromise[termination](),
		createdAt:   clk.Now(),
	}

	s.machine = fsm.NewFSM(
		initial,
		fsm.Events{
			{Name: "ring", Src: []string{stateInitial}, Dst: stateRinging},
			{Name: "answer", Src: []string{stateInitial, stateRinging}, Dst: stateActive},
			{Name: "hold", Src: []string{stateActive}, Dst: stateOnHold},
			{Name: "unhold", Src: []string{stateOnHold}, Dst: stateActive},
			{Name: "end", Src: []string{stateInitial, stateRinging, stateActive, stateOnHold}, Dst: stateTerminating},
			{Name: "die", Src: []string{stateInitial, stateRinging, stateActive, stateOnHold, stateTerminating}, Dst: stateTerminated},
		},
		nil,
	)
	return s
}

// ID is the SIP Call-ID.
func (s *Session) ID() string { return s.id }

// Inbound reports call direction.
func (s *Session) Inbound() bool { return s.inbound }

// State returns the current call state name.
func (s *Session) State() string { return s.machine.Current() }

// HoldState reflects the last successful hold renegotiation, never the
// pending one.
func (s *Session) HoldState() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.holdState
}

// SaidBye reports whether a BYE was seen before termination.
func (s *Session) SaidBye() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saidBye
}

// Stats returns the quality sampler for this session.
func (s *Session) Stats() *SessionStats { return s.stats }

// Media returns the media binding for mute and device control.
func (s *Session) Media() *SessionMedia { return s.mediaPub }

// RemoteIdentity resolves the caller identity from the first present of
// P-Asserted-Identity, Remote-Party-Id, From. Cached after first call.
func (s *Session) RemoteIdentity() Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remoteIdentity == nil {
		ident := parseRemoteIdentity(s.leg.InviteRequest())
		s.remoteIdentity = &ident
	}
	return *s.remoteIdentity
}

// Accepted resolves true once the call is accepted and false when it is
// rejected or fails. One-shot.
func (s *Session) Accepted(ctx context.Context) (bool, error) {
	return s.accepted.wait(ctx)
}

// Terminated blocks until the terminal event. It fails with
// ErrMisconfiguredAccount when the far end hung up flagging cause 58.
func (s *Session) Terminated(ctx context.Context) error {
	term, err := s.terminated.wait(ctx)
	if err != nil {
		return err
	}
	if term.cause == CauseBye && term.hangupCode == "58" {
		return ErrMisconfiguredAccount
	}
	return nil
}

// Cause returns the terminal cause, empty while the session is live.
func (s *Session) Cause() TerminateCause {
	if !s.terminated.settled() {
		return ""
	}
	term, _ := s.terminated.wait(context.Background())
	return term.cause
}

// Accept answers an inbound call: media is bound to the peer connection
// and 200 OK is sent. Repeated calls join the in-flight accept; calling
// after Reject fails.
func (s *Session) Accept(ctx context.Context) error {
	s.mu.Lock()
	if s.rejectOp != nil {
		s.mu.Unlock()
		return errSessionRejected
	}
	if s.acceptOp != nil {
		op := s.acceptOp
		s.mu.Unlock()
		return op.waitErr(ctx)
	}
	if !s.inbound || s.machine.Current() != stateRinging {
		s.mu.Unlock()
		return fmt.Errorf("invalid operation: session is %s", s.machine.Current())
	}
	op := newPromise[struct{}]()
	s.acceptOp = op
	s.mu.Unlock()

	go s.runAccept(op)
	return op.waitErr(ctx)
}

func (s *Session) runAccept(op *promise[struct{}]) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	answer, err := s.media.Answer(ctx, s.leg.RemoteDescription())
	if err != nil {
		op.reject(err)
		s.finalize(CauseFailure, "")
		return
	}

	if err := s.leg.Answer(answer); err != nil {
		op.reject(&InviteError{Reason: err.Error()})
		s.finalize(CauseFailure, "")
		return
	}

	s.toActive()
	op.resolve(struct{}{})
}

// Reject declines an inbound ringing call. Calling after Accept fails.
func (s *Session) Reject(ctx context.Context) error {
	s.mu.Lock()
	if s.acceptOp != nil {
		s.mu.Unlock()
		return errSessionAccepted
	}
	if s.rejectOp != nil {
		op := s.rejectOp
		s.mu.Unlock()
		return op.waitErr(ctx)
	}
	if !s.inbound || s.machine.Current() != stateRinging {
		s.mu.Unlock()
		return fmt.Errorf("invalid operation: session is %s", s.machine.Current())
	}
	op := newPromise[struct{}]()
	s.rejectOp = op
	s.mu.Unlock()

	go func() {
		if err := s.leg.Respond(sip.StatusBusyHere, "Busy Here"); err != nil {
			op.reject(err)
		} else {
			op.resolve(struct{}{})
		}
		s.accepted.resolve(false)
		s.finalize(CauseRejected, "")
	}()
	return op.waitErr(ctx)
}

// Terminate ends the call from any live state and returns the terminal
// wait. Safe to call repeatedly.
func (s *Session) Terminate(ctx context.Context) error {
	s.mu.Lock()
	state := s.machine.Current()
	switch state {
	case stateTerminated, stateTerminating:
		s.mu.Unlock()
		return s.Terminated(ctx)

	case stateActive, stateOnHold:
		s.machine.Event(context.Background(), "end")
		s.mu.Unlock()
		s.Bye()
		return s.Terminated(ctx)

	default: // initial, ringing
		if s.inbound {
			s.mu.Unlock()
			if err := s.Reject(ctx); err != nil && err != errSessionAccepted {
				return err
			}
			return s.Terminated(ctx)
		}
		cancelInvite := s.cancelInvite
		s.machine.Event(context.Background(), "end")
		s.mu.Unlock()
		if cancelInvite != nil {
			cancelInvite()
		}
		return s.Terminated(ctx)
	}
}

// Bye hangs up an established call, fire and forget. The terminal event
// follows once the far end confirms or the transaction times out.
func (s *Session) Bye() {
	s.mu.Lock()
	s.saidBye = true
	s.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.leg.Bye(ctx); err != nil {
			s.log.Warn().Err(err).Msg("Bye failed")
		}
		s.finalize(CauseBye, "")
	}()
}

// Hold puts the call on hold via re-INVITE. Resolves true on success;
// repeated calls share the in-flight renegotiation.
func (s *Session) Hold(ctx context.Context) (bool, error) {
	return s.setHold(ctx, true)
}

// Unhold resumes the call.
func (s *Session) Unhold(ctx context.Context) (bool, error) {
	return s.setHold(ctx, false)
}

func (s *Session) setHold(ctx context.Context, flag bool) (bool, error) {
	s.mu.Lock()
	if s.terminated.settled() {
		s.mu.Unlock()
		return false, ErrSessionAborted
	}
	if s.reinviteOp != nil && s.reinviteHold == flag {
		op := s.reinviteOp
		s.mu.Unlock()
		return op.wait(ctx)
	}
	if s.reinviteOp == nil && s.holdState == flag {
		s.mu.Unlock()
		return true, nil
	}
	state := s.machine.Current()
	if state != stateActive && state != stateOnHold {
		s.mu.Unlock()
		return false, fmt.Errorf("invalid operation: session is %s", state)
	}
	op := newPromise[bool]()
	s.reinviteOp = op
	s.reinviteHold = flag
	s.mu.Unlock()

	go s.runHold(op, flag)
	return op.wait(ctx)
}

func (s *Session) runHold(op *promise[bool], flag bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sdp, err := s.media.HoldOffer(ctx, flag)
	if err != nil {
		s.settleReinvite(op, false, err)
		return
	}

	res, err := s.reinvite(ctx, sdp)
	if err != nil {
		s.settleReinvite(op, false, err)
		return
	}

	if err := s.media.SetRemoteDescription(res.Body()); err != nil {
		s.settleReinvite(op, false, &ReinviteError{Reason: err.Error()})
		return
	}

	s.mu.Lock()
	s.holdState = flag
	if flag {
		s.machine.Event(context.Background(), "hold")
	} else {
		s.machine.Event(context.Background(), "unhold")
	}
	s.reinviteOp = nil
	s.mu.Unlock()
	op.resolve(true)
}

func (s *Session) settleReinvite(op *promise[bool], ok bool, err error) {
	s.mu.Lock()
	s.reinviteOp = nil
	s.mu.Unlock()
	if err != nil {
		op.reject(err)
		return
	}
	op.resolve(ok)
}

// reinvite sends an in-dialog INVITE with the given SDP.
func (s *Session) reinvite(ctx context.Context, sdp []byte) (*sip.Response, error) {
	req := sip.NewRequest(sip.INVITE, s.leg.RemoteTarget())
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	req.SetBody(sdp)

	res, err := s.leg.Do(ctx, req)
	if err != nil {
		return nil, &ReinviteError{Reason: err.Error()}
	}
	if !res.IsSuccess() {
		return nil, &ReinviteError{Code: int(res.StatusCode), Reason: res.Reason}
	}
	return res, nil
}

// RebuildMedia replaces the peer connection and renegotiates. Used when
// a device swap cannot be done in place.
func (s *Session) RebuildMedia(ctx context.Context) error {
	s.mu.Lock()
	state := s.machine.Current()
	if state != stateActive && state != stateOnHold {
		s.mu.Unlock()
		return fmt.Errorf("invalid operation: session is %s", state)
	}
	s.mu.Unlock()

	s.stats.Pause()

	sdp, err := s.media.Rebuild(ctx)
	if err != nil {
		return err
	}

	res, err := s.reinvite(ctx, sdp)
	if err != nil {
		return err
	}
	if err := s.media.SetRemoteDescription(res.Body()); err != nil {
		return &ReinviteError{Reason: err.Error()}
	}

	s.stats.Resume()
	return nil
}

// DTMF sends tones as SIP INFO requests, fire and forget. A comma
// inserts a two second pause. Tones outside [0-9A-D#*,] fail
// synchronously.
func (s *Session) DTMF(tones string) error {
	if tones == "" || !dtmfTones.MatchString(tones) {
		return ErrInvalidDTMF
	}

	s.mu.Lock()
	state := s.machine.Current()
	s.mu.Unlock()
	if state != stateActive {
		return fmt.Errorf("invalid operation: session is %s", state)
	}

	go s.sendDTMF(tones)
	return nil
}

func (s *Session) sendDTMF(tones string) {
	for _, tone := range tones {
		if tone == ',' {
			s.clk.Sleep(2 * time.Second)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		req := sip.NewRequest(sip.INFO, s.leg.RemoteTarget())
		req.AppendHeader(sip.NewHeader("Content-Type", "application/dtmf-relay"))
		req.SetBody([]byte(fmt.Sprintf("Signal=%c\r\nDuration=160\r\n", tone)))

		if _, err := s.leg.Do(ctx, req); err != nil {
			s.log.Warn().Err(err).Str("tone", string(tone)).Msg("DTMF INFO failed")
		}
		cancel()
	}
}

// Transfer blind-transfers the call to a target URI via REFER. Resolves
// true when the far end accepts the REFER.
func (s *Session) Transfer(ctx context.Context, target string) (bool, error) {
	referTo := target
	if len(referTo) > 0 && referTo[0] != '<' {
		referTo = "<" + referTo + ">"
	}
	return s.refer(ctx, referTo)
}

// TransferAttended merges this call with an established consultation
// call via REFER with Replaces.
func (s *Session) TransferAttended(ctx context.Context, other *Session) (bool, error) {
	if other == nil {
		return false, &TransferError{Reason: "no consultation session"}
	}
	replaces := fmt.Sprintf("%s;to-tag=%s;from-tag=%s", other.ID(), other.leg.RemoteTag(), other.leg.LocalTag())
	referTo := fmt.Sprintf("<%s?Replaces=%s>", other.leg.RemoteTarget().String(), replaces)
	return s.refer(ctx, referTo)
}

func (s *Session) refer(ctx context.Context, referTo string) (bool, error) {
	s.mu.Lock()
	if s.transferOp != nil {
		op := s.transferOp
		s.mu.Unlock()
		return op.wait(ctx)
	}
	state := s.machine.Current()
	if state != stateActive {
		s.mu.Unlock()
		return false, fmt.Errorf("invalid operation: session is %s", state)
	}
	op := newPromise[bool]()
	s.transferOp = op
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			s.transferOp = nil
			s.mu.Unlock()
		}()

		reqCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		req := sip.NewRequest(sip.REFER, s.leg.RemoteTarget())
		req.AppendHeader(sip.NewHeader("Refer-To", referTo))

		res, err := s.leg.Do(reqCtx, req)
		if err != nil {
			op.reject(&TransferError{Reason: err.Error()})
			return
		}
		if !res.IsSuccess() {
			op.reject(&TransferError{Code: int(res.StatusCode), Reason: res.Reason})
			return
		}
		op.resolve(true)
	}()
	return op.wait(ctx)
}

// runOutbound drives the INVITE until answer. Provisional 180/183 moves
// the session to ringing; 183 SDP starts early media.
func (s *Session) runOutbound(ctx context.Context) {
	inviteCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancelInvite = cancel
	s.mu.Unlock()
	defer cancel()

	err := s.leg.WaitAnswer(inviteCtx, func(res *sip.Response) {
		switch res.StatusCode {
		case sip.StatusRinging, sip.StatusSessionInProgress:
			s.mu.Lock()
			if s.machine.Current() == stateInitial {
				s.machine.Event(context.Background(), "ring")
			}
			s.mu.Unlock()

			if res.StatusCode == sip.StatusSessionInProgress && len(res.Body()) > 0 {
				if err := s.media.SetRemoteDescription(res.Body()); err != nil {
					s.log.Warn().Err(err).Msg("Early media SDP rejected")
				}
			}
		}
	})
	if err != nil {
		if inviteCtx.Err() != nil {
			s.accepted.resolve(false)
			s.finalize(CauseCancel, "")
			return
		}
		s.log.Debug().Err(err).Msg("Outbound invite failed")
		s.accepted.resolve(false)
		s.finalize(CauseFailure, "")
		return
	}

	if err := s.media.SetRemoteDescription(s.leg.RemoteDescription()); err != nil {
		s.log.Error().Err(err).Msg("Answer SDP rejected")
		s.Bye()
		return
	}

	ackCtx, ackCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer ackCancel()
	if err := s.leg.Ack(ackCtx); err != nil {
		s.log.Error().Err(err).Msg("ACK failed")
		s.finalize(CauseFailure, "")
		return
	}

	s.toActive()
}

func (s *Session) toActive() {
	s.mu.Lock()
	s.machine.Event(context.Background(), "answer")
	s.mu.Unlock()

	s.accepted.resolve(true)
	s.stats.Start()
}

// handleBye is the remote hangup path, routed by call id.
func (s *Session) handleBye(req *sip.Request) {
	s.mu.Lock()
	s.saidBye = true
	s.mu.Unlock()

	code := ""
	if h := req.GetHeader(asteriskHangupHeader); h != nil {
		code = h.Value()
	}
	s.finalize(CauseBye, code)
}

// handleNotify logs transfer progress sipfrag bodies.
func (s *Session) handleNotify(req *sip.Request) {
	s.log.Debug().Str("body", string(req.Body())).Msg("NOTIFY received")
}

// checkRecovered terminates the session when its peer connection did not
// survive a transport recovery.
func (s *Session) checkRecovered() {
	if s.media.Alive() {
		return
	}
	s.log.Info().Msg("Peer connection did not survive recovery, terminating")
	s.finalize(CauseRecoveryAbandoned, "")
}

// finalize is the single terminal sink. Exactly one cause wins; pending
// accept/hold/transfer promises are rejected, media and stats released.
func (s *Session) finalize(cause TerminateCause, hangupCode string) {
	s.mu.Lock()
	if s.machine.Current() == stateTerminated {
		s.mu.Unlock()
		return
	}
	s.machine.Event(context.Background(), "die")
	acceptOp := s.acceptOp
	reinviteOp := s.reinviteOp
	transferOp := s.transferOp
	s.reinviteOp = nil
	s.transferOp = nil
	s.mu.Unlock()

	if acceptOp != nil {
		acceptOp.reject(ErrSessionAborted)
	}
	if reinviteOp != nil {
		reinviteOp.reject(ErrSessionAborted)
	}
	if transferOp != nil {
		transferOp.reject(ErrSessionAborted)
	}
	s.accepted.resolve(false)

	s.stats.Stop()
	s.media.Close()
	s.leg.Close()

	s.terminated.resolve(termination{cause: cause, hangupCode: hangupCode})

	if s.onTerminate != nil {
		s.onTerminate(s)
	}
}
