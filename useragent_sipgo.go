// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package webphone

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/frostbyte73/core"
	"github.com/rs/zerolog"
)

// sipUserAgent is the production adapter over sipgo. It keeps exactly one
// websocket flow: REGISTER and outbound INVITEs are sent through the
// client, while requests arriving on the same connection are dispatched
// through the shared transport layer into the server handlers.
type sipUserAgent struct {
	cfg Config
	log zerolog.Logger
	clk clock.Clock

	ua           *sipgo.UserAgent
	client       *sipgo.Client
	server       *sipgo.Server
	dialogClient *sipgo.DialogClient
	dialogServer *sipgo.DialogServer
	contactHDR   sip.ContactHeader

	reg *registration

	mu         sync.Mutex
	onReinvite func(callID string, offer []byte) ([]byte, error)

	// runCtx bounds background work (registration refresh) to the user
	// agent lifetime, not to the caller's connect context.
	runCtx    context.Context
	runCancel context.CancelFunc

	events  chan Event
	stopped core.Fuse
}

func newSIPUserAgent(cfg Config, log zerolog.Logger, clk clock.Clock) (UserAgent, error) {
	return &sipUserAgent{
		cfg:    cfg,
		log:    log.With().Str("caller", "UA").Logger(),
		clk:    clk,
		events: make(chan Event, 32),
	}, nil
}

func (a *sipUserAgent) Events() <-chan Event { return a.events }

func (a *sipUserAgent) ReinviteHandler(f func(callID string, offer []byte) ([]byte, error)) {
	a.mu.Lock()
	a.onReinvite = f
	a.mu.Unlock()
}

func (a *sipUserAgent) emit(ev Event) {
	select {
	case a.events <- ev:
	case <-a.stopped.Watch():
	}
}

func (a *sipUserAgent) Start(ctx context.Context) error {
	ua, err := sipgo.NewUA(sipgo.WithUserAgent(a.cfg.UserAgentString))
	if err != nil {
		return fmt.Errorf("creating user agent failed: %w", err)
	}
	client, err := sipgo.NewClient(ua, sipgo.WithClientNAT())
	if err != nil {
		ua.Close()
		return fmt.Errorf("creating client failed: %w", err)
	}
	server, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return fmt.Errorf("creating server failed: %w", err)
	}

	a.ua = ua
	a.client = client
	a.server = server

	a.contactHDR = sip.ContactHeader{
		Address: sip.Uri{
			Scheme:    "sips",
			User:      a.cfg.Account.User,
			Host:      a.cfg.aor.Host,
			UriParams: sip.NewParams(),
			Headers:   sip.NewParams(),
		},
	}
	a.contactHDR.Address.UriParams.Add("transport", "ws")

	a.dialogClient = sipgo.NewDialogClient(client, a.contactHDR)
	a.dialogServer = sipgo.NewDialogServer(client, a.contactHDR)

	a.setupHandlers()

	a.runCtx, a.runCancel = context.WithCancel(context.Background())
	a.reg = newRegistration(client, a.cfg, a.log, a.clk)
	return nil
}

func (a *sipUserAgent) setupHandlers() {
	srv := a.server

	srv.OnInvite(func(req *sip.Request, tx sip.ServerTransaction) {
		if id, err := sip.UASReadRequestDialogID(req); err == nil {
			a.handleReInvite(req, tx, id)
			return
		}

		dialog, err := a.dialogServer.ReadInvite(req, tx)
		if err != nil {
			a.log.Error().Err(err).Msg("Handling new INVITE failed")
			return
		}

		leg := &serverDialog{DialogServerSession: dialog, invite: req}
		a.emit(Event{Kind: EventInvite, CallID: leg.ID(), Request: req, Dialog: leg})
	})

	srv.OnAck(func(req *sip.Request, tx sip.ServerTransaction) {
		a.dialogServer.ReadAck(req, tx)
	})

	srv.OnBye(func(req *sip.Request, tx sip.ServerTransaction) {
		err := a.dialogServer.ReadBye(req, tx)
		if errors.Is(err, sipgo.ErrDialogDoesNotExists) {
			err = a.dialogClient.ReadBye(req, tx)
		}
		if err != nil {
			a.log.Error().Err(err).Msg("Bye finished with error")
			return
		}

		callID := ""
		if h := req.CallID(); h != nil {
			callID = h.Value()
		}
		a.emit(Event{Kind: EventBye, CallID: callID, Request: req})
	})

	srv.OnNotify(func(req *sip.Request, tx sip.ServerTransaction) {
		tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))

		callID := ""
		if h := req.CallID(); h != nil {
			callID = h.Value()
		}
		a.emit(Event{Kind: EventNotify, CallID: callID, Request: req})
	})

	srv.OnOptions(func(req *sip.Request, tx sip.ServerTransaction) {
		tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
	})
}

func (a *sipUserAgent) handleReInvite(req *sip.Request, tx sip.ServerTransaction, id string) {
	a.mu.Lock()
	onReinvite := a.onReinvite
	a.mu.Unlock()

	if onReinvite == nil {
		tx.Respond(sip.NewResponseFromRequest(req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist", nil))
		return
	}

	callID := ""
	if h := req.CallID(); h != nil {
		callID = h.Value()
	}

	answer, err := onReinvite(callID, req.Body())
	if err != nil {
		tx.Respond(sip.NewResponseFromRequest(req, sip.StatusRequestTerminated, err.Error(), nil))
		return
	}

	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", answer)
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	tx.Respond(res)
}

// Register dials the websocket with the first REGISTER and keeps the
// binding refreshed. Runs in background; results go to Events.
func (a *sipUserAgent) Register(ctx context.Context) error {
	if a.reg == nil {
		return fmt.Errorf("user agent is not started")
	}

	go func() {
		// The refresh loop outlives the connect call; it is bound to the
		// user agent lifetime instead.
		ctx := a.runCtx
		if err := a.reg.Register(ctx); err != nil {
			var rerr *registerResponseError
			if errors.As(err, &rerr) {
				a.emit(Event{Kind: EventRegistrationFailed, Code: rerr.StatusCode(), Reason: rerr.Msg, Err: err})
				return
			}
			a.emit(Event{Kind: EventRegistrationFailed, Err: err})
			return
		}

		a.emit(Event{Kind: EventTransportCreated})
		a.emit(Event{Kind: EventRegistered})

		// Refresh loop holds the binding. Any error here means the
		// connection is gone or the registrar turned on us.
		if err := a.reg.RefreshLoop(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			a.emit(Event{Kind: EventDisconnected, Err: err})
		}
	}()
	return nil
}

func (a *sipUserAgent) Unregister(ctx context.Context) error {
	if a.reg == nil {
		return fmt.Errorf("user agent is not started")
	}
	if err := a.reg.Unregister(ctx); err != nil {
		return err
	}
	a.emit(Event{Kind: EventUnregistered})
	return nil
}

func (a *sipUserAgent) Invite(ctx context.Context, recipient sip.Uri, sdp []byte, headers ...sip.Header) (Dialog, error) {
	headers = append(headers, sip.NewHeader("Content-Type", "application/sdp"))
	dialog, err := a.dialogClient.Invite(ctx, recipient, sdp, headers...)
	if err != nil {
		return nil, err
	}
	return &clientDialog{DialogClientSession: dialog}, nil
}

func (a *sipUserAgent) Stop() error {
	a.stopped.Once(func() {
		if a.runCancel != nil {
			a.runCancel()
		}
		if a.ua != nil {
			a.ua.Close()
		}
	})
	return nil
}

// clientDialog adapts sipgo outbound dialog to Dialog.
type clientDialog struct {
	*sipgo.DialogClientSession
}

func (d *clientDialog) ID() string { return d.DialogClientSession.ID }

func (d *clientDialog) InviteRequest() *sip.Request { return d.Dialog.InviteRequest }

func (d *clientDialog) WaitAnswer(ctx context.Context, onResponse func(res *sip.Response)) error {
	return d.DialogClientSession.WaitAnswer(ctx, sipgo.AnswerOptions{
		OnResponse: func(res *sip.Response) error {
			if onResponse != nil {
				onResponse(res)
			}
			return nil
		},
	})
}

func (d *clientDialog) Answer(sdp []byte) error {
	return fmt.Errorf("answer on outbound dialog")
}

func (d *clientDialog) Respond(code sip.StatusCode, reason string) error {
	return fmt.Errorf("respond on outbound dialog")
}

func (d *clientDialog) RemoteDescription() []byte {
	if d.Dialog.InviteResponse == nil {
		return nil
	}
	return d.Dialog.InviteResponse.Body()
}

func (d *clientDialog) RemoteTarget() sip.Uri {
	if cont := d.Dialog.InviteResponse.Contact(); cont != nil {
		return cont.Address
	}
	return d.Dialog.InviteRequest.To().Address
}

func (d *clientDialog) LocalTag() string {
	tag, _ := d.Dialog.InviteRequest.From().Params.Get("tag")
	return tag
}

func (d *clientDialog) RemoteTag() string {
	if d.Dialog.InviteResponse == nil {
		return ""
	}
	tag, _ := d.Dialog.InviteResponse.To().Params.Get("tag")
	return tag
}

func (d *clientDialog) Close() { d.DialogClientSession.Close() }

// serverDialog adapts sipgo inbound dialog to Dialog.
type serverDialog struct {
	*sipgo.DialogServerSession
	invite *sip.Request
}

func (d *serverDialog) ID() string { return d.DialogServerSession.ID }

func (d *serverDialog) InviteRequest() *sip.Request { return d.invite }

func (d *serverDialog) WaitAnswer(ctx context.Context, onResponse func(res *sip.Response)) error {
	return fmt.Errorf("wait answer on inbound dialog")
}

func (d *serverDialog) Ack(ctx context.Context) error { return nil }

func (d *serverDialog) Answer(sdp []byte) error {
	return d.DialogServerSession.Respond(sip.StatusOK, "OK", sdp, sip.NewHeader("Content-Type", "application/sdp"))
}

func (d *serverDialog) Respond(code sip.StatusCode, reason string) error {
	return d.DialogServerSession.Respond(code, reason, nil)
}

func (d *serverDialog) RemoteDescription() []byte {
	return d.invite.Body()
}

func (d *serverDialog) RemoteTarget() sip.Uri {
	if cont := d.invite.Contact(); cont != nil {
		return cont.Address
	}
	return d.invite.From().Address
}

func (d *serverDialog) LocalTag() string {
	tag, _ := d.invite.To().Params.Get("tag")
	return tag
}

func (d *serverDialog) RemoteTag() string {
	tag, _ := d.invite.From().Params.Get("tag")
	return tag
}

func (d *serverDialog) Close() { d.DialogServerSession.Close() }
