// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package webphone

import (
	"context"

	"github.com/emiago/sipgo/sip"
)

// EventKind enumerates what the user agent reports upward. The adapter
// never interprets these; the transport state machine does.
type EventKind int

const (
	// EventTransportCreated fires once the websocket connection is dialed
	// and usable.
	EventTransportCreated EventKind = iota
	// EventRegistered fires once, on the initial successful REGISTER.
	// Refreshes do not emit it.
	EventRegistered
	// EventRegistrationFailed carries the SIP code of a rejected REGISTER.
	EventRegistrationFailed
	// EventUnregistered confirms a zero-expiry REGISTER.
	EventUnregistered
	// EventInvite carries a new inbound call leg.
	EventInvite
	// EventDisconnected reports transport loss. Err holds the cause.
	EventDisconnected
	// EventBye is a remote hangup for an established call.
	EventBye
	// EventNotify is an in-dialog NOTIFY, typically transfer progress.
	EventNotify
)

func (k EventKind) String() string {
	switch k {
	case EventTransportCreated:
		return "transportCreated"
	case EventRegistered:
		return "registered"
	case EventRegistrationFailed:
		return "registrationFailed"
	case EventUnregistered:
		return "unregistered"
	case EventInvite:
		return "invite"
	case EventDisconnected:
		return "disconnected"
	case EventBye:
		return "bye"
	case EventNotify:
		return "notify"
	}
	return "unknown"
}

// Event is one user agent signal. CallID and Request are set for
// per-call kinds only.
type Event struct {
	Kind   EventKind
	Code   int
	Reason string
	Err    error

	CallID  string
	Request *sip.Request
	Dialog  Dialog
}

// Dialog is the per-call capability surface driven by Session. The sipgo
// implementation wraps DialogClientSession/DialogServerSession; tests
// substitute their own.
type Dialog interface {
	ID() string
	// InviteRequest is the request that created the dialog. For inbound
	// legs it carries the remote identity headers.
	InviteRequest() *sip.Request
	// WaitAnswer blocks until the outbound INVITE is answered or fails.
	// onResponse observes every provisional response.
	WaitAnswer(ctx context.Context, onResponse func(res *sip.Response)) error
	Ack(ctx context.Context) error
	// Answer responds 200 with an SDP body on an inbound leg.
	Answer(sdp []byte) error
	Respond(code sip.StatusCode, reason string) error
	Bye(ctx context.Context) error
	// Do sends an in-dialog request (re-INVITE, REFER, INFO) and returns
	// the final response.
	Do(ctx context.Context, req *sip.Request) (*sip.Response, error)
	// RemoteDescription is the peer SDP: the INVITE offer on inbound
	// legs, the 200 answer on outbound legs.
	RemoteDescription() []byte
	RemoteTarget() sip.Uri
	LocalTag() string
	RemoteTag() string
	Close()
}

// UserAgent is a thin capability facade over the SIP stack. One instance
// maps to one websocket connection; the transport tears it down and
// builds a fresh one on every recovery attempt.
type UserAgent interface {
	// Start builds the SIP stack and installs the inbound request
	// handlers. The websocket is dialed by the first REGISTER.
	Start(ctx context.Context) error
	// Register sends REGISTER and keeps the binding refreshed in
	// background. Outcome is reported on Events.
	Register(ctx context.Context) error
	// Unregister sends a zero-expiry REGISTER and blocks for the result.
	Unregister(ctx context.Context) error
	// Invite creates an outbound call leg. The INVITE transaction is
	// driven through Dialog.WaitAnswer.
	Invite(ctx context.Context, recipient sip.Uri, sdp []byte, headers ...sip.Header) (Dialog, error)
	// ReinviteHandler installs the callback answering inbound re-INVITEs
	// with a fresh local SDP. Must be set before Start.
	ReinviteHandler(f func(callID string, offer []byte) ([]byte, error))
	Events() <-chan Event
	// Stop force-closes the transport and all in-flight transactions.
	Stop() error
}

// UserAgentFactory builds the adapter. Swapped in tests.
type UserAgentFactory func(cfg Config) (UserAgent, error)
