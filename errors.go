// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package webphone

import (
	"errors"
	"fmt"
)

var (
	// ErrRecovering is returned by Connect while the phone is trying to
	// recover a lost transport. Message is part of public API.
	ErrRecovering = errors.New("Can not connect while trying to recover.")

	// ErrWSTimeout is returned by Connect when the websocket did not
	// become usable within Config.WSTimeout. Message is part of public API.
	ErrWSTimeout = errors.New("Could not connect to the websocket in time.")

	// ErrNotConnected guards operations that require an established and
	// registered transport.
	ErrNotConnected = errors.New("phone is not connected")

	// ErrConnectCancelled is returned by a pending Connect when Disconnect
	// forcibly stops the user agent mid-attempt.
	ErrConnectCancelled = errors.New("connect cancelled by disconnect")

	// ErrFeatureUnsupported means the environment probe failed: no usable
	// peer connection, websocket or capture support.
	ErrFeatureUnsupported = errors.New("required features are not supported")

	// ErrSessionAborted rejects pending accept/hold promises when the
	// session hits a terminal event first.
	ErrSessionAborted = errors.New("session aborted")

	// ErrMisconfiguredAccount is resolved from Terminated when the remote
	// side hangs up with X-Asterisk-Hangupcausecode: 58, which Asterisk
	// uses for an account that cannot place this call.
	ErrMisconfiguredAccount = errors.New("account is misconfigured")

	// ErrInvalidDTMF rejects tone strings outside [0-9A-D#*,].
	ErrInvalidDTMF = errors.New("invalid DTMF tones")

	errSessionRejected = errors.New("invalid operation: session is rejected")
	errSessionAccepted = errors.New("invalid operation: session is accepted")
)

// AuthError is a terminal registration failure. Recovery never retries it.
type AuthError struct {
	Code   int
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("registration rejected: %d %s", e.Code, e.Reason)
}

// InviteError carries the SIP failure of an outbound INVITE.
type InviteError struct {
	Code   int
	Reason string
}

func (e *InviteError) Error() string {
	return fmt.Sprintf("invite failed: %d %s", e.Code, e.Reason)
}

// ReinviteError is a failed in-dialog renegotiation. The session keeps
// its previous media state.
type ReinviteError struct {
	Code   int
	Reason string
}

func (e *ReinviteError) Error() string {
	return fmt.Sprintf("reinvite failed: %d %s", e.Code, e.Reason)
}

// TransferError is a REFER that was not accepted. The call itself is
// unaffected.
type TransferError struct {
	Code   int
	Reason string
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer failed: %d %s", e.Code, e.Reason)
}
