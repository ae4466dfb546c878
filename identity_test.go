// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package webphone

import (
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
)

func inviteWithHeaders(headers ...sip.Header) *sip.Request {
	req := sip.NewRequest(sip.INVITE, sip.Uri{User: "alice", Host: "example.com"})
	for _, h := range headers {
		req.AppendHeader(h)
	}
	return req
}

func fromHeader(display, user string) *sip.FromHeader {
	return &sip.FromHeader{
		DisplayName: display,
		Address:     sip.Uri{User: user, Host: "example.com"},
		Params:      sip.NewParams(),
	}
}

func TestRemoteIdentityPrecedence(t *testing.T) {
	req := inviteWithHeaders(
		fromHeader("From Guy", "fromuser"),
		sip.NewHeader("Remote-Party-Id", `"RPID Guy" <sip:rpid@example.com>;party=calling`),
		sip.NewHeader("P-Asserted-Identity", `"Asserted Guy" <sip:asserted@example.com>`),
	)

	ident := parseRemoteIdentity(req)
	assert.Equal(t, "Asserted Guy", ident.DisplayName)
	assert.Equal(t, "asserted", ident.User)
}

func TestRemoteIdentityFallsBackToRPID(t *testing.T) {
	req := inviteWithHeaders(
		fromHeader("From Guy", "fromuser"),
		sip.NewHeader("Remote-Party-Id", `"RPID Guy" <sip:rpid@example.com>;party=calling`),
	)

	ident := parseRemoteIdentity(req)
	assert.Equal(t, "RPID Guy", ident.DisplayName)
	assert.Equal(t, "rpid", ident.User)
}

func TestRemoteIdentityFallsBackToFrom(t *testing.T) {
	req := inviteWithHeaders(fromHeader("From Guy", "fromuser"))

	ident := parseRemoteIdentity(req)
	assert.Equal(t, "From Guy", ident.DisplayName)
	assert.Equal(t, "fromuser", ident.User)
}

func TestRemoteIdentityNoDisplayName(t *testing.T) {
	req := inviteWithHeaders(
		fromHeader("", "fromuser"),
		sip.NewHeader("P-Asserted-Identity", "<sip:anon@example.com>"),
	)

	ident := parseRemoteIdentity(req)
	assert.Equal(t, "", ident.DisplayName)
	assert.Equal(t, "anon", ident.User)
}

func TestRemoteIdentityMalformedHeaderSkipped(t *testing.T) {
	req := inviteWithHeaders(
		fromHeader("From Guy", "fromuser"),
		sip.NewHeader("P-Asserted-Identity", "not a uri"),
	)

	ident := parseRemoteIdentity(req)
	assert.Equal(t, "fromuser", ident.User)
}
