// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package webphone

import (
	"strings"

	"github.com/emiago/sipgo/sip"
)

// Identity is the remote party as asserted by the network or, failing
// that, claimed by the caller.
type Identity struct {
	DisplayName string
	User        string
	URI         string
}

// identityHeaders in precedence order. P-Asserted-Identity is the
// network-verified one (RFC 3325), Remote-Party-Id the legacy variant.
var identityHeaders = []string{"P-Asserted-Identity", "Remote-Party-Id"}

func parseRemoteIdentity(req *sip.Request) Identity {
	if req == nil {
		return Identity{}
	}

	for _, name := range identityHeaders {
		if h := req.GetHeader(name); h != nil {
			if ident, ok := parseNameAddr(h.Value()); ok {
				return ident
			}
		}
	}

	if from := req.From(); from != nil {
		return Identity{
			DisplayName: from.DisplayName,
			User:        from.Address.User,
			URI:         from.Address.String(),
		}
	}
	return Identity{}
}

// parseNameAddr splits `"Display" <sip:user@host>;params` into its
// parts. Anything without a parseable URI is rejected.
func parseNameAddr(value string) (Identity, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return Identity{}, false
	}

	display := ""
	addr := value

	if i := strings.IndexByte(value, '<'); i >= 0 {
		j := strings.IndexByte(value, '>')
		if j < i {
			return Identity{}, false
		}
		display = strings.TrimSpace(value[:i])
		display = strings.Trim(display, `"`)
		addr = value[i+1 : j]
	} else if i := strings.IndexByte(value, ';'); i >= 0 {
		// Bare URI with header params
		addr = value[:i]
	}

	uri := sip.Uri{}
	if err := sip.ParseUri(addr, &uri); err != nil {
		return Identity{}, false
	}

	return Identity{
		DisplayName: display,
		User:        uri.User,
		URI:         uri.String(),
	}, true
}
