// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package webphone

import (
	"fmt"
	"strings"
	"time"

	"github.com/emiago/media"
	"github.com/emiago/sipgo/sip"
)

// Account is the registration identity.
type Account struct {
	// User is the account name used for digest auth.
	User string
	// Password for digest auth.
	Password string
	// URI is the authoritative address of record, ex sip:alice@example.com
	URI string
}

// DeviceTemplate selects and shapes one media direction.
type DeviceTemplate struct {
	// ID of the capture or playback device. Empty picks the default device.
	ID string
	// Volume in range [0,1].
	Volume float64
	// Muted starts the direction muted.
	Muted bool
	// AudioProcessing enables echo cancellation and gain control when the
	// device backend supports it.
	AudioProcessing bool
}

// MediaTemplate is the initial media shape applied to every new session.
type MediaTemplate struct {
	Input  DeviceTemplate
	Output DeviceTemplate
}

// Config is immutable after New. All durations have working defaults.
type Config struct {
	Account Account

	// WSServers is the ordered list of wss:// endpoints. One user agent
	// dials only the first entry of the list it is built with; the default
	// user agent factory rotates the list by one on every build, so each
	// connect and recovery attempt dials the next endpoint in order.
	WSServers []string

	// WSTimeout bounds how long Connect waits for the websocket to open
	// (or the first registration, whichever comes first). Once the socket
	// is open, registration is awaited without this deadline. Default 10s.
	WSTimeout time.Duration

	// RegistrationExpires is the Expires value in seconds offered on
	// REGISTER. Default 600.
	RegistrationExpires int

	// UserAgentString is sent as User-Agent header.
	UserAgentString string

	// ICEServers are STUN/TURN urls handed to the peer connection.
	ICEServers []string

	// Codecs offered on calls. Default ulaw, alaw and telephone-event.
	Codecs []media.Codec

	// Media is the initial device template for new sessions.
	Media MediaTemplate

	aor sip.Uri
}

const (
	defaultWSTimeout           = 10 * time.Second
	defaultRegistrationExpires = 600
)

func (c *Config) withDefaults() (Config, error) {
	out := *c
	if out.WSTimeout == 0 {
		out.WSTimeout = defaultWSTimeout
	}
	if out.RegistrationExpires == 0 {
		out.RegistrationExpires = defaultRegistrationExpires
	}
	if out.UserAgentString == "" {
		out.UserAgentString = "webphone"
	}
	if len(out.Codecs) == 0 {
		out.Codecs = []media.Codec{media.CodecAudioUlaw, media.CodecAudioAlaw, media.CodecTelephoneEvent8000}
	}

	if out.Account.URI == "" {
		return out, fmt.Errorf("config: account URI is required")
	}
	uri := sip.Uri{}
	if err := sip.ParseUri(out.Account.URI, &uri); err != nil {
		return out, fmt.Errorf("config: parsing account URI failed: %w", err)
	}
	out.aor = uri

	if out.Account.User == "" {
		out.Account.User = uri.User
	}

	if len(out.WSServers) == 0 {
		return out, fmt.Errorf("config: at least one wss server is required")
	}
	for _, s := range out.WSServers {
		if !strings.HasPrefix(s, "wss://") {
			return out, fmt.Errorf("config: ws server %q must use wss scheme", s)
		}
	}
	return out, nil
}

// registrarURI derives the REGISTER recipient from the account URI host
// and port.
func (c *Config) registrarURI() sip.Uri {
	return sip.Uri{
		Scheme: "sips",
		Host:   c.aor.Host,
		Port:   c.aor.Port,
	}
}

// wsHostPort strips the scheme and path from a wss endpoint.
func wsHostPort(server string) string {
	s := strings.TrimPrefix(server, "wss://")
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	return s
}
