// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package webphone

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/emiago/media"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"
)

// MediaDeviceInfo describes one capture or playback device.
type MediaDeviceInfo struct {
	ID      string
	Label   string
	Default bool
}

// CaptureStream feeds encoded audio from a device into the call.
type CaptureStream interface {
	ReadRTP(p *rtp.Packet) error
	Codec() media.Codec
	Close() error
}

// PlaybackStream renders the remote audio on a device.
type PlaybackStream interface {
	WriteRTP(p *rtp.Packet) error
	Close() error
}

// MediaDevices is the injected capture/playback backend. The library
// only plumbs packets between these streams and the peer connection.
type MediaDevices interface {
	Inputs() ([]MediaDeviceInfo, error)
	Outputs() ([]MediaDeviceInfo, error)
	OpenCapture(deviceID string, tmpl DeviceTemplate, codec media.Codec) (CaptureStream, error)
	OpenPlayback(deviceID string, tmpl DeviceTemplate) (PlaybackStream, error)
}

// newWebRTCAPI registers the configured codecs on a fresh media engine.
func newWebRTCAPI(codecs []media.Codec) (*webrtc.API, error) {
	eng := webrtc.MediaEngine{}
	for _, c := range codecs {
		mime, ok := codecMimeType(c)
		if !ok {
			continue
		}
		err := eng.RegisterCodec(webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: mime, ClockRate: c.SampleRate},
			PayloadType:        webrtc.PayloadType(c.PayloadType),
		}, webrtc.RTPCodecTypeAudio)
		if err != nil {
			return nil, err
		}
	}

	settEng := webrtc.SettingEngine{}
	return webrtc.NewAPI(
		webrtc.WithMediaEngine(&eng),
		webrtc.WithSettingEngine(settEng),
	), nil
}

func codecMimeType(c media.Codec) (string, bool) {
	switch c.PayloadType {
	case 0:
		return webrtc.MimeTypePCMU, true
	case 8:
		return webrtc.MimeTypePCMA, true
	case 96:
		return webrtc.MimeTypeOpus, true
	case 101:
		return "audio/telephone-event", true
	}
	return "", false
}

// statsSnapshot is what the sampler folds every tick. Derived from RTCP
// receiver reports.
type statsSnapshot struct {
	Jitter       time.Duration
	FractionLost float64
	RTT          time.Duration
	At           time.Time
}

// SessionMedia binds the injected devices to one peer connection. It is
// owned by exactly one session for the session lifetime.
type SessionMedia struct {
	api        *webrtc.API
	iceServers []string
	devices    MediaDevices
	tmpl       MediaTemplate
	codecs     []media.Codec
	log        zerolog.Logger

	mu         sync.Mutex
	pc         *webrtc.PeerConnection
	localTrack *webrtc.TrackLocalStaticRTP
	sender     *webrtc.RTPSender
	capture    CaptureStream
	playback   PlaybackStream

	inputMuted  bool
	outputMuted bool
	inputID     string
	outputID    string

	snapshot statsSnapshot
	seenRTCP bool

	closed bool
}

func newSessionMedia(api *webrtc.API, cfg Config, devices MediaDevices, log zerolog.Logger) *SessionMedia {
	return &SessionMedia{
		api:         api,
		iceServers:  cfg.ICEServers,
		devices:     devices,
		tmpl:        cfg.Media,
		codecs:      cfg.Codecs,
		log:         log.With().Str("caller", "SessionMedia").Logger(),
		inputMuted:  cfg.Media.Input.Muted,
		outputMuted: cfg.Media.Output.Muted,
		inputID:     cfg.Media.Input.ID,
		outputID:    cfg.Media.Output.ID,
	}
}

func (m *SessionMedia) peerConfig() webrtc.Configuration {
	conf := webrtc.Configuration{}
	if len(m.iceServers) > 0 {
		conf.ICEServers = []webrtc.ICEServer{{URLs: m.iceServers}}
	}
	return conf
}

// createPeer builds the peer connection with the capture track attached
// and the remote track routed to playback.
func (m *SessionMedia) createPeer(ctx context.Context) error {
	codec := m.codecs[0]
	mime, ok := codecMimeType(codec)
	if !ok {
		return fmt.Errorf("unsupported codec pt=%d for peer connection", codec.PayloadType)
	}

	capture, err := m.devices.OpenCapture(m.inputID, m.tmpl.Input, codec)
	if err != nil {
		return fmt.Errorf("opening capture device failed: %w", err)
	}

	pc, err := m.api.NewPeerConnection(m.peerConfig())
	if err != nil {
		capture.Close()
		return err
	}

	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: mime, ClockRate: codec.SampleRate}, "audio", "webphone")
	if err != nil {
		capture.Close()
		pc.Close()
		return err
	}

	sender, err := pc.AddTrack(track)
	if err != nil {
		capture.Close()
		pc.Close()
		return err
	}

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		m.log.Debug().Str("state", state.String()).Msg("ICE connection state changed")
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		go m.playbackLoop(remote)
	})

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		capture.Close()
		pc.Close()
		return fmt.Errorf("media is closed")
	}
	m.pc = pc
	m.localTrack = track
	m.sender = sender
	m.capture = capture
	m.mu.Unlock()

	go m.captureLoop(capture, track)
	go m.rtcpLoop(sender)
	return nil
}

// captureLoop pushes device packets to the local track. Input mute
// drops packets here; no renegotiation happens.
func (m *SessionMedia) captureLoop(capture CaptureStream, track *webrtc.TrackLocalStaticRTP) {
	pkt := rtp.Packet{}
	for {
		if err := capture.ReadRTP(&pkt); err != nil {
			return
		}

		m.mu.Lock()
		muted := m.inputMuted
		current := m.capture == capture
		m.mu.Unlock()
		if !current {
			return
		}
		if muted {
			continue
		}

		if err := track.WriteRTP(&pkt); err != nil {
			return
		}
	}
}

func (m *SessionMedia) playbackLoop(remote *webrtc.TrackRemote) {
	m.mu.Lock()
	playback := m.playback
	m.mu.Unlock()

	if playback == nil {
		out, err := m.devices.OpenPlayback(m.outputID, m.tmpl.Output)
		if err != nil {
			m.log.Error().Err(err).Msg("Opening playback device failed")
			return
		}
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			out.Close()
			return
		}
		m.playback = out
		playback = out
		m.mu.Unlock()
	}

	buf := make([]byte, 1500)
	pkt := rtp.Packet{}
	for {
		n, _, err := remote.Read(buf)
		if err != nil {
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}

		m.mu.Lock()
		muted := m.outputMuted
		playback = m.playback
		m.mu.Unlock()
		if muted || playback == nil {
			continue
		}

		if err := playback.WriteRTP(&pkt); err != nil {
			return
		}
	}
}

// rtcpLoop folds receiver reports into the stats snapshot.
func (m *SessionMedia) rtcpLoop(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		n, _, err := sender.Read(buf)
		if err != nil {
			return
		}
		pkts, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			m.log.Debug().Err(err).Msg("Failed to unmarshal RTCP")
			continue
		}

		for _, p := range pkts {
			rr, ok := p.(*rtcp.ReceiverReport)
			if !ok {
				continue
			}
			for _, rep := range rr.Reports {
				m.mu.Lock()
				m.snapshot.Jitter = time.Duration(rep.Jitter) * time.Second / 8000
				m.snapshot.FractionLost = float64(rep.FractionLost) / 256
				if rep.LastSenderReport != 0 {
					// RFC 3550 A.8: RTT = now - LSR - DLSR in 1/65536s units
					rtt := ntpTime32(time.Now()) - rep.LastSenderReport - rep.Delay
					m.snapshot.RTT = time.Duration(rtt) * time.Second / 65536
				}
				m.snapshot.At = time.Now()
				m.seenRTCP = true
				m.mu.Unlock()
			}
		}
	}
}

// ntpTime32 is the middle 32 bits of the NTP timestamp for t.
func ntpTime32(t time.Time) uint32 {
	secs := uint64(t.Unix()) + 2208988800 // NTP epoch offset
	frac := uint64(t.Nanosecond()) << 32 / uint64(time.Second)
	return uint32(secs<<16) | uint32(frac>>16)
}

// Snapshot hands the latest folded RTCP window to the sampler.
func (m *SessionMedia) Snapshot() (statsSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot, m.seenRTCP
}

// Offer creates the peer connection and returns the local offer SDP.
func (m *SessionMedia) Offer(ctx context.Context) ([]byte, error) {
	if err := m.createPeer(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	pc := m.pc
	m.mu.Unlock()

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return []byte(pc.LocalDescription().SDP), nil
}

// Answer applies the remote offer and returns the local answer SDP.
func (m *SessionMedia) Answer(ctx context.Context, offer []byte) ([]byte, error) {
	if err := m.createPeer(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	pc := m.pc
	m.mu.Unlock()

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: string(offer)}); err != nil {
		return nil, err
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return []byte(pc.LocalDescription().SDP), nil
}

// SetRemoteDescription applies the peer's answer SDP.
func (m *SessionMedia) SetRemoteDescription(body []byte) error {
	m.mu.Lock()
	pc := m.pc
	m.mu.Unlock()
	if pc == nil {
		return fmt.Errorf("no peer connection")
	}
	return pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: string(body)})
}

// RemoteReinvite applies a renegotiation offer from the far end and
// returns the local answer. A sendonly offer is a remote hold; the
// packet plumbing keeps running either way.
func (m *SessionMedia) RemoteReinvite(ctx context.Context, offer []byte) ([]byte, error) {
	m.mu.Lock()
	pc := m.pc
	m.mu.Unlock()
	if pc == nil {
		return nil, fmt.Errorf("no peer connection")
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: string(offer)}); err != nil {
		return nil, err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	return []byte(pc.LocalDescription().SDP), nil
}

// HoldOffer renegotiates with the audio direction rewritten: sendonly
// when going on hold, sendrecv when resuming.
func (m *SessionMedia) HoldOffer(ctx context.Context, hold bool) ([]byte, error) {
	m.mu.Lock()
	pc := m.pc
	m.mu.Unlock()
	if pc == nil {
		return nil, fmt.Errorf("no peer connection")
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}

	dir := "sendrecv"
	if hold {
		dir = "sendonly"
	}
	return rewriteSDPDirection([]byte(offer.SDP), dir)
}

// rewriteSDPDirection swaps the direction attribute on every media
// section of an SDP body.
func rewriteSDPDirection(body []byte, dir string) ([]byte, error) {
	desc := sdp.SessionDescription{}
	if err := desc.Unmarshal(body); err != nil {
		return nil, err
	}

	for _, md := range desc.MediaDescriptions {
		attrs := md.Attributes[:0]
		for _, a := range md.Attributes {
			switch a.Key {
			case "sendrecv", "sendonly", "recvonly", "inactive":
				continue
			}
			attrs = append(attrs, a)
		}
		md.Attributes = append(attrs, sdp.Attribute{Key: dir})
	}

	return desc.Marshal()
}

// Rebuild swaps the peer connection for a new one, returning a fresh
// offer for re-INVITE.
func (m *SessionMedia) Rebuild(ctx context.Context) ([]byte, error) {
	m.mu.Lock()
	pc := m.pc
	capture := m.capture
	m.pc = nil
	m.capture = nil
	m.mu.Unlock()

	if capture != nil {
		capture.Close()
	}
	if pc != nil {
		pc.Close()
	}
	return m.Offer(ctx)
}

// Alive reports whether the peer connection survived, used after
// transport recovery.
func (m *SessionMedia) Alive() bool {
	m.mu.Lock()
	pc := m.pc
	m.mu.Unlock()
	if pc == nil {
		return false
	}
	switch pc.ICEConnectionState() {
	case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateDisconnected, webrtc.ICEConnectionStateClosed:
		return false
	}
	return true
}

// MuteInput stops sending capture packets without renegotiating.
func (m *SessionMedia) MuteInput(muted bool) {
	m.mu.Lock()
	m.inputMuted = muted
	m.mu.Unlock()
}

// InputMuted reports the capture mute flag.
func (m *SessionMedia) InputMuted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inputMuted
}

// MuteOutput drops remote packets before playback.
func (m *SessionMedia) MuteOutput(muted bool) {
	m.mu.Lock()
	m.outputMuted = muted
	m.mu.Unlock()
}

// OutputMuted reports the playback mute flag.
func (m *SessionMedia) OutputMuted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outputMuted
}

// InputDevice returns the selected capture device id.
func (m *SessionMedia) InputDevice() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inputID
}

// OutputDevice returns the selected playback device id.
func (m *SessionMedia) OutputDevice() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outputID
}

// SetInputDevice swaps the capture source in place. The old stream is
// closed once the new one feeds the track. When the new device cannot
// produce the negotiated codec the caller must rebuild the session
// media via Session.RebuildMedia.
func (m *SessionMedia) SetInputDevice(id string) error {
	m.mu.Lock()
	codec := m.codecs[0]
	track := m.localTrack
	old := m.capture
	m.mu.Unlock()

	if track == nil {
		// Not negotiated yet, just remember the choice.
		m.mu.Lock()
		m.inputID = id
		m.mu.Unlock()
		return nil
	}

	capture, err := m.devices.OpenCapture(id, m.tmpl.Input, codec)
	if err != nil {
		return fmt.Errorf("opening capture device failed: %w", err)
	}

	m.mu.Lock()
	m.capture = capture
	m.inputID = id
	m.mu.Unlock()

	if old != nil {
		old.Close()
	}
	go m.captureLoop(capture, track)
	return nil
}

// SetOutputDevice swaps the playback sink in place.
func (m *SessionMedia) SetOutputDevice(id string) error {
	out, err := m.devices.OpenPlayback(id, m.tmpl.Output)
	if err != nil {
		return fmt.Errorf("opening playback device failed: %w", err)
	}

	m.mu.Lock()
	old := m.playback
	m.playback = out
	m.outputID = id
	m.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return nil
}

// Close releases every device stream and the peer connection. Safe on
// every exit path; the first call wins.
func (m *SessionMedia) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	pc := m.pc
	capture := m.capture
	playback := m.playback
	m.pc = nil
	m.capture = nil
	m.playback = nil
	m.mu.Unlock()

	if capture != nil {
		capture.Close()
	}
	if playback != nil {
		playback.Close()
	}
	if pc != nil {
		pc.Close()
	}
}
