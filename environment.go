// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package webphone

import (
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/frostbyte73/core"
)

// EnvSignalKind marks a change the recovery engine reacts to.
type EnvSignalKind int

const (
	// SignalOnline fires when the host regains network.
	SignalOnline EnvSignalKind = iota
	// SignalOffline fires when the host loses network.
	SignalOffline
	// SignalVisible fires when the embedding application regains focus,
	// ex a page becoming visible again.
	SignalVisible
	// SignalHidden fires when the application is backgrounded.
	SignalHidden
)

// EnvSignal is one environment transition.
type EnvSignal struct {
	Kind EnvSignalKind
	At   time.Time
}

// Environment feeds online/visibility state into the recovery engine and
// answers the startup feature probe. Embedders running inside a browser
// shell or mobile webview substitute their own implementation.
type Environment interface {
	Online() bool
	Visible() bool
	// Signals delivers transitions. The channel stays open for the
	// lifetime of the environment.
	Signals() <-chan EnvSignal
	// CheckFeatures fails fast when peer connection, websocket or media
	// capture support is missing.
	CheckFeatures() error
}

// netProbe is the default Environment: visibility is always true and
// online state is polled from the host interfaces. It exists so the
// library is usable without an embedder-provided probe; anything with a
// real lifecycle (browser shell, mobile webview) should inject its own.
type netProbe struct {
	clk      clock.Clock
	interval time.Duration

	mu      sync.Mutex
	online  bool
	signals chan EnvSignal

	stop core.Fuse
}

func newNetProbe(clk clock.Clock) *netProbe {
	p := &netProbe{
		clk:      clk,
		interval: 2 * time.Second,
		online:   hasRoutableInterface(),
		signals:  make(chan EnvSignal, 8),
	}
	go p.poll()
	return p
}

func (p *netProbe) Online() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online
}

func (p *netProbe) Visible() bool { return true }

func (p *netProbe) Signals() <-chan EnvSignal { return p.signals }

func (p *netProbe) CheckFeatures() error {
	// The Go build links pion and gobwas/ws unconditionally; the only
	// runtime feature that can be absent is a capture device, which the
	// media source reports per call.
	return nil
}

func (p *netProbe) Close() {
	p.stop.Break()
}

func (p *netProbe) poll() {
	ticker := p.clk.Ticker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop.Watch():
			return
		case <-ticker.C:
		}

		online := hasRoutableInterface()

		p.mu.Lock()
		changed := online != p.online
		p.online = online
		p.mu.Unlock()

		if !changed {
			continue
		}

		sig := EnvSignal{Kind: SignalOffline, At: p.clk.Now()}
		if online {
			sig.Kind = SignalOnline
		}
		select {
		case p.signals <- sig:
		default:
			// Listener is behind; state getters stay correct.
		}
	}
}

func hasRoutableInterface() bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil || len(addrs) == 0 {
			continue
		}
		return true
	}
	return false
}
