// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package webphone

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

const statsInterval = 5 * time.Second

// statsSource is implemented by SessionMedia; tests plug their own.
type statsSource interface {
	Snapshot() (statsSnapshot, bool)
}

// QualityReport is one folded measurement window with its MOS estimate.
type QualityReport struct {
	// MOS is a bounded mean opinion score estimate in [1.0, 4.5].
	MOS          float64
	Jitter       time.Duration
	FractionLost float64
	RTT          time.Duration
	Samples      int
	At           time.Time
}

// SessionStats samples the media plane every five seconds and derives a
// running quality estimate. Stopped for good on session termination.
type SessionStats struct {
	src statsSource
	clk clock.Clock
	log zerolog.Logger

	mu       sync.Mutex
	onUpdate []func(QualityReport)
	report   QualityReport
	have     bool
	lastAt   time.Time

	running bool
	stopped bool
	pause   chan struct{}
	stop    chan struct{}
}

func newSessionStats(src statsSource, clk clock.Clock, log zerolog.Logger) *SessionStats {
	return &SessionStats{
		src:  src,
		clk:  clk,
		log:  log.With().Str("caller", "SessionStats").Logger(),
		stop: make(chan struct{}),
	}
}

// OnUpdate registers a callback fired whenever the window advances.
func (st *SessionStats) OnUpdate(f func(QualityReport)) {
	st.mu.Lock()
	st.onUpdate = append(st.onUpdate, f)
	st.mu.Unlock()
}

// Last returns the most recent report, false before the first sample.
func (st *SessionStats) Last() (QualityReport, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.report, st.have
}

// Start arms the sampling ticker. No-op when already running.
func (st *SessionStats) Start() {
	st.mu.Lock()
	if st.running || st.stopped {
		st.mu.Unlock()
		return
	}
	st.running = true
	pause := make(chan struct{})
	st.pause = pause
	st.mu.Unlock()

	go st.loop(pause)
}

// Pause halts sampling across a peer connection rebuild.
func (st *SessionStats) Pause() {
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.running {
		return
	}
	st.running = false
	close(st.pause)
}

// Resume restarts sampling after a rebuild.
func (st *SessionStats) Resume() {
	st.Start()
}

// Stop ends sampling permanently. Called from the terminal sink.
func (st *SessionStats) Stop() {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.stopped {
		return
	}
	st.stopped = true
	if st.running {
		st.running = false
		close(st.pause)
	}
	close(st.stop)
}

func (st *SessionStats) loop(pause chan struct{}) {
	ticker := st.clk.Ticker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-pause:
			return
		case <-st.stop:
			return
		}
		st.sample()
	}
}

func (st *SessionStats) sample() {
	snap, ok := st.src.Snapshot()
	if !ok {
		return
	}

	st.mu.Lock()
	if !snap.At.After(st.lastAt) {
		// Window did not advance, nothing new to report.
		st.mu.Unlock()
		return
	}
	st.lastAt = snap.At

	r := st.report
	if !st.have {
		r = QualityReport{Jitter: snap.Jitter, FractionLost: snap.FractionLost, RTT: snap.RTT}
	} else {
		// Exponential fold so one bad report does not swing the score.
		r.Jitter = (r.Jitter*3 + snap.Jitter) / 4
		r.FractionLost = (r.FractionLost*3 + snap.FractionLost) / 4
		if snap.RTT > 0 {
			r.RTT = (r.RTT*3 + snap.RTT) / 4
		}
	}
	r.Samples++
	r.At = snap.At
	r.MOS = computeMOS(r.Jitter, r.RTT, r.FractionLost)
	st.report = r
	st.have = true
	callbacks := st.onUpdate
	st.mu.Unlock()

	for _, f := range callbacks {
		f(r)
	}
}

// computeMOS reduces latency, jitter and loss to an R-factor and maps it
// onto the MOS scale, bounded to [1.0, 4.5].
func computeMOS(jitter, rtt time.Duration, loss float64) float64 {
	effLatency := float64(rtt.Milliseconds())/2 + 2*float64(jitter.Milliseconds()) + 10

	r := 93.2
	if effLatency < 160 {
		r -= effLatency / 40
	} else {
		r -= (effLatency - 120) / 10
	}
	r -= loss * 100 * 2.5
	if r < 0 {
		r = 0
	}

	mos := 1 + 0.035*r + 7e-6*r*(r-60)*(100-r)
	if mos < 1 {
		mos = 1
	}
	if mos > 4.5 {
		mos = 4.5
	}
	return mos
}
