// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package webphone

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"
)

type registerResponseError struct {
	RegisterReq *sip.Request
	RegisterRes *sip.Response

	Msg string
}

func (e *registerResponseError) StatusCode() int {
	return e.RegisterRes.StatusCode
}

func (e *registerResponseError) Error() string {
	return e.Msg
}

// registration drives REGISTER for one websocket flow: initial binding,
// refresh at 3/4 of the granted expiry, zero-expiry removal.
type registration struct {
	origin *sip.Request
	cfg    Config

	client *sipgo.Client
	log    zerolog.Logger
	clk    clock.Clock

	expiry time.Duration
}

func newRegistration(client *sipgo.Client, cfg Config, log zerolog.Logger, clk clock.Clock) *registration {
	req := sip.NewRequest(sip.REGISTER, cfg.registrarURI())
	req.SetTransport("WSS")
	// The REGISTER rides the configured websocket, not the AOR host.
	req.SetDestination(wsHostPort(cfg.WSServers[0]))

	contact := sip.ContactHeader{
		Address: sip.Uri{
			Scheme:    "sips",
			User:      cfg.Account.User,
			Host:      cfg.aor.Host,
			UriParams: sip.NewParams(),
			Headers:   sip.NewParams(),
		},
	}
	contact.Address.UriParams.Add("transport", "ws")
	req.AppendHeader(&contact)

	expires := sip.ExpiresHeader(cfg.RegistrationExpires)
	req.AppendHeader(&expires)

	return &registration{
		origin: req, // origin is updated after first register
		cfg:    cfg,
		client: client,
		log:    log.With().Str("caller", "Register").Logger(),
		clk:    clk,
	}
}

func (r *registration) Register(ctx context.Context) error {
	req := r.origin
	contact := *req.Contact().Clone()

	res, err := r.client.Do(ctx, req, sipgo.ClientRequestRegisterBuild)
	if err != nil {
		return fmt.Errorf("fail to create transaction req=%q: %w", req.StartLine(), err)
	}

	via := res.Via()
	if via == nil {
		return fmt.Errorf("no Via header in response")
	}

	// https://datatracker.ietf.org/doc/html/rfc3581#section-9
	if rport, _ := via.Params.Get("rport"); rport != "" {
		if p, err := strconv.Atoi(rport); err == nil {
			contact.Address.Port = p
		}
		if received, _ := via.Params.Get("received"); received != "" {
			contact.Address.Host = received
		}
		req.ReplaceHeader(&contact)
	}

	if res.StatusCode == sip.StatusUnauthorized || res.StatusCode == sip.StatusProxyAuthRequired {
		res, err = r.client.DoDigestAuth(ctx, req, res, sipgo.DigestAuth{
			Username: r.cfg.Account.User,
			Password: r.cfg.Account.Password,
		})
		if err != nil {
			return fmt.Errorf("fail to get response req=%q : %w", req.StartLine(), err)
		}
	}

	if res.StatusCode != 200 {
		return &registerResponseError{
			RegisterReq: req,
			RegisterRes: res,
			Msg:         res.StartLine(),
		}
	}

	r.expiry = time.Duration(r.cfg.RegistrationExpires) * time.Second
	if h := res.GetHeader("Expires"); h != nil {
		val, err := strconv.Atoi(h.Value())
		if err != nil {
			return fmt.Errorf("failed to parse server Expires value: %w", err)
		}
		r.expiry = time.Duration(val) * time.Second
	}
	return nil
}

// RefreshLoop re-registers at 3/4 of the granted expiry until ctx ends
// or a request fails. A failure means the binding is lost.
func (r *registration) RefreshLoop(ctx context.Context) error {
	retry := r.calcRetry(r.expiry)
	ticker := r.clk.Ticker(retry)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		expiry := r.expiry
		if err := r.refresh(ctx); err != nil {
			return err
		}

		if r.expiry != expiry {
			retry = r.calcRetry(r.expiry)
			r.log.Info().Dur("expiry", r.expiry).Dur("retry", retry).Msg("Register expiry changed")
			ticker.Reset(retry)
		}
	}
}

func (r *registration) calcRetry(expiry time.Duration) time.Duration {
	retry := time.Duration(expiry.Seconds()*0.75) * time.Second
	if retry == 0 {
		retry = 30 * time.Second
	}
	return retry
}

func (r *registration) refresh(ctx context.Context) error {
	return r.doRequest(ctx, r.origin)
}

func (r *registration) Unregister(ctx context.Context) error {
	req := r.origin

	req.RemoveHeader("Expires")
	req.RemoveHeader("Contact")
	req.AppendHeader(sip.NewHeader("Contact", "*"))
	expires := sip.ExpiresHeader(0)
	req.AppendHeader(&expires)
	return r.doRequest(ctx, req)
}

func (r *registration) doRequest(ctx context.Context, req *sip.Request) error {
	req.RemoveHeader("Via")
	res, err := r.client.Do(ctx, req, sipgo.ClientRequestRegisterBuild)
	if err != nil {
		return fmt.Errorf("fail to get response req=%q : %w", req.StartLine(), err)
	}

	if res.StatusCode == sip.StatusUnauthorized || res.StatusCode == sip.StatusProxyAuthRequired {
		res, err = r.client.DoDigestAuth(ctx, req, res, sipgo.DigestAuth{
			Username: r.cfg.Account.User,
			Password: r.cfg.Account.Password,
		})
		if err != nil {
			return fmt.Errorf("fail to get response req=%q : %w", req.StartLine(), err)
		}
	}

	if res.StatusCode != 200 {
		return &registerResponseError{
			RegisterReq: req,
			RegisterRes: res,
			Msg:         res.StartLine(),
		}
	}

	if h := res.GetHeader("Expires"); h != nil {
		val, err := strconv.Atoi(h.Value())
		if err != nil {
			return fmt.Errorf("failed to parse server Expires value: %w", err)
		}
		r.expiry = time.Duration(val) * time.Second
	}
	return nil
}
