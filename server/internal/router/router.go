// SPDX-FileCopyrightText: © 2026 Katzenpost Relay Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package router implements message delivery: to a local session, to the
// mesh peer holding the recipient's session, or into the message store.
package router

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"time"

	"github.com/katzenpost/hpqc/sign"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/relay/core/crypto/keys"
	"github.com/katzenpost/relay/core/envelope"
	"github.com/katzenpost/relay/core/identity"
	"github.com/katzenpost/relay/server/connection"
	"github.com/katzenpost/relay/server/directory"
	"github.com/katzenpost/relay/server/internal/glue"
	"github.com/katzenpost/relay/server/internal/instrument"
)

// ForwardPath is the path prefix of the mesh forwarding endpoint.
const ForwardPath = "/forward/"

// Message sources.
const (
	SourceClient = "client"
	SourcePeer   = "peer"
)

var (
	// ErrPayloadTooLarge is returned for messages exceeding the sender's
	// MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("router: payload too large")

	// ErrNoPolicy is returned for senders without a policy.
	ErrNoPolicy = errors.New("router: sender has no policy")

	// ErrSelfDelivery is returned for a recipient that is the sender.
	ErrSelfDelivery = errors.New("router: attempt to deliver message to self")
)

// Router is the relay's delivery engine.
type Router struct {
	glue   glue.Glue
	log    *logging.Logger
	client *http.Client
}

// OnEnvelope implements glue.Router.  It returns an error iff the whole
// envelope was rejected; per recipient failures are logged.
func (r *Router) OnEnvelope(from sign.PublicKey, b []byte) error {
	instrument.MessageReceived(SourceClient)
	fromID := identity.FromPublicKey(from)

	env, err := envelope.Decode(r.glue.IdentityKey(), from, b)
	if err != nil {
		instrument.MessageDropped(instrument.DropDecode)
		return err
	}

	p := r.glue.Policies().Resolve(fromID)
	if p == nil {
		instrument.MessageDropped(instrument.DropNoPolicy)
		return fmt.Errorf("%w: %v", ErrNoPolicy, fromID.Short())
	}
	if size := int64(len(env.Message.Bytes)); size > p.Message.MaxPayloadSize {
		instrument.MessageDropped(instrument.DropPayloadTooLarge)
		r.log.Warningf("from=%v: Rejecting %d byte message, policy '%v' allows %d", fromID.Short(), size, p.Name, p.Message.MaxPayloadSize)
		return fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, size, p.Message.MaxPayloadSize)
	}

	r.dispatch(fromID, from, env, true)
	return nil
}

// OnForwarded implements glue.Router.  Forwarded envelopes are signed by
// the mesh key and are never forwarded again.
func (r *Router) OnForwarded(from sign.PublicKey, b []byte) error {
	instrument.MessageReceived(SourcePeer)

	env, err := envelope.Decode(r.glue.IdentityKey(), r.glue.IdentityPublicKey(), b)
	if err != nil {
		instrument.MessageDropped(instrument.DropDecode)
		return err
	}

	r.dispatch(identity.FromPublicKey(from), from, env, false)
	return nil
}

func (r *Router) dispatch(fromID identity.ID, from sign.PublicKey, env *envelope.Envelope, allowRemote bool) {
	r.log.Debugf("Handling message from: %v to %d recipients", fromID.Short(), len(env.Recipients))
	for i := range env.Recipients {
		rcpt := &env.Recipients[i]
		to := identity.FromPublicKey(rcpt.PublicKey)
		if err := r.deliver(fromID, from, to, rcpt, env, allowRemote); err != nil {
			r.log.Errorf("from=%v, to=%v: Delivery failed: %v", fromID.Short(), to.Short(), err)
		}
	}
}

func (r *Router) deliver(fromID identity.ID, from sign.PublicKey, to identity.ID, rcpt *envelope.Recipient, env *envelope.Envelope, allowRemote bool) error {
	if fromID == to {
		return ErrSelfDelivery
	}

	if e := r.glue.Directory().Get(to); e != nil {
		switch {
		case e.IsLocal():
			err := r.deliverLocal(e.Connection, rcpt, env)
			if err == nil {
				r.log.Debugf("from=%v, to=%v: Delivered %d bytes", fromID.Short(), to.Short(), len(env.Message.Bytes))
				instrument.Delivery(instrument.DeliveredLocal)
				return nil
			}
			r.log.Infof("from=%v, to=%v: Local delivery failed: %v", fromID.Short(), to.Short(), err)
		case allowRemote:
			err := r.forward(from, e, rcpt, env)
			if err == nil {
				r.log.Debugf("from=%v, to=%v: Forwarded to %v", fromID.Short(), to.Short(), e.Address)
				instrument.Delivery(instrument.DeliveredRemote)
				return nil
			}
			instrument.ForwardFailed()
			r.log.Warningf("from=%v, to=%v: Forwarding failed: %v", fromID.Short(), to.Short(), err)
		}
	}

	return r.store(fromID, to, rcpt, env)
}

func (r *Router) deliverLocal(c *connection.Connection, rcpt *envelope.Recipient, env *envelope.Envelope) error {
	b, err := envelope.Rekey(r.glue.IdentityKey(), c.PublicKey(), []envelope.Recipient{*rcpt}, env.StorageKey, env.Message)
	if err != nil {
		return err
	}
	return c.WriteFrame(b)
}

func (r *Router) forward(from sign.PublicKey, e *directory.Entry, rcpt *envelope.Recipient, env *envelope.Envelope) error {
	b, err := envelope.Rekey(r.glue.IdentityKey(), r.glue.IdentityPublicKey(), []envelope.Recipient{*rcpt}, env.StorageKey, env.Message)
	if err != nil {
		return err
	}
	u, err := url.JoinPath(e.Address, ForwardPath, keys.PublicKeyString(from))
	if err != nil {
		return err
	}

	timeout := time.Duration(r.glue.Config().Debug.ForwardTimeout) * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := r.client.Do(req)
	if err != nil {
		if isUnreachable(err) {
			r.log.Warningf("Peer %v is unreachable, removing %v from the directory", e.Address, e.ID.Short())
			r.glue.Directory().RemoveRemote(e.ID, e.Address)
		}
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("router: peer %v: %v", e.Address, resp.Status)
	}
	return nil
}

func (r *Router) store(fromID, to identity.ID, rcpt *envelope.Recipient, env *envelope.Envelope) error {
	if env.StorageKey == nil {
		r.log.Debugf("from=%v, to=%v: Dropping undeliverable ephemeral message", fromID.Short(), to.Short())
		instrument.MessageDropped(instrument.DropEphemeral)
		instrument.Delivery(instrument.DeliveryDropped)
		return nil
	}

	r.log.Debugf("from=%v, to=%v: Storing message", fromID.Short(), to.Short())
	if err := r.glue.Messages().AddMessage(fromID, to, env.StorageKey, rcpt.SecretKey, env.Message); err != nil {
		instrument.Delivery(instrument.DeliveryDropped)
		return err
	}
	return nil
}

// isUnreachable returns true iff err means the peer instance is down,
// rather than that it refused this one message.
func isUnreachable(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// New returns a Router.
func New(glue glue.Glue) *Router {
	return &Router{
		glue: glue,
		log:  glue.LogBackend().GetLogger("router"),
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}
