package connector

import (
	"context"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/openremote/openremote-sub007/asset"
	"github.com/openremote/openremote-sub007/errors"
	"github.com/openremote/openremote-sub007/protocol"
	"github.com/openremote/openremote-sub007/tunnel"
)

// pending is one outstanding request awaiting its response or timeout.
type pending struct {
	id      string
	timer   *clock.Timer
	resolve func(result any, err error)
}

func keyFor(kind protocol.Kind) string {
	return string(kind)
}

func mergeKey(gatewayAssetID string) string {
	return "merge:" + gatewayAssetID
}

// requestLocked registers resolve under key and sends msg. Only one request
// per key may be outstanding.
func (c *Connector) requestLocked(key string, msg protocol.Message, resolve func(any, error)) (*pending, error) {
	if c.sender == nil {
		return nil, errors.WrapTransient(errors.ErrNotConnected, "Connector", "request", "send "+key)
	}
	if _, exists := c.pending[key]; exists {
		return nil, errors.Wrap(errors.ErrAlreadyPending, "Connector", "request", "send "+key)
	}

	p := &pending{id: msg.ID, resolve: resolve}
	p.timer = c.clock.AfterFunc(RequestTimeout, func() { c.onRequestTimeout(key, p) })
	c.pending[key] = p
	c.sendWithLocked(msg, func(err error) { c.failRequest(key, p, err) })
	return p, nil
}

func (c *Connector) onRequestTimeout(key string, p *pending) {
	c.lock()
	defer c.unlock()
	if c.pending[key] != p {
		return
	}
	delete(c.pending, key)
	c.metrics.RequestTimeouts.Inc()
	c.logger.Info("Gateway request timed out", "request", key)

	err := errors.WrapTransient(errors.ErrRequestTimeout, "Connector", "request", "await "+key)
	c.after(func() { p.resolve(nil, err) })
}

func (c *Connector) failRequest(key string, p *pending, err error) {
	c.lock()
	defer c.unlock()
	if c.pending[key] != p {
		return
	}
	delete(c.pending, key)
	p.timer.Stop()
	c.after(func() { p.resolve(nil, err) })
}

// cancelRequest drops p without resolving it.
func (c *Connector) cancelRequest(key string, p *pending) {
	c.lock()
	defer c.unlock()
	if c.pending[key] == p {
		delete(c.pending, key)
		p.timer.Stop()
	}
}

func (c *Connector) takePendingLocked(key string) (*pending, bool) {
	p, ok := c.pending[key]
	if !ok {
		return nil, false
	}
	p.timer.Stop()
	delete(c.pending, key)
	return p, true
}

// resolveLocked completes the request waiting on key. A response carrying a
// label for a different request is ignored.
func (c *Connector) resolveLocked(key, label string, ev protocol.Event) {
	p, ok := c.pending[key]
	if !ok {
		c.logger.Debug("Ignoring response with no pending request", "kind", ev.Kind())
		return
	}
	if label != "" && p.id != "" && !strings.EqualFold(label, p.id) {
		c.logger.Debug("Ignoring response for a superseded request", "kind", ev.Kind(), "label", label)
		return
	}
	c.takePendingLocked(key)
	c.after(func() { p.resolve(ev, nil) })
}

func (c *Connector) failPendingLocked(err error) {
	for key, p := range c.pending {
		p.timer.Stop()
		delete(c.pending, key)
		resolve := p.resolve
		c.after(func() { resolve(nil, err) })
	}
}

type result struct {
	value any
	err   error
}

// await sends the message built under the lock and blocks until the
// response, the request timeout or ctx ends.
func (c *Connector) await(ctx context.Context, key string, build func() (protocol.Message, error)) (any, error) {
	done := make(chan result, 1)

	c.lock()
	msg, err := build()
	var p *pending
	if err == nil {
		p, err = c.requestLocked(key, msg, func(v any, err error) { done <- result{v, err} })
	}
	c.unlock()
	if err != nil {
		return nil, err
	}

	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		c.cancelRequest(key, p)
		return nil, ctx.Err()
	}
}

func (c *Connector) requireConnectedLocked(method string) error {
	if c.state != StateConnected {
		return errors.WrapTransient(errors.ErrNotConnected, "Connector", method, "check gateway "+c.gatewayID)
	}
	return nil
}

func (c *Connector) capabilitiesRequest() protocol.Message {
	return protocol.Message{
		ID: uuid.NewString(),
		Event: &protocol.CapabilitiesRequest{
			Version:        protocol.Version,
			TunnelHostname: c.sshHost,
			TunnelPort:     c.sshPort,
		},
	}
}

// probeCapabilities runs the post sync probe for the session of gen. Any
// failure is treated as a gateway without tunnelling support.
func (c *Connector) probeCapabilities(gen uint64) {
	c.lock()
	defer c.unlock()
	if gen != c.generation {
		return
	}
	_, err := c.requestLocked(keyFor(protocol.KindCapabilitiesResponse), c.capabilitiesRequest(),
		func(v any, err error) { c.onCapabilities(gen, v, err) })
	if err != nil {
		c.after(func() { c.onCapabilities(gen, nil, err) })
	}
}

func (c *Connector) onCapabilities(gen uint64, v any, err error) {
	c.lock()
	defer c.unlock()
	if gen != c.generation {
		return
	}

	supported := false
	if resp, ok := v.(*protocol.CapabilitiesResponse); ok && err == nil {
		supported = resp.TunnellingSupported
	} else {
		c.logger.Info("Capability probe failed, assuming tunnelling is not supported", "error", err)
	}
	c.tunnellingSupported = supported
	c.logger.Info("Gateway initialised", "tunnelling_supported", supported)

	lister := c.tunnels
	c.after(func() {
		var active []tunnel.Info
		if lister != nil {
			active = lister.ActiveTunnels(c.gatewayID)
		}
		c.sendIfCurrent(gen, protocol.Message{Event: &protocol.Initialised{ActiveTunnels: active}})
	})
	c.publishLocked(StatusConnected)
}

// ProbeCapabilities asks the gateway whether it supports tunnelling and
// records the answer.
func (c *Connector) ProbeCapabilities(ctx context.Context) (bool, error) {
	v, err := c.await(ctx, keyFor(protocol.KindCapabilitiesResponse), func() (protocol.Message, error) {
		if c.sender == nil {
			return protocol.Message{}, errors.WrapTransient(errors.ErrNotConnected, "Connector", "ProbeCapabilities", "check session")
		}
		return c.capabilitiesRequest(), nil
	})
	if err != nil {
		return false, err
	}

	supported := v.(*protocol.CapabilitiesResponse).TunnellingSupported
	c.lock()
	c.tunnellingSupported = supported
	c.unlock()
	return supported, nil
}

// StartTunnel asks the gateway to open the tunnel described by info. A
// failure reported by the gateway is returned as an errors.OperationError.
func (c *Connector) StartTunnel(ctx context.Context, info tunnel.Info) error {
	v, err := c.await(ctx, keyFor(protocol.KindTunnelStartResponse), func() (protocol.Message, error) {
		if err := c.requireTunnellingLocked("StartTunnel"); err != nil {
			return protocol.Message{}, err
		}
		return protocol.Message{
			ID: uuid.NewString(),
			Event: &protocol.TunnelStartRequest{
				SSHHostname: c.sshHost,
				SSHPort:     c.sshPort,
				Info:        info,
			},
		}, nil
	})
	if err != nil {
		return err
	}
	return v.(*protocol.TunnelStartResponse).Err()
}

// StopTunnel asks the gateway to close the tunnel described by info.
func (c *Connector) StopTunnel(ctx context.Context, info tunnel.Info) error {
	v, err := c.await(ctx, keyFor(protocol.KindTunnelStopResponse), func() (protocol.Message, error) {
		if err := c.requireTunnellingLocked("StopTunnel"); err != nil {
			return protocol.Message{}, err
		}
		return protocol.Message{ID: uuid.NewString(), Event: &protocol.TunnelStopRequest{Info: info}}, nil
	})
	if err != nil {
		return err
	}
	return v.(*protocol.TunnelStopResponse).Err()
}

func (c *Connector) requireTunnellingLocked(method string) error {
	if err := c.requireConnectedLocked(method); err != nil {
		return err
	}
	if !c.tunnellingSupported || c.sshHost == "" || c.sshPort <= 0 {
		return errors.WrapInvalid(errors.ErrTunnellingUnsupported, "Connector", method, "check gateway "+c.gatewayID)
	}
	return nil
}

// ForwardAssetMerge pushes a central edit of a mirrored asset down to the
// gateway and waits for the gateway to report the stored result, which is
// returned as saved locally. Assets without an id are created on the gateway.
func (c *Connector) ForwardAssetMerge(ctx context.Context, a *asset.Asset) (*asset.Asset, error) {
	if a == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "Connector", "ForwardAssetMerge", "check asset")
	}

	out := a.Clone()
	cause := asset.CauseUpdate
	if out.ID == "" {
		out.ID = newAssetID()
		cause = asset.CauseCreate
	} else {
		out.ID = c.outbound(out.ID)
	}
	switch out.ParentID {
	case "", c.gatewayID:
		out.ParentID = ""
	default:
		out.ParentID = c.outbound(out.ParentID)
	}

	v, err := c.await(ctx, mergeKey(out.ID), func() (protocol.Message, error) {
		if err := c.requireConnectedLocked("ForwardAssetMerge"); err != nil {
			return protocol.Message{}, err
		}
		return protocol.Message{Event: protocol.NewAssetEvent(cause, out)}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*asset.Asset), nil
}

// ForwardAttributeWrite sends a central attribute write for a mirrored asset
// to the gateway, with ids mapped back to the gateway's own.
func (c *Connector) ForwardAttributeWrite(ctx context.Context, ev *asset.AttributeEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.lock()
	err := c.requireConnectedLocked("ForwardAttributeWrite")
	sender := c.sender
	c.unlock()
	if err != nil {
		return err
	}

	out := &asset.AttributeEvent{
		Ref:       asset.AttributeRef{ID: c.outbound(ev.Ref.ID), Name: ev.Ref.Name},
		Value:     ev.Value,
		Timestamp: ev.Timestamp,
		Realm:     ev.Realm,
	}
	if ev.ParentID != "" && ev.ParentID != c.gatewayID {
		out.ParentID = c.outbound(ev.ParentID)
	}

	if err := sender.Send(protocol.Message{Event: protocol.NewAttributeEvent(out)}); err != nil {
		return errors.WrapTransient(err, "Connector", "ForwardAttributeWrite", "send "+ev.Ref.String())
	}
	return nil
}

func newAssetID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:22]
}
