package federation

import (
	"github.com/openremote/openremote-sub007/errors"
	"github.com/openremote/openremote-sub007/metric"
	"github.com/openremote/openremote-sub007/protocol"
	"github.com/openremote/openremote-sub007/transport"
)

// OnOpen attaches a new websocket session to the gateway its client id
// names. Unknown gateways are told UNRECOGNISED and disabled ones DISABLED
// before the session is closed.
func (s *Service) OnOpen(sess *transport.Session) {
	gatewayID, _ := GatewayIDFromClientID(sess.ClientID())

	s.mu.RLock()
	e, ok := s.gateways[gatewayID]
	s.mu.RUnlock()

	if !ok || (sess.Realm() != "" && sess.Realm() != e.connector.Realm()) {
		s.logger.Warn("Gateway connected but not recognised", "client_id", sess.ClientID(), "realm", sess.Realm())
		s.reject(sess, protocol.ReasonUnrecognised)
		return
	}

	c := e.connector
	sender := sessionSender{session: sess, metrics: s.coreMetrics()}
	requester := func() {
		_ = sess.Close()
		s.dropTunnels(c.GatewayID())
	}
	if err := c.Connect(sess.ID(), sender, requester); err != nil {
		if errors.Is(err, errors.ErrGatewayDisabled) {
			s.logger.Warn("Gateway is disabled so ignoring session", "gateway", c.GatewayID())
			s.reject(sess, protocol.ReasonDisabled)
			return
		}
		s.logger.Warn("Failed to attach gateway session", "gateway", c.GatewayID(), "error", err)
		_ = sess.Close()
		return
	}

	s.mu.Lock()
	s.sessions[sess.ID()] = c
	s.mu.Unlock()
}

// OnMessage decodes a session message and hands it to the session's
// connector.
func (s *Service) OnMessage(sess *transport.Session, raw string) {
	s.mu.RLock()
	c, ok := s.sessions[sess.ID()]
	s.mu.RUnlock()
	if !ok {
		return
	}

	metrics := s.coreMetrics()
	msg, err := protocol.Decode(raw)
	if err != nil {
		if metrics != nil {
			metrics.DecodeErrors.Inc()
		}
		s.logger.Debug("Dropping undecodable gateway message", "gateway", c.GatewayID(), "error", err)
		return
	}
	if metrics != nil {
		metrics.MessagesReceived.WithLabelValues("central", string(msg.Event.Kind())).Inc()
	}
	c.OnMessage(sess.ID(), msg)
}

// OnClose detaches the session from its connector.
func (s *Service) OnClose(sess *transport.Session) {
	s.mu.Lock()
	c, ok := s.sessions[sess.ID()]
	delete(s.sessions, sess.ID())
	s.mu.Unlock()
	if ok {
		c.Disconnect(sess.ID())
	}
}

func (s *Service) reject(sess *transport.Session, reason protocol.DisconnectReason) {
	sender := sessionSender{session: sess, metrics: s.coreMetrics()}
	if err := sender.Send(protocol.Message{Event: &protocol.DisconnectNotice{Reason: reason}}); err != nil {
		s.logger.Debug("Failed to send disconnect notice", "reason", reason, "error", err)
	}
	_ = sess.Close()
}

func (s *Service) coreMetrics() *metric.Metrics {
	if s.registry == nil {
		return nil
	}
	return s.registry.CoreMetrics()
}
