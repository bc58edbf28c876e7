package http

import (
	"net/http"

	"github.com/openremote/openremote-sub007/errors"
	"github.com/openremote/openremote-sub007/tunnel"
	"github.com/openremote/openremote-sub007/types"
)

// ConnectionStatusResponse is the body of GET /gateway/status/{realm}.
type ConnectionStatusResponse struct {
	Realm  string `json:"realm"`
	Status string `json:"status"`
}

func (s *Server) listConnections(w http.ResponseWriter, r *http.Request, id Identity) error {
	conns, err := s.cfg.Connections.Connections(r.Context())
	if err != nil {
		return err
	}
	visible := make([]*types.GatewayConnection, 0, len(conns))
	for _, conn := range conns {
		if id.CanAccess(conn.LocalRealm) {
			visible = append(visible, conn)
		}
	}
	writeJSON(w, http.StatusOK, visible)
	return nil
}

func (s *Server) getConnection(w http.ResponseWriter, r *http.Request, id Identity) error {
	realm := r.PathValue("realm")
	if !id.CanAccess(realm) {
		return forbidden(realm)
	}
	conn, err := s.cfg.Connections.Connection(r.Context(), realm)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, conn)
	return nil
}

func (s *Server) putConnection(w http.ResponseWriter, r *http.Request, id Identity) error {
	realm := r.PathValue("realm")
	if !id.CanAccess(realm) {
		return forbidden(realm)
	}
	var conn types.GatewayConnection
	if err := s.decode(r, &conn); err != nil {
		return err
	}
	if conn.LocalRealm == "" {
		conn.LocalRealm = realm
	}
	if conn.LocalRealm != realm {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Server", "putConnection", "match path realm "+realm)
	}
	if err := s.cfg.Connections.PutConnection(r.Context(), conn); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) deleteConnection(w http.ResponseWriter, r *http.Request, id Identity) error {
	realm := r.PathValue("realm")
	if !id.CanAccess(realm) {
		return forbidden(realm)
	}
	if err := s.cfg.Connections.DeleteConnections(r.Context(), realm); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// deleteConnections removes the connections named by the realm query
// parameters. Every realm must be accessible before any is deleted.
func (s *Server) deleteConnections(w http.ResponseWriter, r *http.Request, id Identity) error {
	realms := r.URL.Query()["realm"]
	if len(realms) == 0 {
		return errors.WrapInvalid(errors.ErrInvalidData, "Server", "deleteConnections", "read realm parameters")
	}
	for _, realm := range realms {
		if !id.CanAccess(realm) {
			return forbidden(realm)
		}
	}
	if err := s.cfg.Connections.DeleteConnections(r.Context(), realms...); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) connectionStatus(w http.ResponseWriter, r *http.Request, id Identity) error {
	realm := r.PathValue("realm")
	if !id.CanAccess(realm) {
		return forbidden(realm)
	}
	status, ok := s.cfg.Connections.ConnectionStatus(realm)
	if !ok {
		return errors.WrapInvalid(errors.ErrGatewayNotFound, "Server", "connectionStatus", "find connection "+realm)
	}
	writeJSON(w, http.StatusOK, ConnectionStatusResponse{Realm: realm, Status: status})
	return nil
}

func (s *Server) startTunnel(w http.ResponseWriter, r *http.Request, id Identity) error {
	var info tunnel.Info
	if err := s.decode(r, &info); err != nil {
		return err
	}
	if !id.CanAccess(info.Realm) {
		return forbidden(info.Realm)
	}
	started, err := s.cfg.Tunnels.StartTunnel(r.Context(), info)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, started)
	return nil
}

func (s *Server) stopTunnel(w http.ResponseWriter, r *http.Request, id Identity) error {
	var info tunnel.Info
	if err := s.decode(r, &info); err != nil {
		return err
	}
	if !id.CanAccess(info.Realm) {
		return forbidden(info.Realm)
	}
	if err := s.cfg.Tunnels.StopTunnel(r.Context(), info); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) listTunnels(w http.ResponseWriter, _ *http.Request, id Identity) error {
	all := s.cfg.Tunnels.Tunnels()
	visible := make([]tunnel.Info, 0, len(all))
	for _, info := range all {
		if id.CanAccess(info.Realm) {
			visible = append(visible, info)
		}
	}
	writeJSON(w, http.StatusOK, visible)
	return nil
}
