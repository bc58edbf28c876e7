package tunnel

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/sync/errgroup"

	"github.com/openremote/openremote-sub007/errors"
	"github.com/openremote/openremote-sub007/metric"
)

// SSHConfig configures an SSHFactory.
type SSHConfig struct {
	// KeyFile is the private key used to authenticate with the tunnel server.
	KeyFile string
	// User is the SSH user name, defaults to "gateway".
	User string
	// KnownHostsFile verifies the server key. Empty accepts any key.
	KnownHostsFile string
	// LocalhostRewrite replaces localhost targets, for edges running inside a
	// container whose services are only reachable through the host.
	LocalhostRewrite string
	// DialTimeout bounds connecting to the tunnel server.
	DialTimeout time.Duration
}

// SSHFactory opens reverse tunnels over SSH remote port forwarding.
type SSHFactory struct {
	cfg       SSHConfig
	signer    ssh.Signer
	hostKeys  ssh.HostKeyCallback
	sessions  *Registry
	logger    *slog.Logger
	metrics   *Metrics
	dialer    func(ctx context.Context, network, addr string) (net.Conn, error)
	dialLocal func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewSSHFactory loads the key file and returns a factory. It fails when the
// key cannot be read so callers can disable tunnelling instead.
func NewSSHFactory(cfg SSHConfig, registry *metric.MetricsRegistry, logger *slog.Logger) (*SSHFactory, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.User == "" {
		cfg.User = "gateway"
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	keyBytes, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return nil, errors.WrapInvalid(err, "SSHFactory", "NewSSHFactory", "read key file")
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, errors.WrapInvalid(err, "SSHFactory", "NewSSHFactory", "parse key file")
	}

	hostKeys := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsFile != "" {
		hostKeys, err = knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, errors.WrapInvalid(err, "SSHFactory", "NewSSHFactory", "load known hosts")
		}
	} else {
		logger.Warn("Tunnel server host key is not verified", "key_file", cfg.KeyFile)
	}

	d := &net.Dialer{}
	return &SSHFactory{
		cfg:       cfg,
		signer:    signer,
		hostKeys:  hostKeys,
		sessions:  NewRegistry(),
		logger:    logger.With("component", "tunnel-factory"),
		metrics:   newMetrics(registry, "tunnel"),
		dialer:    d.DialContext,
		dialLocal: d.DialContext,
	}, nil
}

// Sessions returns the live sessions created by this factory.
func (f *SSHFactory) Sessions() []*Session {
	return f.sessions.List()
}

// Start validates info and begins establishing the tunnel in the background.
func (f *SSHFactory) Start(_ context.Context, server Endpoint, info Info) (*Session, error) {
	if err := info.Validate(); err != nil {
		return nil, err
	}

	session := NewSession(server, info)
	f.sessions.Add(session)
	f.metrics.SessionsActive.Inc()
	session.OnClose(func(s *Session) {
		if f.sessions.Remove(s) {
			f.metrics.SessionsActive.Dec()
		}
	})

	go f.establish(session)
	return session, nil
}

// Stop disconnects the first session matching info.
func (f *SSHFactory) Stop(info Info) error {
	session, ok := f.sessions.Take(info)
	if !ok {
		return errors.Wrap(errors.ErrTunnelNotFound, "SSHFactory", "Stop", "find session "+info.ID)
	}
	f.metrics.SessionsActive.Dec()
	f.logger.Info("Stopping tunnel", "tunnel", info.String())
	return session.Disconnect()
}

// StopAllInRealm disconnects every session belonging to realm.
func (f *SSHFactory) StopAllInRealm(realm string) error {
	sessions := f.sessions.TakeAll(func(s *Session) bool { return s.Info().Realm == realm })
	f.metrics.SessionsActive.Sub(float64(len(sessions)))
	return DisconnectAll(sessions)
}

// StopAll disconnects every session.
func (f *SSHFactory) StopAll() error {
	sessions := f.sessions.TakeAll(nil)
	f.metrics.SessionsActive.Sub(float64(len(sessions)))
	return DisconnectAll(sessions)
}

type forwardRequest struct {
	BindAddr string
	BindPort uint32
}

type forwardedPayload struct {
	Addr       string
	Port       uint32
	OriginAddr string
	OriginPort uint32
}

// bindSpec returns the remote bind address for the tunnel type.
func bindSpec(info Info) (string, uint32) {
	switch info.Type {
	case TypeTCP:
		return "0.0.0.0", uint32(info.AssignedPort)
	case TypeHTTPS:
		return bindHost(info), 443
	default:
		return bindHost(info), 80
	}
}

func bindHost(info Info) string {
	if info.Hostname != "" {
		return info.Hostname
	}
	return info.ID
}

func (f *SSHFactory) localTarget(info Info) string {
	host := info.Target
	if f.cfg.LocalhostRewrite != "" {
		switch host {
		case "localhost", "127.0.0.1", "::1":
			host = f.cfg.LocalhostRewrite
		}
	}
	return net.JoinHostPort(host, strconv.Itoa(info.TargetPort))
}

func (f *SSHFactory) establish(session *Session) {
	info := session.Info()
	logger := f.logger.With("tunnel", info.String(), "server", session.Server().String())

	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.DialTimeout)
	defer cancel()

	fail := func(err error, action string) {
		logger.Warn("Tunnel could not be established", "action", action, "error", err)
		session.MarkFailed(errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrTunnelFailed, err),
			"SSHFactory", "establish", action))
	}

	netConn, err := f.dialer(ctx, "tcp", session.Server().String())
	if err != nil {
		fail(err, "dial tunnel server")
		return
	}

	clientCfg := &ssh.ClientConfig{
		User:            f.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(f.signer)},
		HostKeyCallback: f.hostKeys,
		Timeout:         f.cfg.DialTimeout,
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = netConn.SetDeadline(deadline)
	}
	conn, chans, reqs, err := ssh.NewClientConn(netConn, session.Server().String(), clientCfg)
	if err != nil {
		_ = netConn.Close()
		fail(err, "ssh handshake")
		return
	}
	_ = netConn.SetDeadline(time.Time{})
	go ssh.DiscardRequests(reqs)

	host, port := bindSpec(info)
	req := ssh.Marshal(&forwardRequest{BindAddr: host, BindPort: port})
	ok, _, err := conn.SendRequest("tcpip-forward", true, req)
	if err == nil && !ok {
		err = fmt.Errorf("server refused forward of %s:%d", host, port)
	}
	if err != nil {
		_ = conn.Close()
		fail(err, "request remote forward")
		return
	}

	session.SetCloser(func() error {
		_, _, cancelErr := conn.SendRequest("cancel-tcpip-forward", false, req)
		return multierr.Append(ignoreClosed(cancelErr), ignoreClosed(conn.Close()))
	})

	select {
	case <-session.Done():
		// Disconnected while establishing
		_ = conn.Close()
		return
	default:
	}

	session.MarkConnected()
	logger.Info("Tunnel established", "bind", fmt.Sprintf("%s:%d", host, port))

	go func() {
		_ = conn.Wait()
		_ = session.Disconnect()
	}()

	f.serve(session, chans, logger)
}

func (f *SSHFactory) serve(session *Session, chans <-chan ssh.NewChannel, logger *slog.Logger) {
	target := f.localTarget(session.Info())
	for newCh := range chans {
		if newCh.ChannelType() != "forwarded-tcpip" {
			_ = newCh.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		var payload forwardedPayload
		if err := ssh.Unmarshal(newCh.ExtraData(), &payload); err != nil {
			_ = newCh.Reject(ssh.ConnectionFailed, "malformed forward payload")
			continue
		}
		go f.proxy(newCh, target, logger)
	}
	logger.Debug("Tunnel channel loop finished")
}

func (f *SSHFactory) proxy(newCh ssh.NewChannel, target string, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.DialTimeout)
	local, err := f.dialLocal(ctx, "tcp", target)
	cancel()
	if err != nil {
		logger.Debug("Tunnel target unreachable", "target", target, "error", err)
		_ = newCh.Reject(ssh.ConnectionFailed, err.Error())
		return
	}

	ch, reqs, err := newCh.Accept()
	if err != nil {
		_ = local.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(ch, local)
		_ = ch.CloseWrite()
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(local, ch)
		if tcp, ok := local.(*net.TCPConn); ok {
			_ = tcp.CloseWrite()
		}
		return err
	})
	if err := g.Wait(); err != nil {
		logger.Debug("Tunnel stream ended with error", "error", err)
	}
	_ = ch.Close()
	_ = local.Close()
}

func ignoreClosed(err error) error {
	if err == nil || err == io.EOF || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
