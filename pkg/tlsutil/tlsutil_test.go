package tlsutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type certFiles struct {
	cert string
	key  string
}

// writeSelfSigned creates a self-signed certificate usable as server, client
// and CA certificate.
func writeSelfSigned(t *testing.T, cn string) certFiles {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{Organization: []string{"Test Org"}, CommonName: cn},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	dir := t.TempDir()
	files := certFiles{cert: filepath.Join(dir, "cert.pem"), key: filepath.Join(dir, "key.pem")}
	require.NoError(t, os.WriteFile(files.cert, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o644))
	require.NoError(t, os.WriteFile(files.key, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return files
}

func TestLoadServerTLSConfig(t *testing.T) {
	server := writeSelfSigned(t, "central")

	tests := []struct {
		name    string
		cfg     ServerConfig
		wantNil bool
		wantErr bool
	}{
		{name: "disabled", cfg: ServerConfig{}, wantNil: true},
		{name: "tls 1.3", cfg: ServerConfig{Enabled: true, CertFile: server.cert, KeyFile: server.key, MinVersion: "1.3"}},
		{name: "default version", cfg: ServerConfig{Enabled: true, CertFile: server.cert, KeyFile: server.key}},
		{name: "missing cert", cfg: ServerConfig{Enabled: true, CertFile: "/nonexistent/cert.pem", KeyFile: server.key}, wantErr: true},
		{name: "missing client ca", cfg: ServerConfig{
			Enabled: true, CertFile: server.cert, KeyFile: server.key,
			ClientCAFiles: []string{"/nonexistent/ca.pem"},
		}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := LoadServerTLSConfig(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				assert.Nil(t, got)
				return
			}
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.NotEmpty(t, got.Certificates)
			assert.Equal(t, parseTLSVersion(tt.cfg.MinVersion), got.MinVersion)
			assert.Equal(t, tls.NoClientCert, got.ClientAuth)
		})
	}
}

func TestLoadServerTLSConfig_ClientAuth(t *testing.T) {
	server := writeSelfSigned(t, "central")
	ca := writeSelfSigned(t, "gateway-ca")

	optional, err := LoadServerTLSConfig(ServerConfig{
		Enabled: true, CertFile: server.cert, KeyFile: server.key,
		ClientCAFiles: []string{ca.cert},
	})
	require.NoError(t, err)
	assert.Equal(t, tls.VerifyClientCertIfGiven, optional.ClientAuth)
	assert.NotNil(t, optional.ClientCAs)
	assert.Nil(t, optional.VerifyPeerCertificate)

	required, err := LoadServerTLSConfig(ServerConfig{
		Enabled: true, CertFile: server.cert, KeyFile: server.key,
		ClientCAFiles: []string{ca.cert}, RequireClientCert: true,
		AllowedClientCNs: []string{"gateway1"},
	})
	require.NoError(t, err)
	assert.Equal(t, tls.RequireAndVerifyClientCert, required.ClientAuth)
	assert.NotNil(t, required.VerifyPeerCertificate)
}

func TestLoadClientTLSConfig(t *testing.T) {
	ca := writeSelfSigned(t, "central-ca")
	client := writeSelfSigned(t, "gateway1")

	got, err := LoadClientTLSConfig(ClientConfig{CAFiles: []string{ca.cert}, MinVersion: "1.3"})
	require.NoError(t, err)
	assert.NotNil(t, got.RootCAs)
	assert.False(t, got.InsecureSkipVerify)
	assert.Equal(t, uint16(tls.VersionTLS13), got.MinVersion)
	assert.Empty(t, got.Certificates)

	got, err = LoadClientTLSConfig(ClientConfig{InsecureSkipVerify: true, CertFile: client.cert, KeyFile: client.key})
	require.NoError(t, err)
	assert.True(t, got.InsecureSkipVerify)
	assert.Len(t, got.Certificates, 1)

	_, err = LoadClientTLSConfig(ClientConfig{CAFiles: []string{"/nonexistent/ca.pem"}})
	assert.Error(t, err)

	notPEM := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(notPEM, []byte("not a certificate"), 0o644))
	_, err = LoadClientTLSConfig(ClientConfig{CAFiles: []string{notPEM}})
	assert.ErrorContains(t, err, "invalid PEM data")
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, ServerConfig{}.Validate())
	assert.Error(t, ServerConfig{Enabled: true, CertFile: "cert.pem"}.Validate())
	assert.Error(t, ServerConfig{Enabled: true, CertFile: "c", KeyFile: "k", RequireClientCert: true}.Validate())
	assert.NoError(t, ServerConfig{Enabled: true, CertFile: "c", KeyFile: "k"}.Validate())

	assert.NoError(t, ClientConfig{}.Validate())
	assert.Error(t, ClientConfig{CertFile: "cert.pem"}.Validate())
	assert.True(t, ClientConfig{}.IsZero())
	assert.False(t, ClientConfig{InsecureSkipVerify: true}.IsZero())
}

func TestVerifyAllowedClientCN(t *testing.T) {
	leaf := &x509.Certificate{Subject: pkix.Name{CommonName: "gateway1"}}
	assert.NoError(t, verifyAllowedClientCN([][]*x509.Certificate{{leaf}}, []string{"gateway0", "gateway1"}))
	assert.ErrorContains(t, verifyAllowedClientCN([][]*x509.Certificate{{leaf}}, []string{"gateway2"}), "not in allowed list")
	assert.Error(t, verifyAllowedClientCN(nil, []string{"gateway1"}))
}

func TestHandshake_MutualTLS(t *testing.T) {
	server := writeSelfSigned(t, "central")
	allowed := writeSelfSigned(t, "gateway1")
	rejected := writeSelfSigned(t, "gateway2")

	serverTLS, err := LoadServerTLSConfig(ServerConfig{
		Enabled: true, CertFile: server.cert, KeyFile: server.key,
		ClientCAFiles:     []string{allowed.cert, rejected.cert},
		RequireClientCert: true,
		AllowedClientCNs:  []string{"gateway1"},
	})
	require.NoError(t, err)

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	srv.TLS = serverTLS
	srv.StartTLS()
	t.Cleanup(srv.Close)

	get := func(client certFiles) error {
		clientTLS, err := LoadClientTLSConfig(ClientConfig{
			CAFiles: []string{server.cert}, CertFile: client.cert, KeyFile: client.key,
		})
		require.NoError(t, err)
		httpClient := &http.Client{Transport: &http.Transport{TLSClientConfig: clientTLS}, Timeout: 5 * time.Second}
		resp, err := httpClient.Get(srv.URL)
		if err != nil {
			return err
		}
		_ = resp.Body.Close()
		return nil
	}

	assert.NoError(t, get(allowed))
	assert.Error(t, get(rejected))
}
