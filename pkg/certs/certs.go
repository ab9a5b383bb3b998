// Package certs loads the mutual-TLS material used between agents and the
// transaction manager, and can generate a self-signed set for development.
package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// Files names the PEM files of one side of an mTLS connection. TLS is off
// when all three are empty.
type Files struct {
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

func (f Files) Enabled() bool {
	return f.CAFile != "" || f.CertFile != "" || f.KeyFile != ""
}

func (f Files) Validate() error {
	if !f.Enabled() {
		return nil
	}
	if f.CAFile == "" || f.CertFile == "" || f.KeyFile == "" {
		return errors.New("ca_file, cert_file and key_file must be set together")
	}
	return nil
}

// ServerConfig requires and verifies client certificates signed by the CA.
func ServerConfig(f Files) (*tls.Config, error) {
	cert, pool, err := load(f)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ClientConfig presents the client certificate and verifies the manager's
// certificate against the CA. serverName overrides the dialed host name.
func ClientConfig(f Files, serverName string) (*tls.Config, error) {
	cert, pool, err := load(f)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		ServerName:   serverName,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func load(f Files) (tls.Certificate, *x509.CertPool, error) {
	if err := f.Validate(); err != nil {
		return tls.Certificate{}, nil, err
	}
	cert, err := tls.LoadX509KeyPair(f.CertFile, f.KeyFile)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("could not load key pair: %w", err)
	}
	caPEM, err := os.ReadFile(f.CAFile)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("could not read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return tls.Certificate{}, nil, fmt.Errorf("no certificates found in %s", f.CAFile)
	}
	return cert, pool, nil
}

// Generate writes a CA, a manager certificate valid for hosts and a client
// certificate into dir, and returns the file sets of both sides.
func Generate(dir string, hosts []string, validFor time.Duration) (server, client Files, err error) {
	if err = os.MkdirAll(dir, 0750); err != nil {
		return server, client, err
	}
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return server, client, err
	}
	caCert, err := createCA(caKey, validFor)
	if err != nil {
		return server, client, err
	}
	caFile := filepath.Join(dir, "ca.crt")
	if err = saveCert(caFile, caCert); err != nil {
		return server, client, err
	}

	server, err = issue(dir, "server", hosts, caCert, caKey, validFor, x509.ExtKeyUsageServerAuth)
	if err != nil {
		return server, client, err
	}
	client, err = issue(dir, "client", []string{"gojotx-agent"}, caCert, caKey, validFor, x509.ExtKeyUsageClientAuth)
	if err != nil {
		return server, client, err
	}
	server.CAFile, client.CAFile = caFile, caFile
	return server, client, nil
}

func issue(dir, name string, hosts []string, caCert *x509.Certificate, caKey *ecdsa.PrivateKey, validFor time.Duration, usage x509.ExtKeyUsage) (Files, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return Files{}, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return Files{}, fmt.Errorf("failed to generate serial: %w", err)
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: hosts[0]},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(validFor),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{usage},
	}
	// Go rejects certificates without SANs.
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}
	der, err := x509.CreateCertificate(rand.Reader, template, caCert, &key.PublicKey, caKey)
	if err != nil {
		return Files{}, fmt.Errorf("create %s cert: %w", name, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return Files{}, err
	}
	f := Files{
		CertFile: filepath.Join(dir, name+".crt"),
		KeyFile:  filepath.Join(dir, name+".key"),
	}
	if err := saveCert(f.CertFile, cert); err != nil {
		return Files{}, err
	}
	if err := saveKey(f.KeyFile, key); err != nil {
		return Files{}, err
	}
	return f, nil
}

func createCA(key *ecdsa.PrivateKey, validFor time.Duration) (*x509.Certificate, error) {
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Organization: []string{"gojotx development CA"}},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(validFor),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(der)
}

func saveCert(path string, cert *x509.Certificate) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer out.Close()
	return pem.Encode(out, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
}

func saveKey(path string, key *ecdsa.PrivateKey) error {
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer out.Close()
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return err
	}
	return pem.Encode(out, &pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
}
