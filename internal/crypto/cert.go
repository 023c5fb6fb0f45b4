package crypto

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
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	caCertFile     = "ca-cert.pem"
	caKeyFile      = "ca-key.enc"
	serverCertFile = "server-cert.pem"
	serverKeyFile  = "server-key.enc"

	caValidity     = 10 * 365 * 24 * time.Hour
	serverValidity = 365 * 24 * time.Hour
	// Regenerate the server cert when it has less than this left.
	renewWindow = 30 * 24 * time.Hour
)

// Manager owns the self-signed CA and the server certificate presented
// on the HTTPS port. The server cert carries SANs for every way the
// machine is reachable locally; moving networks regenerates it under
// the same CA so devices that trusted the CA keep working.
type Manager struct {
	ks *Keystore

	mu         sync.RWMutex
	caPEM      []byte
	caCert     *x509.Certificate
	caKey      *ecdsa.PrivateKey
	serverCert *tls.Certificate
}

// NewManager loads or creates the CA, then ensures a server certificate
// matching the machine's current addresses.
func NewManager(ks *Keystore) (*Manager, error) {
	m := &Manager{ks: ks}
	if err := m.ensureCA(); err != nil {
		return nil, err
	}
	if err := m.EnsureServerCert(); err != nil {
		return nil, err
	}
	return m, nil
}

// CAPEM returns the CA certificate for the trust-install page.
func (m *Manager) CAPEM() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]byte, len(m.caPEM))
	copy(out, m.caPEM)
	return out
}

// TLSConfig serves the current certificate, picking up regenerations
// without a restart.
func (m *Manager) TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			m.mu.RLock()
			defer m.mu.RUnlock()
			if m.serverCert == nil {
				return nil, errors.New("no server certificate")
			}
			return m.serverCert, nil
		},
	}
}

func (m *Manager) ensureCA() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	certPEM, err := os.ReadFile(filepath.Join(m.ks.dir, caCertFile))
	if err == nil {
		encKey, kerr := os.ReadFile(filepath.Join(m.ks.dir, caKeyFile))
		if kerr == nil {
			keyPEM, derr := m.ks.Decrypt(string(encKey))
			if derr == nil {
				cert, key, perr := parseCA(certPEM, []byte(keyPEM))
				if perr == nil {
					m.caPEM, m.caCert, m.caKey = certPEM, cert, key
					return nil
				}
			}
		}
	}

	// Missing or unreadable: mint a fresh CA. Existing server certs no
	// longer verify against it, so drop them too.
	os.Remove(filepath.Join(m.ks.dir, serverCertFile))
	os.Remove(filepath.Join(m.ks.dir, serverKeyFile))
	return m.generateCALocked()
}

func parseCA(certPEM, keyPEM []byte) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, nil, errors.New("bad CA cert PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, nil, err
	}
	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil || keyBlock.Type != "EC PRIVATE KEY" {
		return nil, nil, errors.New("bad CA key PEM")
	}
	key, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, nil, err
	}
	return cert, key, nil
}

func newSerial() (*big.Int, error) {
	return rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
}

func (m *Manager) generateCALocked() error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate CA key: %w", err)
	}
	serial, err := newSerial()
	if err != nil {
		return fmt.Errorf("generate serial number: %w", err)
	}

	hostname, _ := os.Hostname()
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   fmt.Sprintf("katulong CA (%s)", hostname),
			Organization: []string{"katulong"},
		},
		NotBefore:             now,
		NotAfter:              now.Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("create CA certificate: %w", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal CA key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	encKey, err := m.ks.Encrypt(string(keyPEM))
	if err != nil {
		return fmt.Errorf("encrypt CA key: %w", err)
	}

	if err := os.WriteFile(filepath.Join(m.ks.dir, caCertFile), certPEM, 0600); err != nil {
		return fmt.Errorf("save CA cert: %w", err)
	}
	if err := os.WriteFile(filepath.Join(m.ks.dir, caKeyFile), []byte(encKey), 0600); err != nil {
		return fmt.Errorf("save CA key: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return err
	}
	m.caPEM, m.caCert, m.caKey = certPEM, cert, key
	return nil
}

// EnsureServerCert loads the persisted server certificate and reuses it
// when it still matches the machine's addresses, verifies against the
// CA and is not close to expiry. Otherwise it issues a fresh one.
func (m *Manager) EnsureServerCert() error {
	dnsNames, ips := localSANs()

	m.mu.Lock()
	defer m.mu.Unlock()

	if cert, err := m.loadServerCertLocked(); err == nil {
		leaf := cert.Leaf
		ok := leaf.CheckSignatureFrom(m.caCert) == nil &&
			sanSetsEqual(leaf, dnsNames, ips) &&
			time.Now().Before(leaf.NotAfter.Add(-renewWindow))
		if ok {
			m.serverCert = cert
			return nil
		}
	}
	return m.generateServerCertLocked(dnsNames, ips)
}

func (m *Manager) loadServerCertLocked() (*tls.Certificate, error) {
	certPEM, err := os.ReadFile(filepath.Join(m.ks.dir, serverCertFile))
	if err != nil {
		return nil, err
	}
	encKey, err := os.ReadFile(filepath.Join(m.ks.dir, serverKeyFile))
	if err != nil {
		return nil, err
	}
	keyPEM, err := m.ks.Decrypt(string(encKey))
	if err != nil {
		return nil, err
	}
	cert, err := tls.X509KeyPair(certPEM, []byte(keyPEM))
	if err != nil {
		return nil, err
	}
	cert.Leaf, err = x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

func (m *Manager) generateServerCertLocked(dnsNames []string, ips []net.IP) error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate server key: %w", err)
	}
	serial, err := newSerial()
	if err != nil {
		return fmt.Errorf("generate serial number: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   dnsNames[0],
			Organization: []string{"katulong"},
		},
		NotBefore:             now,
		NotAfter:              now.Add(serverValidity),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              dnsNames,
		IPAddresses:           ips,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, m.caCert, &key.PublicKey, m.caKey)
	if err != nil {
		return fmt.Errorf("create server certificate: %w", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal server key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	encKey, err := m.ks.Encrypt(string(keyPEM))
	if err != nil {
		return fmt.Errorf("encrypt server key: %w", err)
	}

	if err := os.WriteFile(filepath.Join(m.ks.dir, serverCertFile), certPEM, 0600); err != nil {
		return fmt.Errorf("save server cert: %w", err)
	}
	if err := os.WriteFile(filepath.Join(m.ks.dir, serverKeyFile), []byte(encKey), 0600); err != nil {
		return fmt.Errorf("save server key: %w", err)
	}

	leaf, err := x509.ParseCertificate(certDER)
	if err != nil {
		return err
	}
	m.serverCert = &tls.Certificate{
		Certificate: [][]byte{certDER, m.caCert.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}
	return nil
}

// LocalIdentity describes how the machine is reachable on its LAN,
// shown on the trust page.
type LocalIdentity struct {
	Hostname string   `json:"hostname"`
	MDNSName string   `json:"mdnsName"`
	LANIPs   []string `json:"lanIps"`
}

// CurrentIdentity collects the hostname, its .local name and the
// machine's private IPv4 addresses.
func CurrentIdentity() LocalIdentity {
	hostname := localHostname()
	id := LocalIdentity{Hostname: hostname, LANIPs: []string{}}
	if hostname != "" {
		id.MDNSName = hostname + ".local"
	}
	for _, ip := range localIPs() {
		if v4 := ip.To4(); v4 != nil && ip.IsPrivate() {
			id.LANIPs = append(id.LANIPs, v4.String())
		}
	}
	return id
}

func localHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return ""
	}
	hostname = strings.ToLower(strings.TrimSuffix(hostname, ".local"))
	return hostname
}

func localIPs() []net.IP {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	var ips []net.IP
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipnet.IP
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() {
			ips = append(ips, ip)
		}
	}
	return ips
}

// localSANs is every name and address the server cert must cover.
func localSANs() ([]string, []net.IP) {
	dnsSet := map[string]bool{"localhost": true}
	if hostname := localHostname(); hostname != "" {
		dnsSet[hostname] = true
		dnsSet[hostname+".local"] = true
	}
	dnsNames := make([]string, 0, len(dnsSet))
	for name := range dnsSet {
		dnsNames = append(dnsNames, name)
	}
	sort.Strings(dnsNames)

	ipSet := map[string]net.IP{
		"127.0.0.1": net.ParseIP("127.0.0.1"),
		"::1":       net.ParseIP("::1"),
	}
	for _, ip := range localIPs() {
		ipSet[ip.String()] = ip
	}
	keys := make([]string, 0, len(ipSet))
	for k := range ipSet {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ips := make([]net.IP, 0, len(keys))
	for _, k := range keys {
		ips = append(ips, ipSet[k])
	}
	return dnsNames, ips
}

func sanSetsEqual(leaf *x509.Certificate, dnsNames []string, ips []net.IP) bool {
	if len(leaf.DNSNames) != len(dnsNames) || len(leaf.IPAddresses) != len(ips) {
		return false
	}
	haveDNS := map[string]bool{}
	for _, n := range leaf.DNSNames {
		haveDNS[n] = true
	}
	for _, n := range dnsNames {
		if !haveDNS[n] {
			return false
		}
	}
	haveIP := map[string]bool{}
	for _, ip := range leaf.IPAddresses {
		haveIP[ip.String()] = true
	}
	for _, ip := range ips {
		if !haveIP[ip.String()] {
			return false
		}
	}
	return true
}
