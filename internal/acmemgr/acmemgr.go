// Package acmemgr obtains and renews the wildcard TLS certificate via
// ACME DNS-01, and watches the private key file's mtime so the Supervisor
// knows when to rebind the HTTPS listener.
package acmemgr

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/acme"

	"github.com/kiwiadmin/kiwi/internal/kiwierr"
	"github.com/kiwiadmin/kiwi/internal/secretstore"
)

const (
	stagingDirectoryURL    = "https://acme-staging-v02.api.letsencrypt.org/directory"
	productionDirectoryURL = "https://acme-v02.api.letsencrypt.org/directory"
)

// OrderStatus is the externally observable status of a certificate order.
type OrderStatus string

const (
	StatusPending OrderStatus = "Pending"
	StatusSuccess OrderStatus = "Success"
	StatusError   OrderStatus = "Error"
)

// NewOrder is returned by OrderNewCertificate; the operator publishes the
// DNS TXT record before calling FinaliseAndSaveCertificates.
type NewOrder struct {
	OrderURL       string
	DNSRecordName  string
	DNSRecordValue string
}

// CertificateInfo describes the certificate currently on disk.
type CertificateInfo struct {
	Issuer   string
	NotAfter time.Time
}

// accountKeyBlob is the JSON shape persisted to the secret store.
type accountKeyBlob struct {
	PrivateKeyPKCS8 []byte `json:"private_key_pkcs8"`
}

// Manager owns the ACME account, the domain's certificate order state, and
// the on-disk TLS material.
type Manager struct {
	mu sync.Mutex

	client   *acme.Client
	domain   string
	certPath string
	keyPath  string
	secrets  *secretstore.Store

	lastSeenKeyMtime time.Time
	pendingAuthzURL  string // authorization URL of the in-flight order's dns-01 challenge
	pendingChallenge *acme.Challenge
}

// New loads (or creates and persists) an ACME account for the given
// environment ("staging" or "production") and prepares a Manager for
// domain. If certPath/keyPath are missing, a self-signed localhost
// certificate is generated so the HTTPS listener can still bind.
func New(ctx context.Context, secrets *secretstore.Store, environment, domain, certPath, keyPath string) (*Manager, error) {
	directoryURL := stagingDirectoryURL
	if environment == "production" {
		directoryURL = productionDirectoryURL
	}

	key, err := loadOrCreateAccountKey(secrets)
	if err != nil {
		return nil, err
	}

	client := &acme.Client{
		Key:          key,
		DirectoryURL: directoryURL,
	}

	if _, err := client.GetReg(ctx, ""); err != nil {
		if _, regErr := client.Register(ctx, &acme.Account{}, acme.AcceptTOS); regErr != nil {
			return nil, kiwierr.Wrap(kiwierr.Internal, "registering ACME account", regErr)
		}
	}

	m := &Manager{
		client:   client,
		domain:   domain,
		certPath: certPath,
		keyPath:  keyPath,
		secrets:  secrets,
	}

	if !fileExists(certPath) || !fileExists(keyPath) {
		if err := m.writeSelfSignedLocalhost(); err != nil {
			return nil, err
		}
	}

	if mt, err := keyMtime(keyPath); err == nil {
		m.lastSeenKeyMtime = mt
	}

	return m, nil
}

func loadOrCreateAccountKey(secrets *secretstore.Store) (*ecdsa.PrivateKey, error) {
	raw := secrets.Get().LetsEncryptCredentials
	if len(raw) > 0 {
		var blob accountKeyBlob
		if err := json.Unmarshal(raw, &blob); err != nil {
			return nil, kiwierr.Wrap(kiwierr.Serialisation, "decoding ACME account credentials", err)
		}
		key, err := x509.ParsePKCS8PrivateKey(blob.PrivateKeyPKCS8)
		if err != nil {
			return nil, kiwierr.Wrap(kiwierr.Serialisation, "parsing ACME account key", err)
		}
		ecKey, ok := key.(*ecdsa.PrivateKey)
		if !ok {
			return nil, kiwierr.New(kiwierr.Serialisation, "ACME account key is not ECDSA")
		}
		return ecKey, nil
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, kiwierr.Wrap(kiwierr.Internal, "generating ACME account key", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, kiwierr.Wrap(kiwierr.Internal, "marshaling ACME account key", err)
	}
	blob, err := json.Marshal(accountKeyBlob{PrivateKeyPKCS8: der})
	if err != nil {
		return nil, kiwierr.Wrap(kiwierr.Serialisation, "encoding ACME account credentials", err)
	}
	if err := secrets.SetLetsEncryptCredentials(blob); err != nil {
		return nil, err
	}
	return key, nil
}

// OrderNewCertificate creates an order for *.domain and returns the DNS-01
// challenge the operator must publish. Fails with kiwierr.ExpectationFailed
// if the ACME server returns any status other than Pending.
func (m *Manager) OrderNewCertificate(ctx context.Context, domain string) (NewOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, err := m.client.AuthorizeOrder(ctx, acme.DomainIDs("*."+domain))
	if err != nil {
		return NewOrder{}, kiwierr.Wrap(kiwierr.Internal, "creating ACME order", err)
	}
	if order.Status != acme.StatusPending {
		return NewOrder{}, kiwierr.New(kiwierr.ExpectationFailed, "ACME order not in Pending status")
	}

	if len(order.AuthzURLs) == 0 {
		return NewOrder{}, kiwierr.New(kiwierr.Internal, "ACME order has no authorizations")
	}
	authzURL := order.AuthzURLs[0]

	authz, err := m.client.GetAuthorization(ctx, authzURL)
	if err != nil {
		return NewOrder{}, kiwierr.Wrap(kiwierr.Internal, "fetching ACME authorization", err)
	}

	var challenge *acme.Challenge
	for _, c := range authz.Challenges {
		if c.Type == "dns-01" {
			challenge = c
			break
		}
	}
	if challenge == nil {
		return NewOrder{}, kiwierr.New(kiwierr.Internal, "ACME authorization has no dns-01 challenge")
	}

	recordValue, err := m.client.DNS01ChallengeRecord(challenge.Token)
	if err != nil {
		return NewOrder{}, kiwierr.Wrap(kiwierr.Internal, "computing dns-01 record value", err)
	}

	m.pendingAuthzURL = authzURL
	m.pendingChallenge = challenge

	return NewOrder{
		OrderURL:       order.URI,
		DNSRecordName:  "_acme-challenge." + domain,
		DNSRecordValue: recordValue,
	}, nil
}

// FinaliseAndSaveCertificates advances the order state machine: accepts the
// pending dns-01 challenge (the operator is expected to have published the
// TXT record by now), polls the authorization and order, and on success
// finalizes the order and atomically overwrites the TLS key and cert files.
func (m *Manager) FinaliseAndSaveCertificates(ctx context.Context, orderURL string) (OrderStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pendingChallenge != nil {
		if _, err := m.client.Accept(ctx, m.pendingChallenge); err != nil {
			return StatusError, kiwierr.Wrap(kiwierr.Internal, "accepting dns-01 challenge", err)
		}
	}

	authz, err := m.client.GetAuthorization(ctx, m.pendingAuthzURL)
	if err != nil {
		return StatusError, kiwierr.Wrap(kiwierr.Internal, "polling ACME authorization", err)
	}
	switch authz.Status {
	case acme.StatusPending, acme.StatusProcessing:
		return StatusPending, nil
	case acme.StatusInvalid:
		return StatusError, nil
	}

	order, err := m.client.WaitOrder(ctx, orderURL)
	if err != nil {
		return StatusError, kiwierr.Wrap(kiwierr.Internal, "waiting for ACME order", err)
	}

	certKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return StatusError, kiwierr.Wrap(kiwierr.Internal, "generating certificate key", err)
	}
	csr, err := buildCSR(certKey, "*."+m.domain)
	if err != nil {
		return StatusError, err
	}

	der, _, err := m.client.CreateOrderCert(ctx, order.FinalizeURL, csr, true)
	if err != nil {
		return StatusError, kiwierr.Wrap(kiwierr.Internal, "finalizing ACME order", err)
	}

	if err := m.writeCertificate(certKey, der); err != nil {
		return StatusError, err
	}

	m.pendingAuthzURL = ""
	m.pendingChallenge = nil
	return StatusSuccess, nil
}

func buildCSR(key *ecdsa.PrivateKey, commonName string) ([]byte, error) {
	template := &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: commonName},
		DNSNames: []string{commonName},
	}
	csr, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	if err != nil {
		return nil, kiwierr.Wrap(kiwierr.Internal, "creating certificate request", err)
	}
	return csr, nil
}

// writeCertificate atomically overwrites the TLS private key and
// certificate chain files.
func (m *Manager) writeCertificate(key *ecdsa.PrivateKey, derChain [][]byte) error {
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return kiwierr.Wrap(kiwierr.Internal, "marshaling certificate key", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	var certPEM []byte
	for _, der := range derChain {
		certPEM = append(certPEM, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)
	}

	if err := atomicWriteFile(m.keyPath, keyPEM, 0o600); err != nil {
		return err
	}
	if err := atomicWriteFile(m.certPath, certPEM, 0o644); err != nil {
		return err
	}
	return nil
}

// WasCertificateUpdated compares the key file's mtime against the last
// observed value, returning true (once) if it has advanced.
func (m *Manager) WasCertificateUpdated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	mt, err := keyMtime(m.keyPath)
	if err != nil {
		return false
	}
	if mt.After(m.lastSeenKeyMtime) {
		m.lastSeenKeyMtime = mt
		return true
	}
	return false
}

// GetCertificateInfo parses the on-disk certificate and returns its issuer
// and expiry.
func (m *Manager) GetCertificateInfo() (CertificateInfo, error) {
	raw, err := os.ReadFile(m.certPath)
	if err != nil {
		return CertificateInfo{}, kiwierr.Wrap(kiwierr.Internal, "reading certificate file", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return CertificateInfo{}, kiwierr.New(kiwierr.Internal, "certificate file is not valid PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return CertificateInfo{}, kiwierr.Wrap(kiwierr.Internal, "parsing certificate", err)
	}
	return CertificateInfo{Issuer: cert.Issuer.String(), NotAfter: cert.NotAfter}, nil
}

func (m *Manager) writeSelfSignedLocalhost() error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return kiwierr.Wrap(kiwierr.Internal, "generating self-signed key", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return kiwierr.Wrap(kiwierr.Internal, "generating certificate serial", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "localhost"},
		DNSNames:     []string{"localhost"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IsCA:         true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return kiwierr.Wrap(kiwierr.Internal, "creating self-signed certificate", err)
	}

	return m.writeCertificate(key, [][]byte{der})
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func keyMtime(path string) (time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tls-*.tmp")
	if err != nil {
		return kiwierr.Wrap(kiwierr.Internal, "creating temp TLS file", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return kiwierr.Wrap(kiwierr.Internal, "writing temp TLS file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return kiwierr.Wrap(kiwierr.Internal, "closing temp TLS file", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		os.Remove(tmpPath)
		return kiwierr.Wrap(kiwierr.Internal, "chmod temp TLS file", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return kiwierr.Wrap(kiwierr.Internal, "renaming TLS file into place", err)
	}
	return nil
}
