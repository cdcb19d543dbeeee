package subtletls

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"net"
	"reflect"
	"runtime"
	"testing"
	"time"
)

func assertTrue(t *testing.T, test bool, msg string) {
	t.Helper()
	if !test {
		t.Fatalf("%s", msg)
	}
}

func assertError(t *testing.T, err error, msg string) {
	t.Helper()
	if err == nil {
		t.Fatalf("%s", msg)
	}
}

func assertNotError(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %v", msg, err)
	}
}

func assertEquals(t *testing.T, a, b interface{}) {
	t.Helper()
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("%+v != %+v", a, b)
	}
}

func assertByteEquals(t *testing.T, a, b []byte) {
	t.Helper()
	if !bytes.Equal(a, b) {
		t.Fatalf("%x != %x", a, b)
	}
}

func assertAlertEquals(t *testing.T, got, want Alert) {
	t.Helper()
	if got != want {
		t.Fatalf("alert %v != %v", got, want)
	}
}

// --- Certificate fixtures ---

type testCA struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

var testSerial int64 = 1

func nextSerial() *big.Int {
	testSerial++
	return big.NewInt(testSerial)
}

func newTestCA(t *testing.T, name string, maxPathLen int) *testCA {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	assertNotError(t, err, "CA key generation failed")

	tmpl := &x509.Certificate{
		SerialNumber:          nextSerial(),
		Subject:               pkix.Name{CommonName: name},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	if maxPathLen >= 0 {
		tmpl.MaxPathLen = maxPathLen
		tmpl.MaxPathLenZero = maxPathLen == 0
	} else {
		tmpl.MaxPathLen = -1
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	assertNotError(t, err, "CA self-sign failed")
	cert, err := x509.ParseCertificate(der)
	assertNotError(t, err, "CA parse failed")
	return &testCA{cert: cert, key: key}
}

func (ca *testCA) issueCA(t *testing.T, name string, maxPathLen int) *testCA {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	assertNotError(t, err, "intermediate key generation failed")

	tmpl := &x509.Certificate{
		SerialNumber:          nextSerial(),
		Subject:               pkix.Name{CommonName: name},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	if maxPathLen >= 0 {
		tmpl.MaxPathLen = maxPathLen
		tmpl.MaxPathLenZero = maxPathLen == 0
	} else {
		tmpl.MaxPathLen = -1
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, &key.PublicKey, ca.key)
	assertNotError(t, err, "intermediate sign failed")
	cert, err := x509.ParseCertificate(der)
	assertNotError(t, err, "intermediate parse failed")
	return &testCA{cert: cert, key: key}
}

type leafOptions struct {
	dnsNames    []string
	ipAddresses []net.IP
	notAfter    time.Time
	ekus        []x509.ExtKeyUsage
	unknownEKUs []asn1.ObjectIdentifier
}

func (ca *testCA) issueLeaf(t *testing.T, opts leafOptions) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	assertNotError(t, err, "leaf key generation failed")

	notAfter := opts.notAfter
	if notAfter.IsZero() {
		notAfter = time.Now().Add(24 * time.Hour)
	}
	ekus := opts.ekus
	if ekus == nil && opts.unknownEKUs == nil {
		ekus = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
	}

	tmpl := &x509.Certificate{
		SerialNumber:       nextSerial(),
		Subject:            pkix.Name{CommonName: "leaf"},
		NotBefore:          time.Now().Add(-time.Hour),
		NotAfter:           notAfter,
		KeyUsage:           x509.KeyUsageDigitalSignature,
		ExtKeyUsage:        ekus,
		UnknownExtKeyUsage: opts.unknownEKUs,
		DNSNames:           opts.dnsNames,
		IPAddresses:        opts.ipAddresses,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, &key.PublicKey, ca.key)
	assertNotError(t, err, "leaf sign failed")
	cert, err := x509.ParseCertificate(der)
	assertNotError(t, err, "leaf parse failed")
	return cert, key
}

// spin yields to other goroutines between non-blocking poll iterations.
func spin() {
	runtime.Gosched()
	time.Sleep(time.Millisecond)
}
