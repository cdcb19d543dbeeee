package subtletls

import (
	"crypto/x509"
	"encoding/asn1"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestVerifyChainDirect(t *testing.T) {
	ca := newTestCA(t, "root", -1)
	leaf, _ := ca.issueLeaf(t, leafOptions{dnsNames: []string{"example.com"}})

	err := VerifyChain([]*x509.Certificate{leaf, ca.cert}, VerifyChainOptions{
		ServerName:   "example.com",
		TrustAnchors: []*x509.Certificate{ca.cert},
	})
	require.NoError(t, err)
}

func TestVerifyChainWithIntermediate(t *testing.T) {
	root := newTestCA(t, "root", -1)
	intermediate := root.issueCA(t, "intermediate", 0)
	leaf, _ := intermediate.issueLeaf(t, leafOptions{dnsNames: []string{"example.com"}})

	chain := []*x509.Certificate{leaf, intermediate.cert}
	err := VerifyChain(chain, VerifyChainOptions{
		ServerName:   "example.com",
		TrustAnchors: []*x509.Certificate{root.cert},
	})
	require.NoError(t, err)

	// Including the root in the chain is also acceptable.
	chain = append(chain, root.cert)
	err = VerifyChain(chain, VerifyChainOptions{
		ServerName:   "example.com",
		TrustAnchors: []*x509.Certificate{root.cert},
	})
	require.NoError(t, err)
}

func TestVerifyChainUnknownCA(t *testing.T) {
	ca := newTestCA(t, "root", -1)
	otherCA := newTestCA(t, "unrelated", -1)
	leaf, _ := ca.issueLeaf(t, leafOptions{dnsNames: []string{"example.com"}})

	err := VerifyChain([]*x509.Certificate{leaf, ca.cert}, VerifyChainOptions{
		ServerName:   "example.com",
		TrustAnchors: []*x509.Certificate{otherCA.cert},
	})
	var certErr *CertificateError
	require.ErrorAs(t, err, &certErr)
	require.Equal(t, CertUnknownCA, certErr.Reason)
}

// An anchor whose subject matches the chain's issuer by name but whose key
// did not sign it must be rejected; trust comes from signatures only.
func TestVerifyChainAnchorNameMatchOnly(t *testing.T) {
	ca := newTestCA(t, "root", -1)
	impostor := newTestCA(t, "root", -1)
	leaf, _ := ca.issueLeaf(t, leafOptions{dnsNames: []string{"example.com"}})

	err := VerifyChain([]*x509.Certificate{leaf, ca.cert}, VerifyChainOptions{
		ServerName:   "example.com",
		TrustAnchors: []*x509.Certificate{impostor.cert},
	})
	var certErr *CertificateError
	require.ErrorAs(t, err, &certErr)
	require.Equal(t, CertUnknownCA, certErr.Reason)
}

func TestVerifyChainRelaxedTrust(t *testing.T) {
	ca := newTestCA(t, "root", -1)
	leaf, _ := ca.issueLeaf(t, leafOptions{dnsNames: []string{"example.com"}})
	chain := []*x509.Certificate{leaf, ca.cert}

	// Relaxed mode needs no anchors at all.
	err := VerifyChain(chain, VerifyChainOptions{
		ServerName: "example.com",
		Mode:       TrustModeRelaxed,
	})
	require.NoError(t, err)

	// But it still enforces everything structural: a name mismatch fails.
	err = VerifyChain(chain, VerifyChainOptions{
		ServerName: "another.com",
		Mode:       TrustModeRelaxed,
	})
	var certErr *CertificateError
	require.ErrorAs(t, err, &certErr)
	require.Equal(t, CertNameMismatch, certErr.Reason)
}

func TestVerifyChainRelaxedStillChecksSignatures(t *testing.T) {
	ca := newTestCA(t, "root", -1)
	otherCA := newTestCA(t, "other", -1)
	leaf, _ := ca.issueLeaf(t, leafOptions{dnsNames: []string{"example.com"}})

	// Chain claims otherCA as issuer, but the signature is ca's.
	err := VerifyChain([]*x509.Certificate{leaf, otherCA.cert}, VerifyChainOptions{
		ServerName: "example.com",
		Mode:       TrustModeRelaxed,
	})
	var certErr *CertificateError
	require.ErrorAs(t, err, &certErr)
	require.Equal(t, CertBadSignature, certErr.Reason)
}

func TestVerifyChainExpiredLeaf(t *testing.T) {
	ca := newTestCA(t, "root", -1)
	leaf, _ := ca.issueLeaf(t, leafOptions{
		dnsNames: []string{"example.com"},
		notAfter: time.Now().Add(-time.Minute),
	})

	err := VerifyChain([]*x509.Certificate{leaf, ca.cert}, VerifyChainOptions{
		ServerName:   "example.com",
		TrustAnchors: []*x509.Certificate{ca.cert},
	})
	var certErr *CertificateError
	require.ErrorAs(t, err, &certErr)
	require.Equal(t, CertExpired, certErr.Reason)

	// A validation time inside the window passes.
	err = VerifyChain([]*x509.Certificate{leaf, ca.cert}, VerifyChainOptions{
		ServerName:   "example.com",
		TrustAnchors: []*x509.Certificate{ca.cert},
		Time:         time.Now().Add(-30 * time.Minute),
	})
	require.NoError(t, err)
}

func TestVerifyChainPathLen(t *testing.T) {
	root := newTestCA(t, "root", -1)
	// pathlen:0 allows no CA below it, but we chain another CA under it.
	constrained := root.issueCA(t, "constrained", 0)
	sub := constrained.issueCA(t, "sub", -1)
	leaf, _ := sub.issueLeaf(t, leafOptions{dnsNames: []string{"example.com"}})

	err := VerifyChain(
		[]*x509.Certificate{leaf, sub.cert, constrained.cert},
		VerifyChainOptions{
			ServerName:   "example.com",
			TrustAnchors: []*x509.Certificate{root.cert},
		})
	var certErr *CertificateError
	require.ErrorAs(t, err, &certErr)
	require.Equal(t, CertConstraintViolation, certErr.Reason)
}

func TestVerifyChainNonCAIssuer(t *testing.T) {
	ca := newTestCA(t, "root", -1)
	midLeaf, _ := ca.issueLeaf(t, leafOptions{dnsNames: []string{"middle.test"}})
	leaf, _ := ca.issueLeaf(t, leafOptions{dnsNames: []string{"example.com"}})

	// A leaf certificate cannot act as an issuer.
	err := VerifyChain([]*x509.Certificate{leaf, midLeaf}, VerifyChainOptions{
		ServerName:   "example.com",
		TrustAnchors: []*x509.Certificate{ca.cert},
	})
	var certErr *CertificateError
	require.ErrorAs(t, err, &certErr)
	require.Equal(t, CertConstraintViolation, certErr.Reason)
}

func TestVerifyChainEKU(t *testing.T) {
	ca := newTestCA(t, "root", -1)
	leaf, _ := ca.issueLeaf(t, leafOptions{
		dnsNames: []string{"example.com"},
		ekus:     []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})

	err := VerifyChain([]*x509.Certificate{leaf, ca.cert}, VerifyChainOptions{
		ServerName:   "example.com",
		TrustAnchors: []*x509.Certificate{ca.cert},
	})
	var certErr *CertificateError
	require.ErrorAs(t, err, &certErr)
	require.Equal(t, CertConstraintViolation, certErr.Reason)
}

// An EKU extension the parser does not recognize still counts as present:
// a leaf restricted to unknown OIDs only is not valid for server auth.
func TestVerifyChainUnknownEKUOnly(t *testing.T) {
	ca := newTestCA(t, "root", -1)
	leaf, _ := ca.issueLeaf(t, leafOptions{
		dnsNames:    []string{"example.com"},
		unknownEKUs: []asn1.ObjectIdentifier{{1, 2, 3, 4, 5}},
	})

	err := VerifyChain([]*x509.Certificate{leaf, ca.cert}, VerifyChainOptions{
		ServerName:   "example.com",
		TrustAnchors: []*x509.Certificate{ca.cert},
	})
	var certErr *CertificateError
	require.ErrorAs(t, err, &certErr)
	require.Equal(t, CertConstraintViolation, certErr.Reason)

	// An unknown OID alongside serverAuth remains acceptable.
	leaf, _ = ca.issueLeaf(t, leafOptions{
		dnsNames:    []string{"example.com"},
		ekus:        []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		unknownEKUs: []asn1.ObjectIdentifier{{1, 2, 3, 4, 5}},
	})
	require.NoError(t, VerifyChain([]*x509.Certificate{leaf, ca.cert}, VerifyChainOptions{
		ServerName:   "example.com",
		TrustAnchors: []*x509.Certificate{ca.cert},
	}))
}

func TestVerifyChainIPSAN(t *testing.T) {
	ca := newTestCA(t, "root", -1)
	leaf, _ := ca.issueLeaf(t, leafOptions{
		ipAddresses: []net.IP{net.ParseIP("192.0.2.7")},
	})
	opts := VerifyChainOptions{
		ServerName:   "192.0.2.7",
		TrustAnchors: []*x509.Certificate{ca.cert},
	}

	require.NoError(t, VerifyChain([]*x509.Certificate{leaf, ca.cert}, opts))

	opts.ServerName = "192.0.2.8"
	err := VerifyChain([]*x509.Certificate{leaf, ca.cert}, opts)
	var certErr *CertificateError
	require.ErrorAs(t, err, &certErr)
	require.Equal(t, CertNameMismatch, certErr.Reason)
}

func TestVerifyChainWildcard(t *testing.T) {
	ca := newTestCA(t, "root", -1)
	leaf, _ := ca.issueLeaf(t, leafOptions{dnsNames: []string{"*.example.com"}})
	anchors := []*x509.Certificate{ca.cert}

	require.NoError(t, VerifyChain([]*x509.Certificate{leaf, ca.cert}, VerifyChainOptions{
		ServerName: "www.example.com", TrustAnchors: anchors,
	}))

	// The wildcard covers one label only.
	err := VerifyChain([]*x509.Certificate{leaf, ca.cert}, VerifyChainOptions{
		ServerName: "a.b.example.com", TrustAnchors: anchors,
	})
	require.Error(t, err)

	// And never the bare domain.
	err = VerifyChain([]*x509.Certificate{leaf, ca.cert}, VerifyChainOptions{
		ServerName: "example.com", TrustAnchors: anchors,
	})
	require.Error(t, err)
}

func TestVerifyChainEmpty(t *testing.T) {
	err := VerifyChain(nil, VerifyChainOptions{ServerName: "example.com"})
	require.Error(t, err)
}
