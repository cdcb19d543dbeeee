package subtletls

import (
	"bytes"
	"crypto/x509"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/net/idna"
)

// TrustMode selects how much of chain validation runs.
type TrustMode uint8

const (
	// TrustModeFull requires the chain to terminate at a configured anchor.
	TrustModeFull TrustMode = iota
	// TrustModeRelaxed runs every structural check (validity windows, name
	// match, CA constraints, signature chaining) but skips the anchor
	// termination requirement.  CertificateVerify is still checked by the
	// handshake regardless of mode.
	TrustModeRelaxed
)

// VerifyChainOptions configures VerifyChain.
type VerifyChainOptions struct {
	ServerName   string
	TrustAnchors []*x509.Certificate
	Mode         TrustMode
	Time         time.Time
}

// VerifyChain validates the server's certificate chain as presented: leaf
// first, each certificate signed by the next.  It does not attempt path
// building or chain reordering; a chain the server sends out of order fails.
func VerifyChain(chain []*x509.Certificate, opts VerifyChainOptions) error {
	if len(chain) == 0 {
		return &CertificateError{Reason: CertBadSignature, Message: "empty certificate chain"}
	}
	now := opts.Time
	if now.IsZero() {
		now = time.Now()
	}

	leaf := chain[0]
	if err := checkValidityWindow(leaf, now, "leaf"); err != nil {
		return err
	}
	if err := checkServerEKU(leaf); err != nil {
		return err
	}
	if err := matchServerName(leaf, opts.ServerName); err != nil {
		return err
	}

	// Walk the chain pairwise.  Each link must be a well-formed CA within
	// its validity window, its path length constraint must admit the CAs
	// already below it, and its signature over the previous certificate
	// must verify with the algorithm the certificate itself declares.
	for i := 1; i < len(chain); i++ {
		issuer := chain[i]
		if err := checkValidityWindow(issuer, now, fmt.Sprintf("chain[%d]", i)); err != nil {
			return err
		}
		if !issuer.BasicConstraintsValid || !issuer.IsCA {
			return &CertificateError{
				Reason:  CertConstraintViolation,
				Message: fmt.Sprintf("chain[%d] is not a CA certificate", i),
			}
		}
		// MaxPathLen of zero is only a real constraint when MaxPathLenZero
		// is set; otherwise the extension was absent.  i-1 CA certificates
		// sit between this issuer and the leaf.
		constrained := issuer.MaxPathLen > 0 || (issuer.MaxPathLen == 0 && issuer.MaxPathLenZero)
		if constrained && issuer.MaxPathLen < i-1 {
			return &CertificateError{
				Reason:  CertConstraintViolation,
				Message: fmt.Sprintf("chain[%d] path length constraint %d violated", i, issuer.MaxPathLen),
			}
		}
		if err := chain[i-1].CheckSignatureFrom(issuer); err != nil {
			return &CertificateError{
				Reason:  CertBadSignature,
				Message: fmt.Sprintf("chain[%d] does not sign chain[%d]: %v", i, i-1, err),
			}
		}
		logf(logTypeVerify, "chain[%d] signs chain[%d]", i, i-1)
	}

	if opts.Mode == TrustModeRelaxed {
		logf(logTypeVerify, "relaxed trust: skipping anchor termination")
		return nil
	}
	return checkAnchorTermination(chain[len(chain)-1], opts.TrustAnchors, now)
}

// checkAnchorTermination accepts the chain when its top certificate either is
// a configured anchor or carries a signature that verifies under one.  Trust
// comes from the verified signature, never from a name match alone.
func checkAnchorTermination(top *x509.Certificate, anchors []*x509.Certificate, now time.Time) error {
	if len(anchors) == 0 {
		return &CertificateError{Reason: CertUnknownCA, Message: "no trust anchors configured"}
	}
	for _, anchor := range anchors {
		if bytes.Equal(top.Raw, anchor.Raw) {
			return nil
		}
		if err := checkValidityWindow(anchor, now, "anchor"); err != nil {
			continue
		}
		if !anchor.BasicConstraintsValid || !anchor.IsCA {
			continue
		}
		if err := top.CheckSignatureFrom(anchor); err == nil {
			logf(logTypeVerify, "chain terminates at anchor %q", anchor.Subject.CommonName)
			return nil
		}
	}
	return &CertificateError{Reason: CertUnknownCA, Message: "chain does not terminate at a trust anchor"}
}

func checkValidityWindow(cert *x509.Certificate, now time.Time, which string) error {
	if now.Before(cert.NotBefore) {
		return &CertificateError{
			Reason:  CertExpired,
			Message: fmt.Sprintf("%s certificate not yet valid (NotBefore %s)", which, cert.NotBefore),
		}
	}
	if now.After(cert.NotAfter) {
		return &CertificateError{
			Reason:  CertExpired,
			Message: fmt.Sprintf("%s certificate expired (NotAfter %s)", which, cert.NotAfter),
		}
	}
	return nil
}

// checkServerEKU rejects a leaf whose EKU extension is present but lacks
// server authentication.  OIDs the parser does not recognize land in
// UnknownExtKeyUsage, so they still count toward "extension present".
func checkServerEKU(leaf *x509.Certificate) error {
	if len(leaf.ExtKeyUsage)+len(leaf.UnknownExtKeyUsage) == 0 {
		return nil
	}
	for _, eku := range leaf.ExtKeyUsage {
		if eku == x509.ExtKeyUsageServerAuth || eku == x509.ExtKeyUsageAny {
			return nil
		}
	}
	return &CertificateError{
		Reason:  CertConstraintViolation,
		Message: "leaf certificate not valid for server authentication",
	}
}

// matchServerName checks the configured name against the leaf's subject
// alternative names.  IP addresses compare byte-for-byte against IP SANs;
// DNS names are IDNA-normalized and matched with single-label wildcards.
func matchServerName(leaf *x509.Certificate, serverName string) error {
	if serverName == "" {
		return &CertificateError{Reason: CertNameMismatch, Message: "no server name to verify"}
	}

	if ip := net.ParseIP(serverName); ip != nil {
		for _, san := range leaf.IPAddresses {
			if san.Equal(ip) {
				return nil
			}
		}
		return &CertificateError{
			Reason:  CertNameMismatch,
			Message: fmt.Sprintf("certificate has no IP SAN for %s", serverName),
		}
	}

	want, err := idna.Lookup.ToASCII(serverName)
	if err != nil {
		return &CertificateError{
			Reason:  CertNameMismatch,
			Message: fmt.Sprintf("invalid server name %q: %v", serverName, err),
		}
	}
	want = strings.ToLower(strings.TrimSuffix(want, "."))

	for _, san := range leaf.DNSNames {
		if matchHostname(strings.ToLower(san), want) {
			return nil
		}
	}
	return &CertificateError{
		Reason:  CertNameMismatch,
		Message: fmt.Sprintf("certificate is not valid for %q", serverName),
	}
}

// matchHostname implements exact matching plus a leftmost-label wildcard.
// The wildcard must be the whole first label and never matches across dots.
func matchHostname(pattern, host string) bool {
	if pattern == host {
		return true
	}
	if !strings.HasPrefix(pattern, "*.") {
		return false
	}
	suffix := pattern[1:] // ".example.com"
	if !strings.HasSuffix(host, suffix) {
		return false
	}
	label := host[:len(host)-len(suffix)]
	return label != "" && !strings.Contains(label, ".")
}
