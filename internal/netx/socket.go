// Package netx provides the transport under the NNTP engine: TCP or TLS
// connections with controlled retry, deadline-based timeouts, and typed
// failures.
package netx

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/newsreap/newsreap/internal/logger"
)

// tlsLadder is the priority-ordered list of protocol versions tried when no
// explicit version is pinned.
var tlsLadder = []uint16{
	tls.VersionTLS13,
	tls.VersionTLS12,
	tls.VersionTLS11,
	tls.VersionTLS10,
}

const (
	defaultDialTimeout = 30 * time.Second
	defaultRetries     = 3
	retryWait          = 2 * time.Second
)

// Dialer establishes connections to one host with controlled retry. With TLS
// enabled and no pinned Version, handshake failures walk down the protocol
// ladder; a pinned Version gets exactly one shot.
type Dialer struct {
	Host   string
	Port   int
	TLS    bool
	Verify bool
	// Version pins a tls.VersionTLS* constant; zero means ladder.
	Version uint16

	Timeout time.Duration
	Retries int

	Log *logger.Logger
}

func (d *Dialer) addr() string { return fmt.Sprintf("%s:%d", d.Host, d.Port) }

func (d *Dialer) log() *logger.Logger {
	if d.Log == nil {
		return logger.Discard()
	}
	return d.Log
}

// Dial connects, retrying transient failures up to the retry budget. A
// context cancellation is surfaced as-is so signal handling stays with the
// caller.
func (d *Dialer) Dial(ctx context.Context) (*Conn, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	retries := d.Retries
	if retries <= 0 {
		retries = defaultRetries
	}

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		conn, err := d.dialOnce(ctx, timeout)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if errors.Is(err, ErrNoProtocolLeft) || ctx.Err() != nil {
			return nil, err
		}
		d.log().Debug("dial %s attempt %d/%d failed: %v", d.addr(), attempt+1, retries, err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryWait):
		}
	}
	return nil, fmt.Errorf("%w: dial %s: %v", ErrRetryLimit, d.addr(), lastErr)
}

func (d *Dialer) dialOnce(ctx context.Context, timeout time.Duration) (*Conn, error) {
	nd := net.Dialer{Timeout: timeout}

	if !d.TLS {
		raw, err := nd.DialContext(ctx, "tcp", d.addr())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransient, err)
		}
		return &Conn{conn: raw, host: d.Host}, nil
	}

	versions := tlsLadder
	pinned := d.Version != 0
	if pinned {
		versions = []uint16{d.Version}
	}

	var lastErr error
	for _, v := range versions {
		raw, err := nd.DialContext(ctx, "tcp", d.addr())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransient, err)
		}

		cfg := d.tlsConfig(v)
		tconn := tls.Client(raw, cfg)
		hctx, cancel := context.WithTimeout(ctx, timeout)
		err = tconn.HandshakeContext(hctx)
		cancel()
		if err == nil {
			return &Conn{conn: tconn, host: d.Host}, nil
		}
		raw.Close()
		lastErr = err
		if errors.Is(err, ErrRetryLimit) {
			// hostname fallback verification refused the peer
			return nil, err
		}
		d.log().Debug("tls handshake (%s) with %s failed: %v", tlsVersionName(v), d.addr(), err)
	}

	if pinned {
		return nil, fmt.Errorf("%w: %s: %v", ErrNoProtocolLeft, tlsVersionName(d.Version), lastErr)
	}
	return nil, fmt.Errorf("%w: %s: %v", ErrNoProtocolLeft, d.addr(), lastErr)
}

func (d *Dialer) tlsConfig(version uint16) *tls.Config {
	cfg := &tls.Config{
		ServerName: d.Host,
		MinVersion: version,
		MaxVersion: version,
	}
	if !d.Verify {
		cfg.InsecureSkipVerify = true
		return cfg
	}

	// Run the standard chain verification ourselves so a CA failure can
	// fall back to a plain hostname match of the peer certificate, the
	// way small news servers with private CAs expect.
	cfg.InsecureSkipVerify = true
	cfg.VerifyConnection = func(cs tls.ConnectionState) error {
		opts := x509.VerifyOptions{
			DNSName:       d.Host,
			Intermediates: x509.NewCertPool(),
		}
		for _, cert := range cs.PeerCertificates[1:] {
			opts.Intermediates.AddCert(cert)
		}
		if _, err := cs.PeerCertificates[0].Verify(opts); err == nil {
			return nil
		}
		if matchCertHost(cs.PeerCertificates[0], d.Host) {
			return nil
		}
		return fmt.Errorf("%w: certificate does not match %s", ErrRetryLimit, d.Host)
	}
	return cfg
}

// matchCertHost checks the certificate's names (CommonName plus SANs)
// against the host and its reverse-DNS aliases, with wildcard support.
func matchCertHost(cert *x509.Certificate, host string) bool {
	names := append([]string{cert.Subject.CommonName}, cert.DNSNames...)

	candidates := []string{host}
	if ips, err := net.LookupIP(host); err == nil {
		for _, ip := range ips {
			if aliases, err := net.LookupAddr(ip.String()); err == nil {
				for _, a := range aliases {
					candidates = append(candidates, strings.TrimSuffix(a, "."))
				}
			}
		}
	}

	for _, name := range names {
		for _, cand := range candidates {
			if matchHostname(name, cand) {
				return true
			}
		}
	}
	return false
}

// matchHostname compares a certificate name against a hostname, honoring a
// single leading wildcard label.
func matchHostname(pattern, host string) bool {
	pattern = strings.ToLower(strings.TrimSuffix(pattern, "."))
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if pattern == "" || host == "" {
		return false
	}
	if pattern == host {
		return true
	}
	if !strings.HasPrefix(pattern, "*.") {
		return false
	}
	rest := pattern[2:]
	idx := strings.IndexByte(host, '.')
	if idx < 0 {
		return false
	}
	return host[idx+1:] == rest
}

func tlsVersionName(v uint16) string {
	switch v {
	case tls.VersionTLS13:
		return "TLSv1.3"
	case tls.VersionTLS12:
		return "TLSv1.2"
	case tls.VersionTLS11:
		return "TLSv1.1"
	case tls.VersionTLS10:
		return "TLSv1.0"
	default:
		return fmt.Sprintf("tls(%#x)", v)
	}
}
