package bridge

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// ProbeCause classifies why a bridge host was unreachable.
type ProbeCause string

const (
	CauseNone    ProbeCause = ""
	CauseNetwork ProbeCause = "network"
	CauseTrust   ProbeCause = "trust"
)

// ProbeResult is the outcome of a reachability probe. When Reachable
// is false, Cause says whether the problem is the network or the
// bridge's untrusted certificate; the two have different remedies.
type ProbeResult struct {
	Reachable bool
	Cause     ProbeCause
	Err       error
}

// DefaultProbeTimeout bounds a single probe attempt.
const DefaultProbeTimeout = 5 * time.Second

// configPath is served unauthenticated by every bridge generation and
// by the simulation double, which makes it the diagnostic target.
const configPath = "/api/config"

// Prober answers "can this process complete a request to the bridge
// host at all, and if not, why". It holds two clients: a plain one for
// loopback simulation targets and a certificate-verifying one whose
// handshake failures reveal trust problems. The command transport
// skips verification, so the prober is the only place a trust failure
// is ever visible.
type Prober struct {
	timeout time.Duration
	plain   *http.Client
	strict  *http.Client
}

// NewProber creates a prober with the given per-attempt timeout.
func NewProber(timeout time.Duration) *Prober {
	if timeout == 0 {
		timeout = DefaultProbeTimeout
	}
	return &Prober{
		timeout: timeout,
		plain:   &http.Client{Timeout: timeout},
		strict: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{},
			},
		},
	}
}

// Probe checks whether host answers requests. Loopback hosts are
// probed over plain HTTP: there is no encryption layer to distrust, so
// every failure is a network failure. Other hosts are probed over
// verified TLS; any completed response, whatever its status, proves
// the handshake succeeded.
func (p *Prober) Probe(ctx context.Context, host string) ProbeResult {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	client := p.strict
	scheme := "https"
	if isLoopbackHost(host) {
		client = p.plain
		scheme = "http"
	}

	url := fmt.Sprintf("%s://%s%s", scheme, host, configPath)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return ProbeResult{Cause: CauseNetwork, Err: err}
	}

	resp, err := client.Do(req)
	if err != nil {
		cause := CauseNetwork
		if scheme == "https" {
			cause = classifyTransportError(err)
		}
		log.Debug().Str("host", host).Str("cause", string(cause)).Err(err).Msg("Bridge probe failed")
		return ProbeResult{Cause: cause, Err: err}
	}
	resp.Body.Close()

	log.Debug().Str("host", host).Int("status", resp.StatusCode).Msg("Bridge probe succeeded")
	return ProbeResult{Reachable: true}
}

// classifyTransportError decides network vs trust for a failed TLS
// probe. Certificate errors have concrete types, and the common
// nothing-listening failures (timeout, refusal, DNS) are equally
// recognizable, so most classifications are exact. A residual
// unrecognized error counts as trust: the handshake is the only phase
// left that fails after something answered. Best-effort, same as the
// remedy text shown to the user.
func classifyTransportError(err error) ProbeCause {
	var certVerify *tls.CertificateVerificationError
	var unknownAuth x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	var certInvalid x509.CertificateInvalidError
	if errors.As(err, &certVerify) || errors.As(err, &unknownAuth) ||
		errors.As(err, &hostnameErr) || errors.As(err, &certInvalid) {
		return CauseTrust
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CauseNetwork
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return CauseNetwork
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return CauseNetwork
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return CauseNetwork
	}

	return CauseTrust
}
