package transport

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/credmesh/credmesh/pkg/fault"
)

// ClientConfig tunes the replication client.
type ClientConfig struct {
	MaxRetries  int
	BackoffBase time.Duration
	Timeout     time.Duration
	TLS         *tls.Config
}

// Client replicates against one peer. Exchanges retry with exponential
// backoff; 403 and 409 are terminal and never retried. Every outcome feeds
// the health tracker.
type Client struct {
	peer    Peer
	hc      *http.Client
	tracker *HealthTracker
	retries int
	base    time.Duration
}

// NewClient builds a client for a peer. When the peer pins a certificate
// fingerprint the transport only accepts that certificate.
func NewClient(peer Peer, tracker *HealthTracker, cfg ClientConfig) (*Client, error) {
	if peer.URL == "" {
		return nil, fault.Field("peer.url", "peer URL is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 200 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	transport := http.DefaultTransport
	if peer.TLSFingerprint != "" || cfg.TLS != nil {
		tlsCfg := cfg.TLS
		if tlsCfg == nil {
			tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		if peer.TLSFingerprint != "" {
			pinPeerCertificate(tlsCfg, peer)
		}
		transport = &http.Transport{TLSClientConfig: tlsCfg}
	}

	return &Client{
		peer:    peer,
		hc:      &http.Client{Timeout: cfg.Timeout, Transport: transport},
		tracker: tracker,
		retries: cfg.MaxRetries,
		base:    cfg.BackoffBase,
	}, nil
}

// pinPeerCertificate wires fingerprint pinning and the SPIFFE identity check
// into the TLS config. Chain verification against a CA pool is skipped: the
// pin is the trust anchor.
func pinPeerCertificate(cfg *tls.Config, peer Peer) {
	want := strings.ToLower(strings.TrimPrefix(peer.TLSFingerprint, "sha256:"))
	cfg.InsecureSkipVerify = true
	cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return fault.New(fault.KindTransportUnreachable, "peer presented no certificate")
		}
		sum := sha256.Sum256(rawCerts[0])
		got := hex.EncodeToString(sum[:])
		if got != want {
			return fault.Newf(fault.KindTransportUnreachable,
				"peer certificate fingerprint %s does not match pin", got[:16])
		}
		if peer.SPIFFEID == "" {
			return nil
		}
		cert, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return fault.Wrap(fault.KindTransportUnreachable, err, "peer certificate unparseable")
		}
		for _, uri := range cert.URIs {
			if uri.String() == peer.SPIFFEID {
				return nil
			}
		}
		return fault.Newf(fault.KindTransportUnreachable, "peer certificate lacks identity %s", peer.SPIFFEID)
	}
}

// Push replicates a batch of records to the peer.
func (c *Client) Push(ctx context.Context, tenant, node string, req PushRequest) (*PushResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/mesh/%s/%s/push", c.peer.URL, tenant, node)
	var resp PushResponse
	if err := c.exchange(ctx, http.MethodPost, url, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Pull fetches records from the peer since a cursor.
func (c *Client) Pull(ctx context.Context, tenant, node string, since int64) (*PullResponse, error) {
	url := fmt.Sprintf("%s/mesh/%s/%s/pull?since=%d", c.peer.URL, tenant, node, since)
	var resp PullResponse
	if err := c.exchange(ctx, http.MethodGet, url, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status fetches the peer's replication status for a node.
func (c *Client) Status(ctx context.Context, tenant, node string) (*StatusResponse, error) {
	url := fmt.Sprintf("%s/mesh/%s/%s/status", c.peer.URL, tenant, node)
	var resp StatusResponse
	if err := c.exchange(ctx, http.MethodGet, url, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) exchange(ctx context.Context, method, url string, body []byte, out any) error {
	op := func() (struct{}, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.hc.Do(req)
		if err != nil {
			return struct{}{}, fault.Wrap(fault.KindTransportUnreachable, err, "peer unreachable")
		}
		defer func() { _ = resp.Body.Close() }()

		switch {
		case resp.StatusCode == http.StatusOK:
			if out != nil {
				if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
					return struct{}{}, backoff.Permanent(fault.Wrap(fault.KindCorrupt, err, "malformed peer response"))
				}
			}
			return struct{}{}, nil
		case resp.StatusCode == http.StatusConflict:
			return struct{}{}, backoff.Permanent(fault.New(fault.KindChainBreak, "peer rejected chain extension"))
		case resp.StatusCode == http.StatusForbidden:
			return struct{}{}, backoff.Permanent(fault.New(fault.KindAuthorityDeny, "peer denied the push"))
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return struct{}{}, fault.Newf(fault.KindTransportUnreachable, "peer returned %d", resp.StatusCode)
		default:
			return struct{}{}, backoff.Permanent(fault.Newf(fault.KindTransportUnreachable, "peer returned %d", resp.StatusCode))
		}
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.base

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(c.retries)))
	if c.tracker != nil {
		if err != nil && !fault.Is(err, fault.KindChainBreak) && !fault.Is(err, fault.KindAuthorityDeny) {
			c.tracker.Failure(c.peer.NodeID)
		} else {
			c.tracker.Success(c.peer.NodeID)
		}
	}
	return err
}
