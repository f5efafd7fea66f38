package connectivity

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
)

// ErrNotConnected is returned when the network did not come up in time
var ErrNotConnected = errors.New("not connected")

// Provider makes sure the device can reach the network before any request
type Provider interface {
	EnsureConnected(ctx context.Context, timeout time.Duration) error
}

// Always reports a working connection, for devices with wired uplinks and tests
type Always struct{}

func (Always) EnsureConnected(context.Context, time.Duration) error {
	return nil
}

// TCPProbe considers the device connected once a TCP connection to the update
// server succeeds. It keeps probing with a backoff until the timeout, which
// covers the time the radio needs to associate after wake up.
type TCPProbe struct {
	addr string
	dial func(ctx context.Context, network, address string) (net.Conn, error)
}

// NewTCPProbe probes the host of baseURL, on the scheme default port unless
// the url names one
func NewTCPProbe(baseURL string) (*TCPProbe, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse url %q: %w", baseURL, err)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("url %q has no host", baseURL)
	}

	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			port = "443"
		}
	}

	dialer := &net.Dialer{}
	return &TCPProbe{
		addr: net.JoinHostPort(u.Hostname(), port),
		dial: dialer.DialContext,
	}, nil
}

func (p *TCPProbe) EnsureConnected(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	expBackOff := backoff.WithContext(&backoff.ExponentialBackOff{
		InitialInterval:     200 * time.Millisecond,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         2 * time.Second,
		MaxElapsedTime:      timeout,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}, ctx)

	operation := func() error {
		conn, err := p.dial(ctx, "tcp", p.addr)
		if err != nil {
			return err
		}
		if err := conn.Close(); err != nil {
			log.Debugf("failed to close probe connection: %v", err)
		}
		return nil
	}

	if err := backoff.Retry(operation, expBackOff); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrNotConnected, p.addr, err)
	}

	log.Tracef("connectivity to %s confirmed", p.addr)
	return nil
}
