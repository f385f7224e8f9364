// Package broker owns everything AMQP: the single supervised connection,
// the per-area topology, the envelope publisher and the consumer workers
// with their retry/DLQ protocol.
package broker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// maxBackoff caps the reconnect delay. Backoff grows linearly with the
// attempt number.
const maxBackoff = 30 * time.Second

// SupervisorConfig configures the shared broker connection.
type SupervisorConfig struct {
	URL       string
	VHost     string
	Heartbeat time.Duration
	Confirm   bool // put the shared channel in publisher-confirm mode

	// TLS; CACert alone gives server verification, adding the client pair
	// enables mTLS. All empty means plain TCP.
	CACert     string
	ClientCert string
	ClientKey  string
}

// Supervisor owns the process-wide AMQP connection and its single shared
// channel. Publishers and consumers never hold the channel across failures:
// they re-request it through Channel, which reconnects as needed.
//
// The mutex doubles as the single-flight guard: while one caller is inside
// the reconnect loop every other caller blocks on Channel and then finds the
// fresh channel already cached.
type Supervisor struct {
	cfg    SupervisorConfig
	logger *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewSupervisor creates a supervisor. No connection is made until the first
// Channel call.
func NewSupervisor(cfg SupervisorConfig, logger *slog.Logger) *Supervisor {
	return &Supervisor{cfg: cfg, logger: logger}
}

// Channel returns a live shared channel, dialing or redialing first if the
// cached one is gone. Blocks through the backoff loop until it succeeds or
// ctx is cancelled.
func (s *Supervisor) Channel(ctx context.Context) (*amqp.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ch != nil && !s.ch.IsClosed() && s.conn != nil && !s.conn.IsClosed() {
		return s.ch, nil
	}
	return s.connectLocked(ctx)
}

// connectLocked dials until it succeeds. Caller holds s.mu.
func (s *Supervisor) connectLocked(ctx context.Context) (*amqp.Channel, error) {
	s.closeLocked()

	tlsCfg, err := s.tlsConfig()
	if err != nil {
		return nil, fmt.Errorf("broker: tls config: %w", err)
	}

	for attempt := 1; ; attempt++ {
		conn, err := amqp.DialConfig(s.cfg.URL, amqp.Config{
			Vhost:           s.cfg.VHost,
			Heartbeat:       s.cfg.Heartbeat,
			TLSClientConfig: tlsCfg,
			Properties:      amqp.Table{"connection_name": "vigia"},
		})
		if err == nil {
			ch, chErr := conn.Channel()
			if chErr == nil && s.cfg.Confirm {
				chErr = ch.Confirm(false)
			}
			if chErr == nil {
				s.conn = conn
				s.ch = ch
				s.watchClose(conn)
				s.logger.Info("broker: connected", "confirm", s.cfg.Confirm, "attempt", attempt)
				return ch, nil
			}
			_ = conn.Close()
			err = chErr
		}

		delay := min(time.Duration(attempt)*time.Second, maxBackoff)
		s.logger.Warn("broker: connect failed, backing off",
			"error", err, "attempt", attempt, "backoff", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("broker: connect: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

// watchClose logs the server-side close reason. Invalidation itself is
// lazy: the next Channel call sees IsClosed and redials.
func (s *Supervisor) watchClose(conn *amqp.Connection) {
	closings := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if reason, ok := <-closings; ok && reason != nil {
			s.logger.Warn("broker: connection closed", "code", reason.Code, "reason", reason.Reason)
		}
	}()
}

func (s *Supervisor) tlsConfig() (*tls.Config, error) {
	if s.cfg.CACert == "" && s.cfg.ClientCert == "" {
		return nil, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if s.cfg.CACert != "" {
		pem, err := os.ReadFile(s.cfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("read CA cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("CA cert %s contains no certificates", s.cfg.CACert)
		}
		cfg.RootCAs = pool
	}
	if s.cfg.ClientCert != "" {
		pair, err := tls.LoadX509KeyPair(s.cfg.ClientCert, s.cfg.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("load client key pair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{pair}
	}
	return cfg, nil
}

// Close shuts the channel and connection down. Safe to call multiple times.
func (s *Supervisor) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *Supervisor) closeLocked() {
	if s.ch != nil {
		_ = s.ch.Close()
		s.ch = nil
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}
