package broker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/elevate-ai/coaching-platform/pkg/logger"
)

// NATSConfig holds NATS connection configuration.
type NATSConfig struct {
	URL      string
	CAFile   string
	CertFile string
	KeyFile  string
	Token    string
}

// NATSBroker implements Broker on core NATS. Channel names use ':' and '.'
// separators; both map to NATS subject tokens, and glob wildcards map to the
// single-token '*' wildcard. The mapping can over-deliver for partial-segment
// globs ("user.cre*" becomes "user.*"), which the bus filters out.
type NATSBroker struct {
	conn   *nats.Conn
	logger *logger.Logger
}

// ConnectNATS establishes a reconnecting NATS connection.
func ConnectNATS(cfg NATSConfig, log *logger.Logger) (*NATSBroker, error) {
	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectBufSize(8 * 1024 * 1024),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error("NATS error", zap.Error(err))
		}),
	}

	if cfg.CAFile != "" && cfg.CertFile != "" && cfg.KeyFile != "" {
		tlsConfig, err := createTLSConfig(cfg.CAFile, cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts = append(opts, nats.Secure(tlsConfig))
	}

	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &NATSBroker{conn: nc, logger: log}, nil
}

// channelHeader carries the original channel name across the subject
// mapping, so subscribers see the exact channel the publisher used.
const channelHeader = "X-Channel"

func (b *NATSBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	msg := &nats.Msg{
		Subject: channelToSubject(channel),
		Data:    payload,
		Header:  nats.Header{channelHeader: []string{channel}},
	}
	if err := b.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("nats publish %s: %w", channel, err)
	}
	return nil
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

func (b *NATSBroker) PSubscribe(ctx context.Context, pattern string, h Handler) (Subscription, error) {
	subject := patternToSubject(pattern)
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		channel := msg.Header.Get(channelHeader)
		if channel == "" {
			channel = strings.ReplaceAll(msg.Subject, ".", ":")
		}
		h(channel, msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	return &natsSubscription{sub: sub}, nil
}

func (b *NATSBroker) Ping(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("nats not connected")
	}
	return nil
}

func (b *NATSBroker) Close() error {
	b.conn.Close()
	return nil
}

// createTLSConfig builds a mutual-TLS config from PEM files.
func createTLSConfig(caFile, certFile, keyFile string) (*tls.Config, error) {
	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load client certificate: %w", err)
	}

	return &tls.Config{
		RootCAs:      caPool,
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// channelToSubject turns "coach:events:user:user.created" into the NATS
// subject "coach.events.user.user.created". ':' segments become tokens; '.'
// inside a segment already separates tokens.
func channelToSubject(channel string) string {
	return strings.ReplaceAll(channel, ":", ".")
}

// patternToSubject maps a glob channel pattern to a NATS subject filter.
// Any token containing a glob becomes the one-token wildcard '*'.
func patternToSubject(pattern string) string {
	tokens := strings.Split(channelToSubject(pattern), ".")
	for i, tok := range tokens {
		if strings.ContainsAny(tok, "*?") {
			tokens[i] = "*"
		}
	}
	return strings.Join(tokens, ".")
}
