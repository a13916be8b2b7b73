package notification

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// SMTPConfig configures the SMTP transport. The server must offer STARTTLS
// and AUTH; the session is never sent in clear text.
type SMTPConfig struct {
	Host       string
	Port       int
	Username   string
	Password   string
	From       string
	FromName   string
	SystemName string
	// Timeout bounds the whole exchange when ctx has no deadline.
	Timeout time.Duration
	// TLSConfig overrides the client TLS settings. ServerName defaults to Host.
	TLSConfig *tls.Config
}

const (
	defaultSMTPTimeout = 30 * time.Second
	helloName          = "localhost"
)

type SMTPDispatcher struct {
	cfg SMTPConfig
	log *zap.Logger
	now func() time.Time
}

func NewSMTPDispatcher(cfg SMTPConfig, logger *zap.Logger) (*SMTPDispatcher, error) {
	if cfg.Host == "" {
		return nil, errors.New("smtp host is required")
	}
	if cfg.Port <= 0 {
		return nil, errors.New("smtp port is required")
	}
	if cfg.Username == "" || cfg.Password == "" {
		return nil, errors.New("smtp credentials are required")
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultSMTPTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SMTPDispatcher{cfg: cfg, log: logger, now: time.Now}, nil
}

// Send delivers one alert. Cancelling ctx closes the connection, which
// unblocks any in-flight command.
func (d *SMTPDispatcher) Send(ctx context.Context, a Alert) error {
	msg, err := BuildMessage(Envelope{
		From:       d.cfg.From,
		FromName:   d.cfg.FromName,
		Date:       d.now(),
		SystemName: d.cfg.SystemName,
		Alert:      a,
	})
	if err != nil {
		return dispatchErr(KindOther, "build message", err)
	}

	addr := net.JoinHostPort(d.cfg.Host, strconv.Itoa(d.cfg.Port))
	dialer := &net.Dialer{Timeout: d.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return dispatchErr(KindConnection, "dial "+addr, err)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = d.now().Add(d.cfg.Timeout)
	}
	conn.SetDeadline(deadline)

	c, err := smtp.NewClient(conn, d.cfg.Host)
	if err != nil {
		conn.Close()
		return d.fail(ctx, KindConnection, "greeting", err)
	}
	defer c.Close()

	if err := c.Hello(helloName); err != nil {
		return d.fail(ctx, KindConnection, "ehlo", err)
	}
	if ok, _ := c.Extension("STARTTLS"); !ok {
		return dispatchErr(KindConnection, "starttls", errors.New("server does not offer STARTTLS"))
	}
	if err := c.StartTLS(d.tlsConfig()); err != nil {
		return d.fail(ctx, KindConnection, "starttls", err)
	}
	if ok, _ := c.Extension("AUTH"); !ok {
		return dispatchErr(KindAuth, "auth", errors.New("server does not offer AUTH"))
	}
	if err := c.Auth(smtp.PlainAuth("", d.cfg.Username, d.cfg.Password, d.cfg.Host)); err != nil {
		return d.fail(ctx, KindAuth, "auth", err)
	}
	if err := c.Mail(d.cfg.From); err != nil {
		return d.fail(ctx, classifyReply(err), "mail from", err)
	}
	if err := c.Rcpt(a.Recipient); err != nil {
		return d.fail(ctx, classifyReply(err), "rcpt to", err)
	}
	w, err := c.Data()
	if err != nil {
		return d.fail(ctx, classifyReply(err), "data", err)
	}
	if _, err := w.Write(msg); err != nil {
		return d.fail(ctx, KindConnection, "write body", err)
	}
	if err := w.Close(); err != nil {
		return d.fail(ctx, classifyReply(err), "end data", err)
	}
	if err := c.Quit(); err != nil {
		d.log.Debug("smtp quit failed", zap.Error(err))
	}

	d.log.Info("alert sent",
		zap.String("transport", "smtp"),
		zap.String("alert_id", a.ID),
		zap.Int("bytes", len(msg)))
	return nil
}

// fail prefers the cancellation cause over the I/O error it produced.
func (d *SMTPDispatcher) fail(ctx context.Context, kind ErrorKind, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return dispatchErr(KindConnection, op, fmt.Errorf("%w: %w", ctxErr, err))
	}
	return dispatchErr(kind, op, err)
}

func (d *SMTPDispatcher) tlsConfig() *tls.Config {
	var cfg *tls.Config
	if d.cfg.TLSConfig != nil {
		cfg = d.cfg.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = d.cfg.Host
	}
	return cfg
}

// classifyReply maps SMTP reply codes: 530/534/535 are authentication
// failures, other protocol replies are KindOther, and anything that is not
// a reply is a broken connection.
func classifyReply(err error) ErrorKind {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		switch tpErr.Code {
		case 530, 534, 535:
			return KindAuth
		}
		return KindOther
	}
	return KindConnection
}
