// Package notify sends the best-effort registration emails. Mail failures
// are logged and never change a registration outcome.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/mail"
	"net/smtp"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"text/template"
	"time"

	"go.uber.org/zap"

	"datastore/pkg/domain"
)

// Message is one plain-text mail.
type Message struct {
	To      []string
	Subject string
	Body    string
}

// Mailer delivers messages.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// Config selects the mailer.
type Config struct {
	// Kind is none, file or smtp.
	Kind              string   `mapstructure:"kind"`
	Dir               string   `mapstructure:"dir"`
	SMTPServerAddress string   `mapstructure:"smtp-server-address"`
	From              string   `mapstructure:"from"`
	Recipients        []string `mapstructure:"recipients"`
	// AuthType is plain or nologin.
	AuthType string `mapstructure:"auth-type"`
	Login    string `mapstructure:"login"`
	Password string `mapstructure:"password"`
}

// New builds the configured mailer.
func New(cfg Config) (Mailer, error) {
	switch strings.ToLower(cfg.Kind) {
	case "", "none":
		return Noop{}, nil
	case "file":
		if cfg.Dir == "" {
			return nil, domain.ConfigurationError.New("file mailer requires dir")
		}
		return NewFileMailer(cfg.Dir, cfg.From), nil
	case "smtp":
		return NewSMTPMailer(cfg)
	default:
		return nil, domain.ConfigurationError.New("unknown mailer kind %q", cfg.Kind)
	}
}

// Noop drops every message.
type Noop struct{}

func (Noop) Send(context.Context, Message) error { return nil }

// FileMailer writes each message as an RFC 822 style file into a directory.
type FileMailer struct {
	dir  string
	from string
	seq  atomic.Int64
}

// NewFileMailer writes into dir.
func NewFileMailer(dir, from string) *FileMailer {
	if from == "" {
		from = "datastore@localhost"
	}
	return &FileMailer{dir: dir, from: from}
}

func (m *FileMailer) Send(_ context.Context, msg Message) error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return err
	}
	now := time.Now()
	name := fmt.Sprintf("%s-%04d.eml", now.UTC().Format("20060102T150405.000000000"), m.seq.Add(1))
	return os.WriteFile(filepath.Join(m.dir, name), render(m.from, msg, now), 0o644)
}

// SMTPMailer delivers through an SMTP relay.
type SMTPMailer struct {
	from    mail.Address
	address string
	auth    smtp.Auth
	send    func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPMailer validates the sender and server address.
func NewSMTPMailer(cfg Config) (*SMTPMailer, error) {
	from, err := mail.ParseAddress(cfg.From)
	if err != nil {
		return nil, domain.ConfigurationError.New("SMTP from address '%s' couldn't be parsed: %v", cfg.From, err)
	}
	host, _, err := net.SplitHostPort(cfg.SMTPServerAddress)
	if err != nil {
		return nil, domain.ConfigurationError.New("SMTP server address '%s' couldn't be parsed: %v", cfg.SMTPServerAddress, err)
	}
	m := &SMTPMailer{from: *from, address: cfg.SMTPServerAddress, send: smtp.SendMail}
	switch strings.ToLower(cfg.AuthType) {
	case "", "nologin":
	case "plain":
		m.auth = smtp.PlainAuth("", cfg.Login, cfg.Password, host)
	default:
		return nil, domain.ConfigurationError.New("unknown SMTP auth type %q", cfg.AuthType)
	}
	return m, nil
}

func (m *SMTPMailer) Send(_ context.Context, msg Message) error {
	if len(msg.To) == 0 {
		return nil
	}
	return m.send(m.address, m.auth, m.from.Address, msg.To, render(m.from.String(), msg, time.Now()))
}

func render(from string, msg Message, date time.Time) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(msg.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	fmt.Fprintf(&b, "Date: %s\r\n", date.Format(time.RFC1123Z))
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))
	return b.Bytes()
}

// Recording keeps messages in memory.
type Recording struct {
	mu       sync.Mutex
	messages []Message
}

func (r *Recording) Send(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	return nil
}

// Messages returns a copy of what was sent.
func (r *Recording) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

var (
	successSubject = template.Must(template.New("success-subject").Parse(
		`Success: data set {{.Code}} registered`))
	successBody = template.Must(template.New("success-body").Parse(
		`Data set '{{.Code}}'{{with .Sample}} for sample '{{.}}'{{end}}{{with .Experiment}} of experiment '{{.}}'{{end}} has been successfully registered.

Incoming: {{.Incoming}}
Location: {{.Location}}
`))
	failureSubject = template.Must(template.New("failure-subject").Parse(
		`Failure: registration of {{.Incoming}} failed`))
	failureBody = template.Must(template.New("failure-body").Parse(
		`Registration of '{{.Incoming}}'{{with .Code}} as data set '{{.}}'{{end}} failed and has been rolled back.

Reason: {{.Reason}}
`))
)

type mailData struct {
	Code       string
	Sample     string
	Experiment string
	Incoming   string
	Location   string
	Reason     string
}

func execute(t *template.Template, data mailData) string {
	var b bytes.Buffer
	if err := t.Execute(&b, data); err != nil {
		return t.Name() + ": " + err.Error()
	}
	return b.String()
}

// Notifier renders the fixed templates and sends them to the configured
// recipients.
type Notifier struct {
	mailer     Mailer
	recipients []string
	log        *zap.Logger
}

// NewNotifier returns a notifier; log receives delivery failures.
func NewNotifier(mailer Mailer, recipients []string, log *zap.Logger) *Notifier {
	if mailer == nil {
		mailer = Noop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Notifier{mailer: mailer, recipients: recipients, log: log}
}

// Success announces a registered dataset.
func (n *Notifier) Success(ctx context.Context, info domain.DataSetInformation, location string) {
	data := mailData{Code: info.DataSetCode, Incoming: info.IncomingName, Location: location}
	if info.SampleIdentifier != nil {
		data.Sample = info.SampleIdentifier.String()
	}
	if info.ExperimentIdentifier != nil {
		data.Experiment = info.ExperimentIdentifier.String()
	}
	n.send(ctx, Message{To: n.recipients, Subject: execute(successSubject, data), Body: execute(successBody, data)})
}

// Failure announces a rolled back registration.
func (n *Notifier) Failure(ctx context.Context, incoming, code string, cause error) {
	data := mailData{Code: code, Incoming: incoming}
	if cause != nil {
		data.Reason = cause.Error()
	}
	n.send(ctx, Message{To: n.recipients, Subject: execute(failureSubject, data), Body: execute(failureBody, data)})
}

func (n *Notifier) send(ctx context.Context, msg Message) {
	if err := n.mailer.Send(ctx, msg); err != nil {
		n.log.Warn("could not send notification", zap.String("subject", msg.Subject), zap.Error(err))
	}
}
