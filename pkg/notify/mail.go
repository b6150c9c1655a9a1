package notify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
)

// DefaultServerURL is the public URL used in result links when none is
// configured.
const DefaultServerURL = "https://imputationserver.sph.umich.edu"

// NoRecipientMessage is shown to the user when notification is enabled but
// no address is on file.
const NoRecipientMessage = "No email address found. Please enter your email address (Account -> Profile)."

// ErrNoRecipient is returned when a mail has no recipient.
var ErrNoRecipient = errors.New("no recipient email address")

// Message is a plain-text mail.
type Message struct {
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
}

// Mailer delivers messages.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPConfig configures SMTPMailer.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPMailer sends mail through an SMTP relay with PLAIN auth when a
// username is set.
type SMTPMailer struct {
	cfg  SMTPConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	if cfg.Port == 0 {
		cfg.Port = 25
	}
	return &SMTPMailer{cfg: cfg, send: smtp.SendMail}
}

func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	if len(msg.To) == 0 {
		return ErrNoRecipient
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}
	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	if err := m.send(addr, auth, m.cfg.From, msg.To, m.render(msg)); err != nil {
		return fmt.Errorf("send mail via %s: %w", addr, err)
	}
	return nil
}

func (m *SMTPMailer) render(msg Message) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", m.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(msg.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return []byte(b.String())
}

// CompletionSubject is the subject of the mail sent when a job completes.
func CompletionSubject(jobID string) string {
	return "Job " + jobID + " is complete."
}

// ResultsLink is the download page of a job.
func ResultsLink(serverURL, jobID string) string {
	if serverURL == "" {
		serverURL = DefaultServerURL
	}
	return strings.TrimSuffix(serverURL, "/") + "/start.html#!jobs/" + jobID + "/results"
}

// CompletionBody is the body of the completion mail.
func CompletionBody(userName, password, link string) string {
	return "Dear " + userName + ",\nthe password for the imputation results is: " + password +
		"\n\nThe results can be downloaded from " + link
}

// DisabledMessage is reported when no mail is sent and archives carry the
// default password.
func DisabledMessage(password string) string {
	return "Email notification (and therefore encryption) is disabled. All results are encrypted with password <b>" + password + "</b>"
}

// SentMessage is reported after the password mail went out.
func SentMessage(address string) string {
	return "We have sent an email to <b>" + address + "</b> with the password."
}

// Recipient is the user a run belongs to.
type Recipient struct {
	Name  string
	Email string
}

// Notifier reports the archive password once a run is exported.
type Notifier struct {
	// Enabled selects mail delivery. When false the password is shown in
	// the task message instead.
	Enabled   bool
	ServerURL string
	Mailer    Mailer
	Sink      Sink
}

// Notify delivers password for jobID. Failures are reported to the sink as
// errors and returned; they never change the run's computational result.
func (n *Notifier) Notify(ctx context.Context, jobID string, to Recipient, password string) error {
	sink := n.Sink
	if sink == nil {
		sink = Discard{}
	}

	if !n.Enabled {
		sink.EndTask(DisabledMessage(password), StatusOK)
		return nil
	}
	if strings.TrimSpace(to.Email) == "" {
		sink.EndTask(NoRecipientMessage, StatusError)
		return ErrNoRecipient
	}
	if n.Mailer == nil {
		err := errors.New("no mailer configured")
		sink.EndTask("Sending notification failed: "+err.Error(), StatusError)
		return err
	}

	msg := Message{
		To:      []string{to.Email},
		Subject: CompletionSubject(jobID),
		Body:    CompletionBody(to.Name, password, ResultsLink(n.ServerURL, jobID)),
	}
	if err := n.Mailer.Send(ctx, msg); err != nil {
		sink.EndTask("Sending notification failed: "+err.Error(), StatusError)
		return err
	}
	sink.EndTask(SentMessage(to.Email), StatusOK)
	return nil
}
