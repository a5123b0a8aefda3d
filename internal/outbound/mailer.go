// Package outbound sends transactional email: admin notifications, visitor
// acknowledgements, and threaded replies. Every message it originates is
// recorded so later inbound replies correlate back to the customer.
package outbound

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	mail "github.com/wneessen/go-mail"

	"github.com/samikshajagne/minicrisp/internal/config"
	"github.com/samikshajagne/minicrisp/internal/customer"
)

// ThreadRecorder keeps the per-customer outbound correlation key.
type ThreadRecorder interface {
	RecordOutbound(ctx context.Context, customerID int64, messageKey string) error
	LastOutboundKey(ctx context.Context, customerID int64) (string, bool, error)
}

// Attachment is one file to send along with a reply.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// ReplyInput is an admin reply to a customer.
type ReplyInput struct {
	Text    string
	HTML    string
	Subject string
	CC      []string
	BCC     []string
	// FromAddress and FromPassword override the configured sender, letting a
	// reply go out through one of the monitored accounts.
	FromAddress  string
	FromPassword string
	Attachments  []Attachment
}

// Sender delivers one built message. Tests swap it out; production uses SMTP.
type Sender func(ctx context.Context, from, password string, msg *mail.Msg) error

// Mailer builds and sends the three outbound flows.
type Mailer struct {
	cfg     config.MailConfig
	threads ThreadRecorder
	send    Sender
	logger  *slog.Logger
}

// NewMailer creates a Mailer delivering through the configured SMTP relay.
func NewMailer(log *slog.Logger, cfg config.MailConfig, threads ThreadRecorder) *Mailer {
	if log == nil {
		log = slog.Default()
	}
	m := &Mailer{
		cfg:     cfg,
		threads: threads,
		logger:  log.With(slog.String("service", "outbound")),
	}
	m.send = m.smtpSend
	return m
}

// NotifyNewConversation tells the admin a visitor started (or continued) a
// conversation from the chat widget, and acknowledges the visitor. The admin
// notification's message id becomes the customer's new correlation key, so a
// mailbox reply to it lands in the right timeline.
func (m *Mailer) NotifyNewConversation(ctx context.Context, cust customer.Customer, text string) (string, error) {
	previous, _, err := m.threads.LastOutboundKey(ctx, cust.ID)
	if err != nil {
		return "", fmt.Errorf("load thread key: %w", err)
	}

	messageID := m.newMessageID()
	adminMsg, err := m.build(buildInput{
		to:        []string{m.cfg.AdminAddress},
		subject:   fmt.Sprintf("Conversation with %s", cust.Email),
		text:      fmt.Sprintf("You received a new message from %s:\n\n%s", cust.Email, text),
		messageID: messageID,
		inReplyTo: previous,
	})
	if err != nil {
		return "", err
	}
	if err := m.send(ctx, m.cfg.SelfAddress, m.cfg.Password, adminMsg); err != nil {
		return "", fmt.Errorf("send admin notification: %w", err)
	}

	if err := m.threads.RecordOutbound(ctx, cust.ID, messageID); err != nil {
		return "", fmt.Errorf("record outbound key: %w", err)
	}

	// The acknowledgement threads the visitor's own mail client onto the new
	// key. Its failure is logged, not fatal.
	ack, err := m.build(buildInput{
		to:        []string{cust.Email},
		subject:   "Your conversation with support",
		text:      fmt.Sprintf("You wrote:\n%s\n\nWe will reply shortly.", text),
		inReplyTo: messageID,
	})
	if err == nil {
		err = m.send(ctx, m.cfg.SelfAddress, m.cfg.Password, ack)
	}
	if err != nil {
		m.logger.Warn("visitor acknowledgement failed",
			slog.String("visitor", cust.Email),
			slog.Any("error", err),
		)
	}
	return messageID, nil
}

// ReplyToCustomer sends an admin reply into the customer's email thread. The
// reply's message id becomes the new correlation key so the customer's next
// reply-from-mail-client correlates directly.
func (m *Mailer) ReplyToCustomer(ctx context.Context, cust customer.Customer, in ReplyInput) (string, error) {
	if cust.Email == "" {
		return "", fmt.Errorf("customer %d has no email address", cust.ID)
	}
	previous, _, err := m.threads.LastOutboundKey(ctx, cust.ID)
	if err != nil {
		return "", fmt.Errorf("load thread key: %w", err)
	}

	subject := in.Subject
	if subject == "" {
		subject = fmt.Sprintf("Re: Conversation with %s", cust.Email)
	}
	messageID := m.newMessageID()
	msg, err := m.build(buildInput{
		to:          []string{cust.Email},
		cc:          in.CC,
		bcc:         in.BCC,
		subject:     subject,
		text:        in.Text,
		html:        in.HTML,
		messageID:   messageID,
		inReplyTo:   previous,
		attachments: in.Attachments,
	})
	if err != nil {
		return "", err
	}

	from, password := m.cfg.SelfAddress, m.cfg.Password
	if in.FromAddress != "" {
		from, password = in.FromAddress, in.FromPassword
	}
	if err := m.send(ctx, from, password, msg); err != nil {
		return "", fmt.Errorf("send reply: %w", err)
	}

	if err := m.threads.RecordOutbound(ctx, cust.ID, messageID); err != nil {
		return "", fmt.Errorf("record outbound key: %w", err)
	}
	return messageID, nil
}

type buildInput struct {
	to          []string
	cc          []string
	bcc         []string
	subject     string
	text        string
	html        string
	messageID   string
	inReplyTo   string
	attachments []Attachment
}

func (m *Mailer) build(in buildInput) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.To(in.to...); err != nil {
		return nil, fmt.Errorf("set to: %w", err)
	}
	if len(in.cc) > 0 {
		if err := msg.Cc(in.cc...); err != nil {
			return nil, fmt.Errorf("set cc: %w", err)
		}
	}
	if len(in.bcc) > 0 {
		if err := msg.Bcc(in.bcc...); err != nil {
			return nil, fmt.Errorf("set bcc: %w", err)
		}
	}
	msg.Subject(in.subject)
	if in.html != "" {
		msg.SetBodyString(mail.TypeTextHTML, in.html)
		msg.AddAlternativeString(mail.TypeTextPlain, in.text)
	} else {
		msg.SetBodyString(mail.TypeTextPlain, in.text)
	}

	if in.messageID != "" {
		msg.SetMessageIDWithValue(in.messageID)
	} else {
		msg.SetMessageID()
	}
	if in.inReplyTo != "" {
		ref := "<" + in.inReplyTo + ">"
		msg.SetGenHeader(mail.HeaderInReplyTo, ref)
		msg.SetGenHeader(mail.HeaderReferences, ref)
	}

	for _, a := range in.attachments {
		if err := msg.AttachReader(a.Filename, bytes.NewReader(a.Data)); err != nil {
			return nil, fmt.Errorf("attach %s: %w", a.Filename, err)
		}
	}
	return msg, nil
}

func (m *Mailer) smtpSend(ctx context.Context, from, password string, msg *mail.Msg) error {
	if err := msg.From(from); err != nil {
		return fmt.Errorf("set from: %w", err)
	}
	client, err := mail.NewClient(m.cfg.SMTPHost,
		mail.WithPort(m.cfg.SMTPPort),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(from),
		mail.WithPassword(password),
		mail.WithTLSPolicy(mail.TLSMandatory),
	)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}

func (m *Mailer) newMessageID() string {
	domain := m.cfg.MessageIDDomain
	if domain == "" {
		domain = "mini-crisp"
	}
	return fmt.Sprintf("%s@%s", uuid.NewString(), domain)
}
