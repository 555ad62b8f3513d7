package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strconv"

	"github.com/example/gym-sniper/internal/config"
	"github.com/example/gym-sniper/internal/logger"
	"github.com/example/gym-sniper/internal/metrics"
)

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Mailer sends events as plain-text email over SMTP.
type Mailer struct {
	cfg      config.Email
	sendMail sendMailFunc
}

func NewMailer(cfg config.Email) *Mailer {
	return &Mailer{cfg: cfg, sendMail: smtp.SendMail}
}

func (m *Mailer) Send(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := fmt.Sprintf("From: %s\r\n", m.cfg.From)
	msg += fmt.Sprintf("To: %s\r\n", m.cfg.To)
	msg += fmt.Sprintf("Subject: %s\r\n", e.Subject())
	msg += "Content-Type: text/plain; charset=utf-8\r\n"
	msg += "\r\n" + e.Body()

	var auth smtp.Auth
	if m.cfg.Username != "" && m.cfg.Password != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.SMTPServer)
	}
	addr := m.cfg.SMTPServer + ":" + strconv.Itoa(m.cfg.SMTPPort)
	if err := m.sendMail(addr, auth, m.cfg.From, []string{m.cfg.To}, []byte(msg)); err != nil {
		metrics.RecordNotification("smtp", "failed")
		return fmt.Errorf("send email: %w", err)
	}
	metrics.RecordNotification("smtp", "sent")
	logger.Info("notification email sent", "class_id", e.ClassID, "outcome", e.Outcome)
	return nil
}
