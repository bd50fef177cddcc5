package notify

import (
	"fmt"
	"net/smtp"

	"go.uber.org/zap"

	"github.com/sparkd-app/sparkd/config"
)

// EmailSender dispatches fire-and-forget mail for high-importance
// notification types.
type EmailSender interface {
	Send(to, subject, body string) error
}

type smtpSender struct {
	log  *zap.Logger
	addr string
	from string
}

func NewSMTPSender(cfg config.EmailConfig, log *zap.Logger) EmailSender {
	return &smtpSender{log: log, addr: cfg.SMTPAddr, from: cfg.From}
}

func (s *smtpSender) Send(to, subject, body string) error {
	if s.addr == "" {
		s.log.Debug("smtp not configured, email skipped", zap.String("to", to))
		return nil
	}
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n", s.from, to, subject, body)
	return smtp.SendMail(s.addr, nil, s.from, []string{to}, []byte(msg))
}
