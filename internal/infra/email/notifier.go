package email

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gopkg.in/gomail.v2"
)

type sender interface {
	DialAndSend(m ...*gomail.Message) error
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type SMTPNotifier struct {
	from   string
	dialer sender
	logger *zap.Logger
}

func NewSMTPNotifier(cfg SMTPConfig, logger *zap.Logger) *SMTPNotifier {
	return &SMTPNotifier{
		from:   cfg.From,
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		logger: logger,
	}
}

func (n *SMTPNotifier) NotifyFailure(_ context.Context, userEmail, referenceID, subject, errorMsg string) error {
	msg := gomail.NewMessage()
	msg.SetHeader("From", n.from)
	msg.SetHeader("To", userEmail)
	msg.SetHeader("Subject", fmt.Sprintf("LayerX - Processing Failed [%s]", referenceID))
	msg.SetBody("text/plain", fmt.Sprintf(
		"Hello,\r\n\r\n"+
			"Processing could not be completed.\r\n\r\n"+
			"Reference: %s\r\n"+
			"Item: %s\r\n"+
			"Error: %s\r\n\r\n"+
			"Please resubmit or contact support.\r\n\r\n"+
			"-- LayerX Content Processing",
		referenceID, subject, errorMsg,
	))

	if err := n.dialer.DialAndSend(msg); err != nil {
		n.logger.Error("failed to send failure notification email",
			zap.String("to", userEmail),
			zap.String("reference_id", referenceID),
			zap.Error(err),
		)
		return fmt.Errorf("send email: %w", err)
	}

	n.logger.Info("failure notification email sent",
		zap.String("to", userEmail),
		zap.String("reference_id", referenceID),
	)
	return nil
}
