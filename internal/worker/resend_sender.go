package worker

import (
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/resend/resend-go/v2"
	"go.uber.org/zap"

	"github.com/sproutogroup/dealernotify/internal/notify"
)

// ResendSender sends email through the Resend API.
type ResendSender struct {
	client *resend.Client
	from   string
	logger *zap.Logger
}

func NewResendSender(client *resend.Client, from string, logger *zap.Logger) *ResendSender {
	if from == "" {
		from = "onboarding@resend.dev"
	}
	return &ResendSender{client: client, from: from, logger: logger}
}

func (s *ResendSender) Channel() notify.Channel {
	return notify.ChannelEmail
}

func (s *ResendSender) Send(ctx context.Context, item *notify.QueueItem) error {
	to := item.Contact.Email
	if to == "" {
		return fmt.Errorf("%w: email", ErrNoContact)
	}

	sent, err := s.client.Emails.SendWithContext(ctx, &resend.SendEmailRequest{
		From:    s.from,
		To:      []string{to},
		Subject: item.Request.Title,
		Html:    emailHTML(item.Request),
		Text:    messageText(item.Request),
	})
	if err != nil {
		return fmt.Errorf("failed to send email via Resend: %w", err)
	}

	s.logger.Info("email sent via Resend",
		zap.String("notification_id", item.NotificationID.String()),
		zap.String("to", to),
		zap.String("message_id", sent.Id),
	)
	return nil
}

func emailHTML(req notify.Request) string {
	var b strings.Builder
	b.WriteString("<h2>")
	b.WriteString(html.EscapeString(req.Title))
	b.WriteString("</h2>")
	for _, para := range strings.Split(req.Body, "\n\n") {
		if para == "" {
			continue
		}
		b.WriteString("<p>")
		b.WriteString(html.EscapeString(para))
		b.WriteString("</p>")
	}
	if req.ActionURL != "" {
		fmt.Fprintf(&b, `<p><a href="%s">View details</a></p>`, html.EscapeString(req.ActionURL))
	}
	return b.String()
}
