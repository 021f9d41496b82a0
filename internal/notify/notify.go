// Package notify emails a summary when a bulk assignment run completes.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kigo-pro/assignq/internal/assignment"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// maxListedFailures caps the failed items listed in one email.
const maxListedFailures = 20

type Sender interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

type Config struct {
	APIKey      string
	FromName    string
	FromAddress string
	To          []string
}

type Notifier struct {
	sender Sender
	from   *mail.Email
	to     []string
}

func NewNotifier(cfg Config) *Notifier {
	return NewNotifierWithSender(sendgrid.NewSendClient(cfg.APIKey), cfg)
}

func NewNotifierWithSender(sender Sender, cfg Config) *Notifier {
	return &Notifier{
		sender: sender,
		from:   mail.NewEmail(cfg.FromName, cfg.FromAddress),
		to:     cfg.To,
	}
}

func (n *Notifier) NotifyCompletion(ctx context.Context, run assignment.Run, stats assignment.Stats, failed []assignment.Item) error {
	if len(n.to) == 0 {
		return errors.New("no recipients configured")
	}

	m := mail.NewV3Mail()
	m.SetFrom(n.from)
	m.Subject = subject(run, stats)

	p := mail.NewPersonalization()
	for _, addr := range n.to {
		p.AddTos(mail.NewEmail("", addr))
	}
	m.AddPersonalizations(p)
	m.AddContent(mail.NewContent("text/plain", body(run, stats, failed)))

	response, err := n.sender.SendWithContext(ctx, m)
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	if response.StatusCode >= 400 {
		return fmt.Errorf("sendgrid error: status %d", response.StatusCode)
	}

	return nil
}

func subject(run assignment.Run, stats assignment.Stats) string {
	kind := "Bulk assignment"
	if run.Kind == assignment.RunRetry {
		kind = "Assignment retry"
	}

	return fmt.Sprintf("%s to %s completed: %d/%d successful", kind, run.TargetID, stats.Successful, stats.Total)
}

func body(run assignment.Run, stats assignment.Stats, failed []assignment.Item) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Run %s finished for filter %s.\n\n", run.ID, run.TargetID)
	fmt.Fprintf(&b, "Total: %d\nSuccessful: %d\nFailed: %d\n", stats.Total, stats.Successful, stats.Failed)
	if run.FinishedAt != nil {
		fmt.Fprintf(&b, "Duration: %s\n", run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond))
	}

	if len(failed) == 0 {
		return b.String()
	}

	b.WriteString("\nFailed items:\n")
	for i, it := range failed {
		if i == maxListedFailures {
			fmt.Fprintf(&b, "... and %d more\n", len(failed)-maxListedFailures)
			break
		}
		name := it.DisplayName
		if name == "" {
			name = it.ID
		}
		fmt.Fprintf(&b, "- %s: %s\n", name, it.Error)
	}

	return b.String()
}
