package scheduler

import (
	"fmt"

	goslack "github.com/slack-go/slack"

	"github.com/cuemby/sandboxd/pkg/log"
	"github.com/cuemby/sandboxd/pkg/types"
	"github.com/rs/zerolog"
)

// Notifier posts a Slack incoming-webhook message when a tenant's sandbox
// lands on Errored (spec §4.1a). Unlike pkg/security or pkg/storage, which
// act on every tenant the same way, each tenant carries its own webhook URL
// (Tenant.NotifyWebhook), so there's no single configured channel to post
// to — PostWebhook is called per-tenant, per-event.
type Notifier struct {
	logger zerolog.Logger
}

// NewNotifier returns a ready Notifier.
func NewNotifier() *Notifier {
	return &Notifier{logger: log.WithComponent("notifier")}
}

// NotifyErrored posts a best-effort, fire-and-forget alert to tenant's
// webhook. Failures are logged at Warn and never propagate: a broken
// webhook URL must not block the scheduler's dispatch loop.
func (n *Notifier) NotifyErrored(tenant *types.Tenant) {
	if tenant.NotifyWebhook == "" {
		return
	}

	msg := &goslack.WebhookMessage{
		Text: fmt.Sprintf(":rotating_light: sandbox *%s* entered Errored (%s)", tenant.Name, tenant.State.ErrKind),
	}

	go func() {
		if err := goslack.PostWebhook(tenant.NotifyWebhook, msg); err != nil {
			n.logger.Warn().Err(err).Str("tenant", tenant.Name).Msg("failed to post errored notification")
		}
	}()
}
