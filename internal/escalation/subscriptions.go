package escalation

import (
	"fmt"
	"time"

	"github.com/davidbz/markl/internal/config"
	"github.com/davidbz/markl/internal/domain"
)

// BuildSubscriptions turns enabled channel definitions into subscriptions.
func BuildSubscriptions(channels []config.EscalationChannel, timeout time.Duration) ([]domain.ChannelSubscription, error) {
	subs := make([]domain.ChannelSubscription, 0, len(channels))
	for _, def := range channels {
		if !def.IsEnabled() {
			continue
		}

		var channel domain.EscalationChannel
		switch def.Type {
		case config.ChannelWebhook:
			channel = NewWebhookChannel(def.Name, def.Target, def.Headers, timeout)
		case config.ChannelSlack:
			channel = NewSlackChannel(def.Name, def.Target, timeout)
		default:
			return nil, fmt.Errorf("unsupported channel type %q", def.Type)
		}

		subs = append(subs, domain.ChannelSubscription{
			Channel:    channel,
			Categories: def.Categories,
		})
	}
	return subs, nil
}
