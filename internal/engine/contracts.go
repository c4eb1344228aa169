// Package engine runs the job-vending pipeline: it subscribes to job
// requests, executes them against the inference backend, invoices the
// requester and reconciles invoice payments in the background.
package engine

import (
	"context"

	"github.com/iago/llm-dvm/internal/domain"
	"github.com/iago/llm-dvm/internal/nostr"
)

// RelayGateway is the pubsub transport. *relay.Pool satisfies it.
type RelayGateway interface {
	Subscribe(
		ctx context.Context,
		relays []string,
		filters []nostr.Filter,
		onEvent nostr.EventHandler,
		onEOSE func(relay string),
	) (nostr.Subscription, error)
	Publish(ctx context.Context, relays []string, event nostr.Event) error
}

// SettingsProvider resolves the operating settings. The result is a fresh
// snapshot on every call and must not be cached across jobs.
type SettingsProvider interface {
	Resolve(ctx context.Context) (domain.EffectiveConfig, error)
}
