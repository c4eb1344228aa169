package nostr

// EventHandler receives an event delivered by relay.
type EventHandler func(relay string, event Event)

// Subscription is a live REQ across one or more relays.
type Subscription interface {
	Unsubscribe()
}
