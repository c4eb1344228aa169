package dvm

import (
	"strconv"
	"unicode/utf8"

	"github.com/iago/llm-dvm/internal/nostr"
)

type FeedbackStatus string

const (
	StatusProcessing      FeedbackStatus = "processing"
	StatusPaymentRequired FeedbackStatus = "payment-required"
	StatusSuccess         FeedbackStatus = "success"
	StatusError           FeedbackStatus = "error"
	StatusPartial         FeedbackStatus = "partial"

	statusDetailLimit = 256
)

// FeedbackParams describes a kind 7000 message. RoutingIdentity fills the
// `p` tag and may be empty.
type FeedbackParams struct {
	Status          FeedbackStatus
	Detail          string
	RequestID       string
	RelayHint       string
	RoutingIdentity string
	AmountMillisats int64
	Bolt11          string
}

// BuildFeedback returns an unsigned feedback event.
func BuildFeedback(params FeedbackParams) nostr.Event {
	statusTag := nostr.Tag{TagStatus, string(params.Status)}
	content := ""

	switch params.Status {
	case StatusPartial:
		content = params.Detail
	case StatusError:
		if params.Detail != "" {
			statusTag = append(statusTag, Truncate(params.Detail, statusDetailLimit))
		}
		if utf8.RuneCountInString(params.Detail) > statusDetailLimit {
			content = params.Detail
		}
	default:
		if params.Detail != "" {
			statusTag = append(statusTag, Truncate(params.Detail, statusDetailLimit))
		}
	}

	tags := nostr.Tags{statusTag, eventRefTag(params.RequestID, params.RelayHint)}
	if params.RoutingIdentity != "" {
		tags = append(tags, nostr.Tag{TagPubKey, params.RoutingIdentity})
	}
	if amount := amountTag(params.AmountMillisats, params.Bolt11); amount != nil {
		tags = append(tags, amount)
	}

	return nostr.Event{
		Kind:    nostr.KindJobFeedback,
		Tags:    tags,
		Content: content,
	}
}

// ResultParams describes a job result. Content is already encrypted when
// Encrypted is set.
type ResultParams struct {
	Request         nostr.Event
	RelayHint       string
	RoutingIdentity string
	Content         string
	Encrypted       bool
	AmountMillisats int64
	Bolt11          string
}

// BuildResult returns an unsigned result event of kind request+1000.
func BuildResult(params ResultParams) nostr.Event {
	tags := nostr.Tags{
		{TagRequest, params.Request.JSON()},
		eventRefTag(params.Request.ID, params.RelayHint),
	}
	if params.RoutingIdentity != "" {
		tags = append(tags, nostr.Tag{TagPubKey, params.RoutingIdentity})
	}
	if amount := amountTag(params.AmountMillisats, params.Bolt11); amount != nil {
		tags = append(tags, amount)
	}
	if params.Encrypted {
		tags = append(tags, nostr.Tag{TagEncrypted})
	}
	for _, input := range params.Request.Tags.FindAll(TagInput) {
		tags = append(tags, append(nostr.Tag(nil), input...))
	}

	return nostr.Event{
		Kind:    ResultKind(params.Request.Kind),
		Tags:    tags,
		Content: params.Content,
	}
}

// ResultKind maps a request kind to its result kind inside 6000-6999.
func ResultKind(requestKind int) int {
	kind := requestKind + 1000
	if kind < nostr.KindJobResultMin {
		return nostr.KindJobResultMin
	}
	if kind > nostr.KindJobResultMax {
		return nostr.KindJobResultMax
	}
	return kind
}

func eventRefTag(requestID, relayHint string) nostr.Tag {
	tag := nostr.Tag{TagEvent, requestID}
	if relayHint != "" {
		tag = append(tag, relayHint)
	}
	return tag
}

func amountTag(millisats int64, bolt11 string) nostr.Tag {
	if millisats <= 0 {
		return nil
	}
	tag := nostr.Tag{TagAmount, strconv.FormatInt(millisats, 10)}
	if bolt11 != "" {
		tag = append(tag, bolt11)
	}
	return tag
}
