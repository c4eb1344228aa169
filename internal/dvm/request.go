// Package dvm implements the NIP-90 job protocol pieces that do no I/O:
// request parsing, pricing and the feedback/result message builders.
package dvm

import (
	"encoding/json"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/iago/llm-dvm/internal/domain"
	"github.com/iago/llm-dvm/internal/nostr"
)

const (
	InputTypeURL   = "url"
	InputTypeEvent = "event"
	InputTypeJob   = "job"
	InputTypeText  = "text"

	TagInput     = "i"
	TagParam     = "param"
	TagOutput    = "output"
	TagBid       = "bid"
	TagEncrypted = "encrypted"
	TagRelays    = "relays"
	TagRequest   = "request"
	TagAmount    = "amount"
	TagStatus    = "status"
	TagEvent     = "e"
	TagPubKey    = "p"

	inputSummaryLimit = 120
)

// Input is one `i` tag: value, type and optional relay hint and marker.
type Input struct {
	Value     string
	Type      string
	RelayHint string
	Marker    string
}

func (i Input) Tag() nostr.Tag {
	tag := nostr.Tag{TagInput, i.Value, i.Type}
	if i.RelayHint != "" || i.Marker != "" {
		tag = append(tag, i.RelayHint)
	}
	if i.Marker != "" {
		tag = append(tag, i.Marker)
	}
	return tag
}

// JobRequest is a validated job request.
type JobRequest struct {
	ID                string
	RequesterIdentity string
	Kind              int
	Inputs            []Input
	Params            map[string]string
	IsEncrypted       bool
	Output            string
	BidMillisats      int64
	Relays            []string
	TargetIdentity    string
	// Event is the request exactly as received.
	Event nostr.Event
}

// IsEncrypted reports whether the request payload is encrypted to the provider.
func IsEncrypted(event nostr.Event) bool {
	return event.Tags.Has(TagEncrypted)
}

// DecodeEncryptedTags parses the decrypted content of an encrypted request,
// a JSON array of tags.
func DecodeEncryptedTags(plaintext string) (nostr.Tags, error) {
	var tags nostr.Tags
	if err := json.Unmarshal([]byte(plaintext), &tags); err != nil {
		return nil, domain.NewRequestError("encrypted payload is not a tag list", err)
	}
	return tags, nil
}

// ParseJobRequest extracts inputs and params from tags, which are either the
// event's own tags or the decrypted tag list of an encrypted request.
func ParseJobRequest(event nostr.Event, tags nostr.Tags) (JobRequest, error) {
	request := JobRequest{
		ID:                event.ID,
		RequesterIdentity: event.PubKey,
		Kind:              event.Kind,
		Params:            make(map[string]string),
		IsEncrypted:       IsEncrypted(event),
		Event:             event,
	}
	if target := event.Tags.Find(TagPubKey); target != nil {
		request.TargetIdentity = target.Value()
	}

	for _, tag := range tags {
		switch tag.Name() {
		case TagInput:
			if len(tag) < 2 {
				continue
			}
			request.Inputs = append(request.Inputs, Input{
				Value:     tag.At(1),
				Type:      strings.ToLower(strings.TrimSpace(tag.At(2))),
				RelayHint: tag.At(3),
				Marker:    tag.At(4),
			})
		case TagParam:
			key := strings.TrimSpace(tag.At(1))
			if key == "" {
				continue
			}
			request.Params[key] = tag.At(2)
		case TagOutput:
			request.Output = tag.Value()
		case TagBid:
			if bid, err := strconv.ParseInt(strings.TrimSpace(tag.Value()), 10, 64); err == nil && bid > 0 {
				request.BidMillisats = bid
			}
		case TagRelays:
			request.Relays = append(request.Relays, tag[1:]...)
		}
	}

	if len(request.Inputs) == 0 {
		return JobRequest{}, domain.NewRequestError("no inputs provided", nil)
	}
	prompt, ok := request.Prompt()
	if !ok {
		return JobRequest{}, domain.NewRequestError("no text input provided", nil)
	}
	if strings.TrimSpace(prompt) == "" {
		return JobRequest{}, domain.NewRequestError("text input is empty", nil)
	}
	return request, nil
}

// Prompt returns the value of the first text input.
func (r JobRequest) Prompt() (string, bool) {
	for _, input := range r.Inputs {
		if input.Type == InputTypeText {
			return input.Value, true
		}
	}
	return "", false
}

// InputSummary is a short human-readable description of the request input.
func (r JobRequest) InputSummary() string {
	prompt, ok := r.Prompt()
	if !ok {
		return ""
	}
	return Truncate(strings.TrimSpace(prompt), inputSummaryLimit)
}

// Truncate cuts value to at most limit characters.
func Truncate(value string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if utf8.RuneCountInString(value) <= limit {
		return value
	}
	runes := []rune(value)
	return string(runes[:limit])
}
