package policy

import (
	"errors"
	"strings"
	"unicode/utf8"
)

var ErrContentPolicyViolation = errors.New("content policy violation")

type Violation struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Evaluation struct {
	Allowed    bool        `json:"allowed"`
	Violations []Violation `json:"violations,omitempty"`
}

type PolicyViolationError struct {
	Violations []Violation
}

func (e *PolicyViolationError) Error() string {
	if len(e.Violations) == 0 {
		return ErrContentPolicyViolation.Error()
	}
	return "content policy violation: " + e.Violations[0].Message
}

func (e *PolicyViolationError) Unwrap() error {
	return ErrContentPolicyViolation
}

// PromptPolicy screens job prompts before any inference is spent on them.
// The zero value allows everything.
type PromptPolicy struct {
	// MaxPromptChars counts runes; zero disables the limit.
	MaxPromptChars int
	// BlockedTerms are matched case-insensitively as substrings.
	BlockedTerms []string
}

func NewPromptPolicy(maxPromptChars int, blockedTerms []string) *PromptPolicy {
	terms := make([]string, 0, len(blockedTerms))
	seen := make(map[string]struct{}, len(blockedTerms))
	for _, term := range blockedTerms {
		normalized := strings.ToLower(strings.TrimSpace(term))
		if normalized == "" {
			continue
		}
		if _, exists := seen[normalized]; exists {
			continue
		}
		seen[normalized] = struct{}{}
		terms = append(terms, normalized)
	}
	if maxPromptChars < 0 {
		maxPromptChars = 0
	}
	return &PromptPolicy{MaxPromptChars: maxPromptChars, BlockedTerms: terms}
}

func (p *PromptPolicy) Evaluate(prompt string) Evaluation {
	if p == nil {
		return Evaluation{Allowed: true}
	}

	violations := make([]Violation, 0, 2)
	if p.MaxPromptChars > 0 && utf8.RuneCountInString(prompt) > p.MaxPromptChars {
		violations = append(violations, Violation{
			Code:    "prompt_too_large",
			Message: "prompt exceeds the size limit",
		})
	}

	content := strings.ToLower(prompt)
	for _, term := range p.BlockedTerms {
		if strings.Contains(content, term) {
			violations = append(violations, Violation{
				Code:    "blocked_term",
				Message: "prompt contains content blocked by policy",
			})
			break
		}
	}

	if len(violations) == 0 {
		return Evaluation{Allowed: true}
	}
	return Evaluation{Allowed: false, Violations: violations}
}

// Enforce returns a *PolicyViolationError when the prompt is not allowed.
func (p *PromptPolicy) Enforce(prompt string) error {
	evaluation := p.Evaluate(prompt)
	if evaluation.Allowed {
		return nil
	}
	return &PolicyViolationError{Violations: evaluation.Violations}
}
