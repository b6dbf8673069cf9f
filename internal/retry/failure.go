package retry

import (
	"strings"

	"github.com/KingEverett/Hermes-sub000/internal/store"
)

// Failure is the structured form of a task error as reported by the
// feed: a kind tag (the error class name, possibly qualified) plus the
// message. Matching never uses reflection; it is all on these two
// strings.
type Failure struct {
	Kind    string
	Message string
	Trace   string
}

func (f Failure) Empty() bool {
	return f.Kind == "" && f.Message == ""
}

// ParseFailure builds a Failure from the feed's exception string, which
// is conventionally "Kind: message". A string with no separator becomes
// the kind alone.
func ParseFailure(exception, trace string) Failure {
	kind, msg, found := strings.Cut(exception, ": ")
	if !found {
		return Failure{Kind: strings.TrimSpace(exception), Trace: trace}
	}
	return Failure{Kind: strings.TrimSpace(kind), Message: strings.TrimSpace(msg), Trace: trace}
}

// Matches reports whether a configuration entry applies to this failure:
// exact kind, qualified-kind final segment, or case-insensitive substring
// of the message.
func (f Failure) Matches(entry string) bool {
	if entry == "" {
		return false
	}
	if f.Kind == entry {
		return true
	}
	if i := strings.LastIndex(entry, "."); i >= 0 && f.Kind == entry[i+1:] {
		return true
	}
	if i := strings.LastIndex(f.Kind, "."); i >= 0 && f.Kind[i+1:] == entry {
		return true
	}
	return f.Message != "" && strings.Contains(strings.ToLower(f.Message), strings.ToLower(entry))
}

// Programmer-error kinds that retrying can never fix.
var nonRetryableKinds = map[string]struct{}{
	"ValidationError":     {},
	"SerializationError":  {},
	"ConfigurationError":  {},
	"PermissionError":     {},
	"NotImplementedError": {},
	"AssertionError":      {},
}

func (f Failure) nonRetryable() bool {
	kind := f.Kind
	if i := strings.LastIndex(kind, "."); i >= 0 {
		kind = kind[i+1:]
	}
	_, ok := nonRetryableKinds[kind]
	return ok
}

// categoryRule maps kind/message substrings to a failure category; rules
// are evaluated in order and the first hit wins.
type categoryRule struct {
	category store.FailureCategory
	needles  []string
}

var categoryRules = []categoryRule{
	{store.CategoryTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{store.CategoryMemory, []string{"memory", "oom", "cannot allocate"}},
	{store.CategoryRateLimit, []string{"rate limit", "too many requests", "throttle", "429"}},
	{store.CategoryConnection, []string{"connection", "connect", "refused", "reset by peer", "broken pipe", "unreachable", "dns"}},
	{store.CategoryValidation, []string{"validation", "invalid", "schema", "assertion", "malformed"}},
	{store.CategoryResource, []string{"resource", "disk", "no space", "quota", "file descriptor"}},
}

// Categorize maps a failure onto the quarantine taxonomy. UNKNOWN is
// used only when there is no failure context at all; anything with
// context that matches no rule is a plain EXCEPTION.
func Categorize(f Failure) store.FailureCategory {
	if f.Empty() {
		return store.CategoryUnknown
	}

	haystack := strings.ToLower(f.Kind + " " + f.Message)
	for _, rule := range categoryRules {
		for _, needle := range rule.needles {
			if strings.Contains(haystack, needle) {
				return rule.category
			}
		}
	}
	return store.CategoryException
}
