package retry

import (
	"testing"

	"github.com/KingEverett/Hermes-sub000/internal/store"
)

func TestParseFailure(t *testing.T) {
	f := ParseFailure("TimeoutError: upstream deadline exceeded", "trace")
	if f.Kind != "TimeoutError" || f.Message != "upstream deadline exceeded" || f.Trace != "trace" {
		t.Fatalf("unexpected parse: %+v", f)
	}

	f = ParseFailure("ConnectionError", "")
	if f.Kind != "ConnectionError" || f.Message != "" {
		t.Fatalf("unexpected parse without separator: %+v", f)
	}
}

func TestCategorize(t *testing.T) {
	cases := []struct {
		failure Failure
		want    store.FailureCategory
	}{
		{Failure{Kind: "TimeoutError", Message: "deadline exceeded"}, store.CategoryTimeout},
		{Failure{Kind: "JobError", Message: "operation timed out"}, store.CategoryTimeout},
		{Failure{Kind: "MemoryError"}, store.CategoryMemory},
		{Failure{Kind: "HTTPError", Message: "429 too many requests"}, store.CategoryRateLimit},
		{Failure{Kind: "ConnectionError", Message: "refused"}, store.CategoryConnection},
		{Failure{Kind: "ValidationError", Message: "bad payload"}, store.CategoryValidation},
		{Failure{Kind: "WeirdCustomError", Message: "no idea"}, store.CategoryException},
		{Failure{}, store.CategoryUnknown},
	}

	for _, tc := range cases {
		if got := Categorize(tc.failure); got != tc.want {
			t.Errorf("Categorize(%+v) = %s, want %s", tc.failure, got, tc.want)
		}
	}
}

func TestEligible_AttemptBudget(t *testing.T) {
	cfg := store.RetryConfiguration{MaxRetries: 3}
	f := Failure{Kind: "ConnectionError"}

	for attempt := 0; attempt < 3; attempt++ {
		if !eligible(cfg, f, attempt) {
			t.Errorf("attempt %d should be eligible under budget 3", attempt)
		}
	}
	if eligible(cfg, f, 3) {
		t.Error("attempt 3 must be refused at budget 3")
	}
	if eligible(cfg, Failure{Kind: "ConnectionError"}, 10) {
		t.Error("attempt past budget must be refused for any exception")
	}
}

func TestEligible_NoRetryOnOverridesWhitelist(t *testing.T) {
	cfg := store.RetryConfiguration{
		MaxRetries: 5,
		RetryOn:    []string{"ConnectionError"},
		NoRetryOn:  []string{"ConnectionError"},
	}
	if eligible(cfg, Failure{Kind: "ConnectionError"}, 0) {
		t.Error("no-retry list wins over the whitelist")
	}
}

func TestEligible_WhitelistExcludesOthers(t *testing.T) {
	cfg := store.RetryConfiguration{
		MaxRetries: 5,
		RetryOn:    []string{"TimeoutError"},
	}
	if !eligible(cfg, Failure{Kind: "TimeoutError"}, 0) {
		t.Error("whitelisted kind should be eligible")
	}
	if eligible(cfg, Failure{Kind: "ConnectionError"}, 0) {
		t.Error("non-whitelisted kind should be refused when a whitelist exists")
	}
}

func TestEligible_NonRetryableDefaults(t *testing.T) {
	cfg := store.RetryConfiguration{MaxRetries: 5}

	for _, kind := range []string{"ValidationError", "SerializationError", "PermissionError"} {
		if eligible(cfg, Failure{Kind: kind}, 0) {
			t.Errorf("%s should be refused by default", kind)
		}
	}
	if !eligible(cfg, Failure{Kind: "ConnectionError"}, 0) {
		t.Error("ordinary transient kinds stay eligible")
	}
}

func TestEligible_QualifiedKindMatch(t *testing.T) {
	cfg := store.RetryConfiguration{
		MaxRetries: 5,
		NoRetryOn:  []string{"myapp.errors.BillingError"},
	}
	if eligible(cfg, Failure{Kind: "BillingError"}, 0) {
		t.Error("final segment of a qualified entry should match the bare kind")
	}
}
