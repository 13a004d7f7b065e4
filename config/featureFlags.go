package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ReviewSkipPersistence controls whether an operator's "no match" decision is
// stamped on the bottle itself. When off (the default) the decision lives only
// in the operator's session, so the bottle reappears for the next reviewer.
//
// Set via env:
// - REVIEW_SKIP_PERSISTENCE=true
func ReviewSkipPersistence() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("REVIEW_SKIP_PERSISTENCE")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// RejectRetiredMergeSource rejects merging a bottle that has already been
// merged away (no merge-of-a-merge). Defaults to true; disable only when
// repairing historical data.
//
// Set via env:
// - ALLOW_RETIRED_MERGE_SOURCE=true
func RejectRetiredMergeSource() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("ALLOW_RETIRED_MERGE_SOURCE")))
	return !(v == "1" || v == "true" || v == "yes" || v == "y")
}

// MergeTransactionTimeout bounds the merge transaction. A merge past the
// deadline is treated as failed-and-rolled-back.
//
// Set via env:
// - MERGE_TX_TIMEOUT_SECONDS (default 30)
func MergeTransactionTimeout() time.Duration {
	v := strings.TrimSpace(os.Getenv("MERGE_TX_TIMEOUT_SECONDS"))
	if v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return 30 * time.Second
}

// ExtraBrandPhrases returns operator-configured multi-word brand phrases to
// merge with the built-in list used by the name normalizer.
//
// Set via env:
// - BRAND_PHRASES="old forester,wild turkey,..."
func ExtraBrandPhrases() []string {
	raw := os.Getenv("BRAND_PHRASES")
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var phrases []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			phrases = append(phrases, part)
		}
	}
	return phrases
}
