// Package anomaly evaluates a newly recorded transfer against the transfers
// recorded before it for the same batch.
package anomaly

import (
	"iter"
	"slices"

	"supply-integrity/internal/storage"
)

// Alert reasons. They are persisted verbatim and surfaced to clients.
const (
	ReasonIdenticalParties    = "Sender and receiver are identical"
	ReasonTimestampRegression = "Timestamp regression detected"
	ReasonDuplicateTransfer   = "Duplicate transfer detected"
)

// Rule is one independent check. Check must not modify its arguments.
type Rule struct {
	Name   string
	Reason string
	Check  func(prior []storage.Transfer, current storage.Transfer) bool
}

var rules = []Rule{
	{Name: "identical_parties", Reason: ReasonIdenticalParties, Check: identicalParties},
	{Name: "timestamp_regression", Reason: ReasonTimestampRegression, Check: timestampRegression},
	{Name: "duplicate_transfer", Reason: ReasonDuplicateTransfer, Check: duplicateTransfer},
}

// Rules returns the rule table in evaluation order.
func Rules() []Rule {
	return slices.Clone(rules)
}

// Reasons yields the reason of every rule that fires for current.
// prior holds the batch's transfers recorded strictly before current, oldest first.
func Reasons(prior []storage.Transfer, current storage.Transfer) iter.Seq[string] {
	return func(yield func(string) bool) {
		for _, r := range rules {
			if r.Check(prior, current) && !yield(r.Reason) {
				return
			}
		}
	}
}

// Evaluate collects Reasons into a slice. It never returns nil.
func Evaluate(prior []storage.Transfer, current storage.Transfer) []string {
	out := make([]string, 0, len(rules))
	for reason := range Reasons(prior, current) {
		out = append(out, reason)
	}
	return out
}

// EvaluateHistory treats the last element of history as the current transfer.
func EvaluateHistory(history []storage.Transfer) []string {
	if len(history) == 0 {
		return []string{}
	}
	last := len(history) - 1
	return Evaluate(history[:last:last], history[last])
}

func identicalParties(_ []storage.Transfer, current storage.Transfer) bool {
	return current.From == current.To
}

// timestampRegression compares against the last transfer recorded before
// current, i.e. the second-to-last entry of prior+current.
func timestampRegression(prior []storage.Transfer, current storage.Transfer) bool {
	if len(prior)+1 < 2 {
		return false
	}
	previous := prior[len(prior)-1]
	return current.Timestamp < previous.Timestamp
}

// duplicateTransfer counts (from, to) matches over prior+current.
func duplicateTransfer(prior []storage.Transfer, current storage.Transfer) bool {
	count := 1
	for _, t := range prior {
		if t.From == current.From && t.To == current.To {
			count++
		}
	}
	return count > 1
}
