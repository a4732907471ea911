// Package compatibility decides whether a schema may replace the schemas a
// group already holds.
//
// # Overview
//
// Two layers do the work. A Comparator compares one candidate against one
// baseline and names the first breaking change it finds. The Evaluator picks
// which history entries a Policy selects and runs the comparator against each
// of them in a fixed order.
//
// # Direction
//
// Compare(candidate, baseline) answers: can a reader using candidate read data
// written with baseline? A non-None result means some document valid under
// baseline may be rejected by candidate.
//
// BACKWARD policies call Compare(candidate, history). FORWARD policies call
// Compare(history, candidate). FULL policies require both.
//
// # Policies
//
// ALLOW_ANY admits everything. DENY_ALL admits nothing and reports Denied
// rather than a structural reason. BACKWARD, FORWARD and FULL look at the
// latest live version only. The _TRANSITIVE variants look at every live
// version. The _TILL variants look at every live version whose group ordinal
// is at or after the anchor. ADVANCED combines an independent backward and
// forward rule.
//
// Evaluation is fail fast: checks run oldest ordinal first, backward before
// forward at the same ordinal, and the first failure is the verdict.
//
// # JSON Schema rules
//
// The JSON comparator applies rule groups in order and returns the first hit:
//
//  1. enum: added, or narrowed (a baseline value is missing)
//  2. allOf / anyOf / oneOf
//  3. not
//  4. type: a declared type set that stops covering the baseline is
//     TYPE_CHANGED unless the comparator is lenient
//  5. per kind, in order object, array, string, number
//
// Object rules check properties (removed, added, changed), then
// min/maxProperties, additionalProperties and newly required properties
// without a default, then dependencies.
//
// # Usage Example
//
//	comparators := compatibility.NewComparators()
//	evaluator := compatibility.NewEvaluator(comparators)
//
//	verdict, err := evaluator.Evaluate(ctx, candidate, history, compatibility.BackwardTransitive())
//	if err != nil {
//		return err
//	}
//	if !verdict.Admitted {
//		fmt.Printf("rejected: %s against %s\n", verdict.Reason, verdict.FailingVersion)
//	}
//
// # Thread Safety
//
// Comparators, JSONComparator and Evaluator are safe for concurrent use. Parsed
// documents are immutable and shared through an LRU cache keyed by content
// fingerprint.
package compatibility
