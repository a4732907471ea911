package compatibility

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/tether/pkg/schema"
)

var evaluatorTracer = otel.Tracer("tether/compatibility/evaluator")

// defaultPrepareConcurrency bounds parallel parsing of history ahead of comparison
const defaultPrepareConcurrency = 4

// Direction says which way a failing comparison ran
type Direction int

const (
	DirectionNone Direction = iota
	// DirectionBackward: the candidate reads data written with history
	DirectionBackward
	// DirectionForward: history reads data written with the candidate
	DirectionForward
)

func (d Direction) String() string {
	switch d {
	case DirectionBackward:
		return "backward"
	case DirectionForward:
		return "forward"
	}
	return "none"
}

// MarshalText implements encoding.TextMarshaler
func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Direction) UnmarshalText(text []byte) error {
	switch string(text) {
	case "backward":
		*d = DirectionBackward
	case "forward":
		*d = DirectionForward
	case "none", "":
		*d = DirectionNone
	default:
		return fmt.Errorf("unknown direction: %s", text)
	}
	return nil
}

// Verdict is the outcome of evaluating a candidate against a policy.
// Rejections are verdicts, not errors.
type Verdict struct {
	Admitted       bool                `json:"admitted"`
	Denied         bool                `json:"denied,omitempty"`
	Reason         BreakingChange      `json:"reason"`
	FailingVersion *schema.VersionInfo `json:"failing_version,omitempty"`
	Direction      Direction           `json:"direction,omitempty"`
}

func admitted() Verdict { return Verdict{Admitted: true} }

// Evaluator applies a policy to a candidate and a group's history
type Evaluator struct {
	comparators        *Comparators
	prepareConcurrency int
}

// NewEvaluator creates an evaluator dispatching through comparators
func NewEvaluator(comparators *Comparators) *Evaluator {
	return &Evaluator{comparators: comparators, prepareConcurrency: defaultPrepareConcurrency}
}

// Comparators returns the registry the evaluator dispatches through
func (e *Evaluator) Comparators() *Comparators {
	return e.comparators
}

// Check is one planned comparison against a history entry
type Check struct {
	Entry     schema.SchemaWithVersion
	Direction Direction
}

// Plan returns the comparisons policy selects from history, in evaluation
// order: oldest ordinal first, backward before forward at the same ordinal.
// Deleted entries never participate.
func Plan(history []schema.SchemaWithVersion, policy Policy) []Check {
	live := make([]schema.SchemaWithVersion, 0, len(history))
	for _, h := range history {
		if !h.Deleted {
			live = append(live, h)
		}
	}
	if len(live) == 0 {
		return nil
	}
	sort.SliceStable(live, func(i, j int) bool {
		return live[i].Version.Ordinal < live[j].Version.Ordinal
	})
	latest := live[len(live)-1].Version.Ordinal

	var plan []Check
	for _, h := range live {
		if selects(policy.Backward, h.Version, latest) {
			plan = append(plan, Check{Entry: h, Direction: DirectionBackward})
		}
		if selects(policy.Forward, h.Version, latest) {
			plan = append(plan, Check{Entry: h, Direction: DirectionForward})
		}
	}
	return plan
}

func selects(rule Rule, v schema.VersionInfo, latestOrdinal int) bool {
	switch rule.Scope {
	case ScopeLatest:
		return v.Ordinal == latestOrdinal
	case ScopeAll:
		return true
	case ScopeTill:
		return rule.Till != nil && v.Ordinal >= rule.Till.Ordinal
	}
	return false
}

// Evaluate decides whether candidate may join history under policy. The
// first failing comparison stops evaluation and is reported.
func (e *Evaluator) Evaluate(ctx context.Context, candidate schema.SchemaInfo, history []schema.SchemaWithVersion, policy Policy) (Verdict, error) {
	ctx, span := evaluatorTracer.Start(ctx, "Evaluator.Evaluate",
		trace.WithAttributes(
			attribute.String("schema.type", candidate.Type),
			attribute.String("schema.format", candidate.Format.String()),
			attribute.String("policy", policy.String()),
			attribute.Int("history.size", len(history)),
		),
	)
	defer span.End()

	if err := policy.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid policy")
		return Verdict{}, err
	}

	switch policy.Mode {
	case CompatibilityModeAllowAny:
		return admitted(), nil
	case CompatibilityModeDenyAll:
		span.SetAttributes(attribute.Bool("verdict.denied", true))
		return Verdict{Denied: true}, nil
	}

	plan := Plan(history, policy)
	span.SetAttributes(attribute.Int("checks.planned", len(plan)))
	if len(plan) == 0 {
		return admitted(), nil
	}

	if err := e.prepare(ctx, candidate, plan); err != nil {
		return Verdict{}, err
	}

	for i, c := range plan {
		if err := ctx.Err(); err != nil {
			return Verdict{}, err
		}
		var change BreakingChange
		var err error
		if c.Direction == DirectionBackward {
			change, err = e.comparators.Compare(candidate, c.Entry.Schema)
		} else {
			change, err = e.comparators.Compare(c.Entry.Schema, candidate)
		}
		if err != nil {
			err = fmt.Errorf("compare with %s: %w", c.Entry.Version, err)
			span.RecordError(err)
			span.SetStatus(codes.Error, "comparison failed")
			return Verdict{}, err
		}
		if change != None {
			failing := c.Entry.Version
			span.SetAttributes(
				attribute.Int("checks.run", i+1),
				attribute.String("verdict.reason", change.String()),
				attribute.String("verdict.failing_version", failing.String()),
			)
			return Verdict{Reason: change, FailingVersion: &failing, Direction: c.Direction}, nil
		}
	}
	span.SetAttributes(attribute.Int("checks.run", len(plan)))
	return admitted(), nil
}

// prepare parses the candidate and every planned baseline in parallel so the
// sequential pass hits a warm cache. Parse failures are left for the
// sequential pass to report in plan order; only cancellation is returned.
func (e *Evaluator) prepare(ctx context.Context, candidate schema.SchemaInfo, plan []Check) error {
	seen := make(map[string]bool, len(plan)+1)
	infos := []schema.SchemaInfo{candidate}
	seen[schema.Fingerprint(candidate)] = true
	for _, c := range plan {
		fp := schema.Fingerprint(c.Entry.Schema)
		if !seen[fp] {
			seen[fp] = true
			infos = append(infos, c.Entry.Schema)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.prepareConcurrency)
	for _, info := range infos {
		comparator, err := e.comparators.Get(info.Format)
		if err != nil {
			continue
		}
		p, ok := comparator.(Preparer)
		if !ok {
			continue
		}
		info := info
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			_ = p.Prepare(info)
			return nil
		})
	}
	return g.Wait()
}

// CanRead reports whether reader can read data written with every writer
func (e *Evaluator) CanRead(ctx context.Context, reader schema.SchemaInfo, writers []schema.SchemaInfo) (bool, error) {
	for _, w := range writers {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		change, err := e.comparators.Compare(reader, w)
		if err != nil {
			return false, err
		}
		if change != None {
			return false, nil
		}
	}
	return true, nil
}

// CanBeRead reports whether every reader can read data written with writer
func (e *Evaluator) CanBeRead(ctx context.Context, writer schema.SchemaInfo, readers []schema.SchemaInfo) (bool, error) {
	for _, r := range readers {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		change, err := e.comparators.Compare(r, writer)
		if err != nil {
			return false, err
		}
		if change != None {
			return false, nil
		}
	}
	return true, nil
}

// CanMutuallyRead reports whether s and every schema in others can read each
// other's data
func (e *Evaluator) CanMutuallyRead(ctx context.Context, s schema.SchemaInfo, others []schema.SchemaInfo) (bool, error) {
	ok, err := e.CanRead(ctx, s, others)
	if err != nil || !ok {
		return ok, err
	}
	return e.CanBeRead(ctx, s, others)
}
