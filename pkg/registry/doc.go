// Package registry orchestrates schema registration: it reads a group's
// history from a storage.SchemaStore, evaluates candidates with a
// compatibility.Evaluator and appends admitted schemas with a conditional
// write, retrying when a concurrent writer moved the tip.
//
// Usage:
//
//	svc := registry.New(store, compatibility.NewEvaluator(compatibility.NewComparators()),
//	    registry.WithLogger(logger),
//	    registry.WithMetrics(metrics),
//	)
//	res, err := svc.AddSchema(ctx, "orders", schema.SchemaInfo{...})
//	if err == nil && !res.Verdict.Admitted {
//	    // res.Verdict.Reason names the breaking change
//	}
package registry
