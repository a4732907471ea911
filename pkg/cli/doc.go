// Package cli provides the tether command-line interface.
//
// # Commands
//
// check: Evaluate a candidate schema against baselines without a server
//
//	tether check \
//		--candidate ./user.v3.json \
//		--baseline ./user.v1.json \
//		--baseline ./user.v2.json \
//		--mode BACKWARD_TRANSITIVE
//
// Baselines are ordered oldest first. *_TILL modes take --till with the
// 1-based position of the bounding baseline. With --watch the check re-runs
// whenever one of the files changes.
//
// register: Register a schema with a running registry
//
//	tether register \
//		--registry http://localhost:8080 \
//		--group users \
//		--type user \
//		--file ./user.v3.json
//
// Both commands exit non-zero when the candidate is rejected.
package cli
