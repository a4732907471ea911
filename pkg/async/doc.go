// Package async runs background work with panic recovery, timeouts and
// context-carried logging.
//
// SafeGo replaces bare go statements for fire-and-forget tasks such as the
// periodic inventory refresh. WorkerPool and Batch fan work out over a fixed
// number of goroutines and collect the errors.
package async
