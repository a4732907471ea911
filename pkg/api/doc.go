// Package api exposes the registry service over HTTP with gorilla/mux.
//
// Routes live under /v1/groups. Schema bytes travel as the UTF-8 string
// field "schema". A registration the group policy rejects answers 409 with
// the verdict in the body; validate-only checks answer 200 either way.
package api
