// Package httputil provides JSON request and response helpers and the HTTP
// middleware shared by the tether API.
//
// Responses:
//
//	httputil.WriteSuccess(w, group)
//	httputil.WriteCreated(w, result)
//	httputil.WriteErrorMessage(w, http.StatusNotFound, "group not found")
//
// Requests:
//
//	var req registerRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//	    return
//	}
//	ordinal, ok := httputil.ParsePathIntOrError(w, r, "ordinal")
//
// Middleware, outermost first:
//
//	router.Use(httputil.RequestIDMiddleware(logger))
//	router.Use(httputil.RecoveryMiddleware)
//	router.Use(httputil.LoggingMiddleware)
//	router.Use(httputil.ContentTypeMiddleware)
//	router.Use(httputil.MaxBytesMiddleware(4 << 20))
package httputil
