package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/tether/pkg/httputil"
	"github.com/platinummonkey/tether/pkg/schema"
)

// addSchema registers a schema. New versions answer 201, existing content
// 200 and rejected candidates 409 with the verdict in the body.
func (s *Server) addSchema(w http.ResponseWriter, r *http.Request) {
	group := mux.Vars(r)["group"]

	var req SchemaRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	info, err := s.schemaInfo(r, group, req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	res, err := s.registry.AddSchema(r.Context(), group, info)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	switch {
	case !res.Verdict.Admitted:
		httputil.WriteJSON(w, http.StatusConflict, res)
	case res.Existing:
		httputil.WriteSuccess(w, res)
	default:
		httputil.WriteCreated(w, res)
	}
}

func (s *Server) listSchemas(w http.ResponseWriter, r *http.Request) {
	includeDeleted, err := httputil.ParseQueryBool(r, "deleted", false)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	history, err := s.registry.ListSchemas(r.Context(), mux.Vars(r)["group"],
		httputil.ParseQueryString(r, "type", ""), includeDeleted)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	entries := make([]SchemaEntry, 0, len(history))
	for _, h := range history {
		entries = append(entries, toSchemaEntry(h))
	}
	httputil.WriteSuccess(w, entries)
}

func (s *Server) getLatestSchema(w http.ResponseWriter, r *http.Request) {
	latest, err := s.registry.GetLatestSchema(r.Context(), mux.Vars(r)["group"],
		httputil.ParseQueryString(r, "type", ""))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, toSchemaEntry(*latest))
}

func (s *Server) getSchema(w http.ResponseWriter, r *http.Request) {
	ordinal, ok := httputil.ParsePathIntOrError(w, r, "ordinal")
	if !ok {
		return
	}
	entry, err := s.registry.GetSchema(r.Context(), mux.Vars(r)["group"], ordinal)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, toSchemaEntry(*entry))
}

func (s *Server) deleteSchema(w http.ResponseWriter, r *http.Request) {
	ordinal, ok := httputil.ParsePathIntOrError(w, r, "ordinal")
	if !ok {
		return
	}
	if err := s.registry.DeleteSchema(r.Context(), mux.Vars(r)["group"], ordinal); err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// lookupSchema returns the live version holding the posted content
func (s *Server) lookupSchema(w http.ResponseWriter, r *http.Request) {
	group := mux.Vars(r)["group"]

	var req SchemaRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	info, err := s.schemaInfo(r, group, req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	version, err := s.registry.GetSchemaVersion(r.Context(), group, info)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, version)
}

// checkCompatibility evaluates a candidate without registering it
func (s *Server) checkCompatibility(w http.ResponseWriter, r *http.Request) {
	group := mux.Vars(r)["group"]

	var req SchemaRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	info, err := s.schemaInfo(r, group, req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	verdict, err := s.registry.ValidateSchema(r.Context(), group, info)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, verdict)
}

func (s *Server) canRead(w http.ResponseWriter, r *http.Request) {
	group := mux.Vars(r)["group"]

	var req SchemaRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	info, err := s.schemaInfo(r, group, req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	ok, err := s.registry.CanRead(r.Context(), group, info)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, CanReadResponse{CanRead: ok})
}

func (s *Server) addCodec(w http.ResponseWriter, r *http.Request) {
	var req CodecRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	group := mux.Vars(r)["group"]
	if err := s.registry.AddCodecType(r.Context(), group, req.Codec); err != nil {
		writeServiceError(w, r, err)
		return
	}
	s.writeCodecs(w, r, group, http.StatusCreated)
}

func (s *Server) listCodecs(w http.ResponseWriter, r *http.Request) {
	s.writeCodecs(w, r, mux.Vars(r)["group"], http.StatusOK)
}

func (s *Server) writeCodecs(w http.ResponseWriter, r *http.Request, group string, status int) {
	codecs, err := s.registry.ListCodecTypes(r.Context(), group)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, status, codecs)
}

func (s *Server) getEncodingID(w http.ResponseWriter, r *http.Request) {
	var req EncodingRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	id, err := s.registry.GetEncodingID(r.Context(), mux.Vars(r)["group"], req.Ordinal, req.Codec)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, EncodingResponse{ID: id})
}

func (s *Server) getEncodingInfo(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathIntOrError(w, r, "id")
	if !ok {
		return
	}
	info, err := s.registry.GetEncodingInfo(r.Context(), mux.Vars(r)["group"], schema.EncodingID(id))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, EncodingInfoResponse{
		ID:        info.ID,
		CodecType: info.CodecType,
		Schema:    toSchemaEntry(schema.SchemaWithVersion{Schema: info.Schema, Version: info.Version}),
	})
}
