package api

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/tether/pkg/httputil"
	"github.com/platinummonkey/tether/pkg/observability"
	"github.com/platinummonkey/tether/pkg/registry"
	"github.com/platinummonkey/tether/pkg/schema"
	"github.com/platinummonkey/tether/pkg/storage"
)

func (s *Server) createGroup(w http.ResponseWriter, r *http.Request) {
	var req CreateGroupRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Name, "name") {
		return
	}

	format, err := schema.ParseSerializationFormat(req.SerializationFormat)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	policy := s.registry.DefaultPolicy()
	switch {
	case req.Policy != nil:
		policy = *req.Policy
	case req.Compatibility != "":
		if policy, err = policyFromMode(req.Compatibility, nil); err != nil {
			writeServiceError(w, r, err)
			return
		}
	}

	props := storage.GroupProperties{
		SerializationFormat: format,
		Policy:              policy,
		VersionBySchemaType: req.VersionBySchemaType,
		Properties:          req.Properties,
	}
	if err := s.registry.CreateGroup(r.Context(), req.Name, props); err != nil {
		writeServiceError(w, r, err)
		return
	}

	group, err := s.registry.GetGroup(r.Context(), req.Name)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteCreated(w, group)
}

func (s *Server) listGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.registry.ListGroups(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if groups == nil {
		groups = []storage.Group{}
	}
	httputil.WriteSuccess(w, groups)
}

func (s *Server) getGroup(w http.ResponseWriter, r *http.Request) {
	group, err := s.registry.GetGroup(r.Context(), mux.Vars(r)["group"])
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, group)
}

func (s *Server) deleteGroup(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.DeleteGroup(r.Context(), mux.Vars(r)["group"]); err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// updatePolicy replaces the group policy. The actor comes from the body,
// then from the actor header.
func (s *Server) updatePolicy(w http.ResponseWriter, r *http.Request) {
	var req UpdatePolicyRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	policy, err := req.policy()
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	actor := req.Actor
	if actor == "" {
		actor = observability.GetActor(r.Context())
	}

	name := mux.Vars(r)["group"]
	if err := s.registry.UpdatePolicy(r.Context(), name, policy, actor); err != nil {
		writeServiceError(w, r, err)
		return
	}

	group, err := s.registry.GetGroup(r.Context(), name)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, group)
}

func (s *Server) groupHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.registry.GroupHistory(r.Context(), mux.Vars(r)["group"])
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if history == nil {
		history = []storage.GroupHistoryRecord{}
	}
	httputil.WriteSuccess(w, history)
}

// schemaInfo converts a request body into a SchemaInfo, taking the group
// format when the request names none
func (s *Server) schemaInfo(r *http.Request, group string, req SchemaRequest) (schema.SchemaInfo, error) {
	if req.Schema == "" {
		return schema.SchemaInfo{}, fmt.Errorf("%w: schema is required", registry.ErrInvalidArgument)
	}

	format, err := schema.ParseSerializationFormat(req.SerializationFormat)
	if err != nil {
		return schema.SchemaInfo{}, fmt.Errorf("%w: %w", registry.ErrInvalidArgument, err)
	}
	if format == schema.FormatAny {
		g, err := s.registry.GetGroup(r.Context(), group)
		if err != nil {
			return schema.SchemaInfo{}, err
		}
		format = g.Properties.SerializationFormat
	}

	return schema.SchemaInfo{
		Type:       req.Type,
		Format:     format,
		Data:       []byte(req.Schema),
		Properties: req.Properties,
	}, nil
}
