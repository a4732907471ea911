package storage

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/platinummonkey/tether/pkg/compatibility"
	"github.com/platinummonkey/tether/pkg/schema"
)

// groupState is everything a store keeps for one group. It doubles as the
// filesystem snapshot format.
type groupState struct {
	Group     Group                      `json:"group"`
	TypeTips  map[string]int             `json:"type_tips"`
	Ordinal   int                        `json:"ordinal"`
	Versions  []schema.SchemaWithVersion `json:"versions"`
	Codecs    []string                   `json:"codecs"`
	Encodings []encodingRecord           `json:"encodings"`
	History   []GroupHistoryRecord       `json:"history"`
}

type encodingRecord struct {
	Ordinal int    `json:"ordinal"`
	Codec   string `json:"codec"`
}

func newGroupState(name string, props GroupProperties, now time.Time) *groupState {
	return &groupState{
		Group:    Group{Name: name, Properties: props, CreatedAt: now},
		TypeTips: make(map[string]int),
		Codecs:   []string{schema.DefaultCodec},
		History:  []GroupHistoryRecord{{Kind: HistoryGroupCreated, Time: now}},
	}
}

func (g *groupState) clone() *groupState {
	c := *g
	c.TypeTips = make(map[string]int, len(g.TypeTips))
	for k, v := range g.TypeTips {
		c.TypeTips[k] = v
	}
	c.Versions = append([]schema.SchemaWithVersion(nil), g.Versions...)
	c.Codecs = append([]string(nil), g.Codecs...)
	c.Encodings = append([]encodingRecord(nil), g.Encodings...)
	c.History = append([]GroupHistoryRecord(nil), g.History...)
	return &c
}

// Callers get copies of stored schema bytes and property maps, never the
// stored values themselves.
func cloneVersion(v schema.SchemaWithVersion) schema.SchemaWithVersion {
	v.Schema = v.Schema.Clone()
	return v
}

func cloneGroup(g Group) Group {
	g.Properties.Properties = maps.Clone(g.Properties.Properties)
	return g
}

func (g *groupState) version(ordinal int) (int, bool) {
	i := sort.Search(len(g.Versions), func(i int) bool { return g.Versions[i].Version.Ordinal >= ordinal })
	if i < len(g.Versions) && g.Versions[i].Version.Ordinal == ordinal {
		return i, true
	}
	return 0, false
}

func (g *groupState) hasCodec(codec string) bool {
	for _, c := range g.Codecs {
		if c == codec {
			return true
		}
	}
	return false
}

// persistFunc is called with the new state of a group before it becomes
// visible; nil state means the group was deleted.
type persistFunc func(name string, state *groupState) error

// MemoryStore keeps every group in process memory
type MemoryStore struct {
	mu      sync.RWMutex
	groups  map[string]*groupState
	persist persistFunc
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		groups: make(map[string]*groupState),
		now:    time.Now,
	}
}

// mutate applies fn to a copy of the group and swaps it in once persisted,
// so a failed write leaves the previous state untouched.
func (s *MemoryStore) mutate(name string, fn func(g *groupState) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.groups[name]
	if !ok {
		return fmt.Errorf("group %s: %w", name, ErrNotFound)
	}
	next := current.clone()
	if err := fn(next); err != nil {
		return err
	}
	if s.persist != nil {
		if err := s.persist(name, next); err != nil {
			return err
		}
	}
	s.groups[name] = next
	return nil
}

func (s *MemoryStore) read(name string) (*groupState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[name]
	if !ok {
		return nil, fmt.Errorf("group %s: %w", name, ErrNotFound)
	}
	return g, nil
}

// CreateGroup implements SchemaStore.CreateGroup
func (s *MemoryStore) CreateGroup(ctx context.Context, name string, props GroupProperties) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.groups[name]; ok {
		return fmt.Errorf("group %s: %w", name, ErrGroupExists)
	}
	props.Properties = maps.Clone(props.Properties)
	state := newGroupState(name, props, s.now().UTC())
	if s.persist != nil {
		if err := s.persist(name, state); err != nil {
			return err
		}
	}
	s.groups[name] = state
	return nil
}

// GetGroup implements SchemaStore.GetGroup
func (s *MemoryStore) GetGroup(ctx context.Context, name string) (*Group, error) {
	g, err := s.read(name)
	if err != nil {
		return nil, err
	}
	group := cloneGroup(g.Group)
	return &group, nil
}

// ListGroups implements SchemaStore.ListGroups
func (s *MemoryStore) ListGroups(ctx context.Context) ([]Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	groups := make([]Group, 0, len(s.groups))
	for _, g := range s.groups {
		groups = append(groups, cloneGroup(g.Group))
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Name < groups[j].Name })
	return groups, nil
}

// DeleteGroup implements SchemaStore.DeleteGroup
func (s *MemoryStore) DeleteGroup(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.groups[name]; !ok {
		return fmt.Errorf("group %s: %w", name, ErrNotFound)
	}
	if s.persist != nil {
		if err := s.persist(name, nil); err != nil {
			return err
		}
	}
	delete(s.groups, name)
	return nil
}

// UpdatePolicy implements SchemaStore.UpdatePolicy
func (s *MemoryStore) UpdatePolicy(ctx context.Context, name string, policy compatibility.Policy, actor string) (compatibility.Policy, error) {
	var previous compatibility.Policy
	err := s.mutate(name, func(g *groupState) error {
		previous = g.Group.Properties.Policy
		g.Group.Properties.Policy = policy
		prev, next := previous, policy
		g.History = append(g.History, GroupHistoryRecord{
			Kind:           HistoryPolicyUpdated,
			Time:           s.now().UTC(),
			Actor:          actor,
			PreviousPolicy: &prev,
			Policy:         &next,
		})
		return nil
	})
	return previous, err
}

// ListSchemas implements SchemaStore.ListSchemas
func (s *MemoryStore) ListSchemas(ctx context.Context, group, schemaType string, includeDeleted bool) ([]schema.SchemaWithVersion, error) {
	g, err := s.read(group)
	if err != nil {
		return nil, err
	}
	out := make([]schema.SchemaWithVersion, 0, len(g.Versions))
	for _, v := range g.Versions {
		if v.Deleted && !includeDeleted {
			continue
		}
		if schemaType != "" && v.Version.Type != schemaType {
			continue
		}
		out = append(out, cloneVersion(v))
	}
	return out, nil
}

// GetSchema implements SchemaStore.GetSchema
func (s *MemoryStore) GetSchema(ctx context.Context, group string, ordinal int) (*schema.SchemaWithVersion, error) {
	g, err := s.read(group)
	if err != nil {
		return nil, err
	}
	i, ok := g.version(ordinal)
	if !ok {
		return nil, fmt.Errorf("schema %s#%d: %w", group, ordinal, ErrNotFound)
	}
	v := cloneVersion(g.Versions[i])
	return &v, nil
}

// AppendVersion implements SchemaStore.AppendVersion
func (s *MemoryStore) AppendVersion(ctx context.Context, group string, info schema.SchemaInfo, cond AppendCondition) (schema.VersionInfo, error) {
	if err := ctx.Err(); err != nil {
		return schema.VersionInfo{}, err
	}
	var assigned schema.VersionInfo
	err := s.mutate(group, func(g *groupState) error {
		if g.TypeTips[info.Type] != cond.TypeVersion {
			return ErrConflict
		}
		if cond.CheckOrdinal && g.Ordinal != cond.Ordinal {
			return ErrConflict
		}
		now := s.now().UTC()
		g.Ordinal++
		g.TypeTips[info.Type]++
		assigned = schema.VersionInfo{Type: info.Type, Version: g.TypeTips[info.Type], Ordinal: g.Ordinal}
		g.Versions = append(g.Versions, schema.SchemaWithVersion{Schema: info.Clone(), Version: assigned, CreatedAt: now})
		v := assigned
		g.History = append(g.History, GroupHistoryRecord{Kind: HistorySchemaAdded, Time: now, Version: &v})
		return nil
	})
	return assigned, err
}

// DeleteSchema implements SchemaStore.DeleteSchema
func (s *MemoryStore) DeleteSchema(ctx context.Context, group string, ordinal int) error {
	return s.mutate(group, func(g *groupState) error {
		i, ok := g.version(ordinal)
		if !ok {
			return fmt.Errorf("schema %s#%d: %w", group, ordinal, ErrNotFound)
		}
		if g.Versions[i].Deleted {
			return nil
		}
		g.Versions[i].Deleted = true
		v := g.Versions[i].Version
		g.History = append(g.History, GroupHistoryRecord{Kind: HistorySchemaDeleted, Time: s.now().UTC(), Version: &v})
		return nil
	})
}

// AddCodecType implements SchemaStore.AddCodecType
func (s *MemoryStore) AddCodecType(ctx context.Context, group, codec string) error {
	return s.mutate(group, func(g *groupState) error {
		if !g.hasCodec(codec) {
			g.Codecs = append(g.Codecs, codec)
		}
		return nil
	})
}

// ListCodecTypes implements SchemaStore.ListCodecTypes
func (s *MemoryStore) ListCodecTypes(ctx context.Context, group string) ([]string, error) {
	g, err := s.read(group)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), g.Codecs...), nil
}

// GetOrCreateEncodingID implements SchemaStore.GetOrCreateEncodingID
func (s *MemoryStore) GetOrCreateEncodingID(ctx context.Context, group string, ordinal int, codec string) (schema.EncodingID, error) {
	if g, err := s.read(group); err != nil {
		return 0, err
	} else if id, ok := findEncoding(g, ordinal, codec); ok {
		return id, nil
	}

	var id schema.EncodingID
	err := s.mutate(group, func(g *groupState) error {
		if !g.hasCodec(codec) {
			return fmt.Errorf("codec %s: %w", codec, ErrCodecNotRegistered)
		}
		if _, ok := g.version(ordinal); !ok {
			return fmt.Errorf("schema %s#%d: %w", group, ordinal, ErrNotFound)
		}
		if existing, ok := findEncoding(g, ordinal, codec); ok {
			id = existing
			return nil
		}
		id = schema.EncodingID(len(g.Encodings))
		g.Encodings = append(g.Encodings, encodingRecord{Ordinal: ordinal, Codec: codec})
		return nil
	})
	return id, err
}

func findEncoding(g *groupState, ordinal int, codec string) (schema.EncodingID, bool) {
	for i, e := range g.Encodings {
		if e.Ordinal == ordinal && e.Codec == codec {
			return schema.EncodingID(i), true
		}
	}
	return 0, false
}

// GetEncodingInfo implements SchemaStore.GetEncodingInfo
func (s *MemoryStore) GetEncodingInfo(ctx context.Context, group string, id schema.EncodingID) (*schema.EncodingInfo, error) {
	g, err := s.read(group)
	if err != nil {
		return nil, err
	}
	if id < 0 || int(id) >= len(g.Encodings) {
		return nil, fmt.Errorf("encoding %s/%d: %w", group, id, ErrNotFound)
	}
	rec := g.Encodings[id]
	i, _ := g.version(rec.Ordinal)
	v := g.Versions[i]
	return &schema.EncodingInfo{ID: id, Version: v.Version, Schema: v.Schema.Clone(), CodecType: rec.Codec}, nil
}

// GroupHistory implements SchemaStore.GroupHistory
func (s *MemoryStore) GroupHistory(ctx context.Context, group string) ([]GroupHistoryRecord, error) {
	g, err := s.read(group)
	if err != nil {
		return nil, err
	}
	return append([]GroupHistoryRecord(nil), g.History...), nil
}

// HealthCheck implements SchemaStore.HealthCheck
func (s *MemoryStore) HealthCheck(ctx context.Context) error {
	return ctx.Err()
}

// Close implements SchemaStore.Close
func (s *MemoryStore) Close() error {
	return nil
}
