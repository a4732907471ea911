package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/tether/pkg/compatibility"
	"github.com/platinummonkey/tether/pkg/observability"
	"github.com/platinummonkey/tether/pkg/schema"
	"github.com/platinummonkey/tether/pkg/storage"
)

var tracer = otel.Tracer("tether/registry")

const (
	DefaultRegistrationTimeout = 30 * time.Second
	DefaultMaxConflictRetries  = 3
)

// Registration results, used as metric labels
const (
	ResultAdmitted = "admitted"
	ResultExisting = "existing"
	ResultRejected = "rejected"
	ResultError    = "error"
)

// RegistrationResult is the outcome of AddSchema. When Verdict.Admitted is
// false nothing was written and Version is zero.
type RegistrationResult struct {
	Version  schema.VersionInfo    `json:"version"`
	Verdict  compatibility.Verdict `json:"verdict"`
	Existing bool                  `json:"existing"`
	Attempts int                   `json:"attempts"`
}

// Service is the schema registry
type Service struct {
	store     storage.SchemaStore
	evaluator *compatibility.Evaluator

	logger      *observability.Logger
	metrics     *observability.Metrics
	otelMetrics *observability.OTelMetrics

	registrationTimeout time.Duration
	maxConflictRetries  int
	defaultPolicy       compatibility.Policy

	inflight singleflight.Group
}

// Option configures a Service
type Option func(*Service)

// WithLogger sets the service logger
func WithLogger(l *observability.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMetrics records Prometheus metrics
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithOTelMetrics records OpenTelemetry metrics
func WithOTelMetrics(m *observability.OTelMetrics) Option {
	return func(s *Service) { s.otelMetrics = m }
}

// WithRegistrationTimeout bounds AddSchema, store I/O included. Zero disables the bound.
func WithRegistrationTimeout(d time.Duration) Option {
	return func(s *Service) { s.registrationTimeout = d }
}

// WithMaxConflictRetries sets how many times a lost conditional append is retried
func WithMaxConflictRetries(n int) Option {
	return func(s *Service) {
		if n >= 0 {
			s.maxConflictRetries = n
		}
	}
}

// WithDefaultPolicy sets the policy handed out by DefaultPolicy
func WithDefaultPolicy(p compatibility.Policy) Option {
	return func(s *Service) { s.defaultPolicy = p }
}

// New creates a registry service over store
func New(store storage.SchemaStore, evaluator *compatibility.Evaluator, opts ...Option) *Service {
	s := &Service{
		store:               store,
		evaluator:           evaluator,
		registrationTimeout: DefaultRegistrationTimeout,
		maxConflictRetries:  DefaultMaxConflictRetries,
		defaultPolicy:       compatibility.Backward(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = observability.NewLogger(observability.InfoLevel, os.Stdout)
	}
	return s
}

// DefaultPolicy is the policy for groups created without one
func (s *Service) DefaultPolicy() compatibility.Policy {
	return s.defaultPolicy
}

// Store returns the underlying schema store
func (s *Service) Store() storage.SchemaStore {
	return s.store
}

func (s *Service) log(ctx context.Context) *observability.Logger {
	if ctx.Value(observability.LoggerKey) == nil {
		ctx = observability.WithLogger(ctx, s.logger)
	}
	return observability.FromContext(ctx)
}

func validName(kind, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: %s name is required", ErrInvalidArgument, kind)
	}
	return nil
}

// CreateGroup creates a group
func (s *Service) CreateGroup(ctx context.Context, name string, props storage.GroupProperties) error {
	if err := validName("group", name); err != nil {
		return err
	}
	if err := props.Policy.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	if props.Properties == nil {
		props.Properties = map[string]string{}
	}
	if err := s.store.CreateGroup(ctx, name, props); err != nil {
		return storeError("create group", err)
	}
	s.log(ctx).WithFields(map[string]interface{}{
		"group":  name,
		"format": props.SerializationFormat.String(),
		"policy": props.Policy.String(),
	}).Info("group created")
	return nil
}

// GetGroup returns a group
func (s *Service) GetGroup(ctx context.Context, name string) (*storage.Group, error) {
	g, err := s.store.GetGroup(ctx, name)
	return g, storeError("get group", err)
}

// ListGroups returns every group ordered by name
func (s *Service) ListGroups(ctx context.Context) ([]storage.Group, error) {
	groups, err := s.store.ListGroups(ctx)
	return groups, storeError("list groups", err)
}

// DeleteGroup removes a group and its history
func (s *Service) DeleteGroup(ctx context.Context, name string) error {
	if err := s.store.DeleteGroup(ctx, name); err != nil {
		return storeError("delete group", err)
	}
	s.log(ctx).WithField("group", name).Info("group deleted")
	return nil
}

// UpdatePolicy replaces a group's policy and records the change
func (s *Service) UpdatePolicy(ctx context.Context, group string, policy compatibility.Policy, actor string) error {
	if err := policy.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	if actor == "" {
		actor = observability.GetActor(ctx)
	}
	previous, err := s.store.UpdatePolicy(ctx, group, policy, actor)
	if err != nil {
		return storeError("update policy", err)
	}
	s.log(ctx).WithFields(map[string]interface{}{
		"group":           group,
		"previous_policy": previous.String(),
		"policy":          policy.String(),
		"changed_by":      actor,
	}).Info("compatibility policy updated")
	return nil
}

// AddSchema registers info in group if the group policy admits it. Identical
// content already in the group is returned with Existing set. Concurrent
// calls for the same content share one execution.
func (s *Service) AddSchema(ctx context.Context, group string, info schema.SchemaInfo) (RegistrationResult, error) {
	start := time.Now()
	fingerprint := schema.Fingerprint(info)

	ctx, span := tracer.Start(ctx, "Registry.AddSchema",
		trace.WithAttributes(
			attribute.String("group", group),
			attribute.String("schema.type", info.Type),
			attribute.String("schema.format", info.Format.String()),
			attribute.String("schema.fingerprint", fingerprint),
		),
	)
	defer span.End()

	if s.registrationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.registrationTimeout)
		defer cancel()
	}

	key := group + "\x00" + info.Type + "\x00" + fingerprint
	ch := s.inflight.DoChan(key, func() (interface{}, error) {
		// the shared run outlives any single caller, each caller only bounds its own wait
		runCtx := context.WithoutCancel(ctx)
		if s.registrationTimeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(runCtx, s.registrationTimeout)
			defer cancel()
		}
		return s.register(runCtx, group, info)
	})

	var res RegistrationResult
	var err error
	select {
	case r := <-ch:
		if r.Shared && s.metrics != nil {
			s.metrics.InFlightRegistrationsDeduped.Inc()
		}
		res, _ = r.Val.(RegistrationResult)
		err = r.Err
	case <-ctx.Done():
		err = fmt.Errorf("add schema: %w", ctx.Err())
	}

	result := registrationResult(res, err)
	s.observeRegistration(ctx, group, result, time.Since(start))
	span.SetAttributes(attribute.String("result", result), attribute.Int("attempts", res.Attempts))

	logger := s.log(ctx).WithFields(map[string]interface{}{
		"group":       group,
		"type":        info.Type,
		"fingerprint": fingerprint,
		"attempts":    res.Attempts,
		"result":      result,
	})
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "registration failed")
		logger.WithError(err).Warn("schema registration failed")
	case result == ResultRejected:
		logger.WithFields(verdictFields(res.Verdict)).Info("schema rejected")
	default:
		logger.WithField("version", res.Version.String()).Info("schema registered")
	}
	return res, err
}

func registrationResult(res RegistrationResult, err error) string {
	switch {
	case err != nil:
		return ResultError
	case res.Existing:
		return ResultExisting
	case res.Verdict.Admitted:
		return ResultAdmitted
	}
	return ResultRejected
}

func verdictFields(v compatibility.Verdict) map[string]interface{} {
	fields := map[string]interface{}{"denied": v.Denied}
	if v.Reason != compatibility.None {
		fields["reason"] = v.Reason.String()
		fields["direction"] = v.Direction.String()
	}
	if v.FailingVersion != nil {
		fields["failing_version"] = v.FailingVersion.String()
	}
	return fields
}

// register runs the evaluate-then-append loop. A lost conditional append
// re-reads history and evaluates again against the new tip.
func (s *Service) register(ctx context.Context, group string, info schema.SchemaInfo) (RegistrationResult, error) {
	var res RegistrationResult
	for attempt := 1; ; attempt++ {
		res.Attempts = attempt

		a, err := s.assess(ctx, group, info)
		if err != nil {
			return res, err
		}
		res.Verdict = a.verdict
		if a.existing != nil {
			res.Version = a.existing.Version
			res.Existing = true
			return res, nil
		}
		if !a.verdict.Admitted {
			return res, nil
		}

		v, err := s.store.AppendVersion(ctx, group, info, a.cond)
		if err == nil {
			res.Version = v
			return res, nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return res, storeError("append version", err)
		}

		if s.metrics != nil {
			s.metrics.StoreConflictsTotal.Inc()
		}
		if s.otelMetrics != nil {
			s.otelMetrics.RecordStoreConflict(ctx, group)
		}
		if attempt > s.maxConflictRetries {
			return res, fmt.Errorf("append version after %d attempts: %w: %w", attempt, ErrStoreUnavailable, err)
		}
		s.log(ctx).WithFields(map[string]interface{}{
			"group":   group,
			"attempt": attempt,
		}).Debug("conditional append lost a race, re-evaluating")
	}
}

// assessment is a candidate evaluated against one consistent read of a group
type assessment struct {
	verdict  compatibility.Verdict
	existing *schema.SchemaWithVersion
	cond     storage.AppendCondition
}

func (s *Service) assess(ctx context.Context, group string, info schema.SchemaInfo) (assessment, error) {
	ctx = storage.WithConsistentRead(ctx)

	g, err := s.store.GetGroup(ctx, group)
	if err != nil {
		return assessment{}, storeError("get group", err)
	}
	props := g.Properties
	if props.SerializationFormat != schema.FormatAny && info.Format != props.SerializationFormat {
		return assessment{}, fmt.Errorf("%w: group %s accepts %s, schema is %s",
			compatibility.ErrFormatMismatch, group, props.SerializationFormat, info.Format)
	}

	history, err := s.store.ListSchemas(ctx, group, "", true)
	if err != nil {
		return assessment{}, storeError("list schemas", err)
	}
	typeVersion, ordinal := storage.Tips(history, info.Type)
	a := assessment{cond: storage.AppendCondition{
		TypeVersion:  typeVersion,
		Ordinal:      ordinal,
		CheckOrdinal: !props.VersionBySchemaType,
	}}

	scoped := make([]schema.SchemaWithVersion, 0, len(history))
	for i := range history {
		h := history[i]
		if h.Deleted {
			continue
		}
		if h.Schema.SameContent(info) {
			a.existing = &h
			a.verdict = compatibility.Verdict{Admitted: true}
			return a, nil
		}
		if props.VersionBySchemaType && h.Schema.Type != info.Type {
			continue
		}
		// an Any group compares a candidate only with schemas of its own format
		if props.SerializationFormat == schema.FormatAny && h.Schema.Format != info.Format {
			continue
		}
		scoped = append(scoped, h)
	}

	a.verdict, err = s.evaluator.Evaluate(ctx, info, scoped, props.Policy)
	s.observeCheck(ctx, info.Format, a.verdict, err)
	if err != nil {
		return assessment{}, fmt.Errorf("evaluate: %w", err)
	}
	return a, nil
}

// ValidateSchema evaluates info against the group without registering it
func (s *Service) ValidateSchema(ctx context.Context, group string, info schema.SchemaInfo) (compatibility.Verdict, error) {
	ctx, span := tracer.Start(ctx, "Registry.ValidateSchema",
		trace.WithAttributes(attribute.String("group", group), attribute.String("schema.type", info.Type)))
	defer span.End()

	a, err := s.assess(ctx, group, info)
	if err != nil {
		span.RecordError(err)
		return compatibility.Verdict{}, err
	}
	return a.verdict, nil
}

// CanRead reports whether reader can read data written with every live
// version in scope for its type
func (s *Service) CanRead(ctx context.Context, group string, reader schema.SchemaInfo) (bool, error) {
	g, err := s.store.GetGroup(ctx, group)
	if err != nil {
		return false, storeError("get group", err)
	}
	schemaType := ""
	if g.Properties.VersionBySchemaType {
		schemaType = reader.Type
	}
	history, err := s.store.ListSchemas(ctx, group, schemaType, false)
	if err != nil {
		return false, storeError("list schemas", err)
	}
	writers := make([]schema.SchemaInfo, 0, len(history))
	for _, h := range history {
		if g.Properties.SerializationFormat == schema.FormatAny && h.Schema.Format != reader.Format {
			continue
		}
		writers = append(writers, h.Schema)
	}
	ok, err := s.evaluator.CanRead(ctx, reader, writers)
	if err != nil {
		return false, fmt.Errorf("can read: %w", err)
	}
	return ok, nil
}

// GetSchema returns the entry at ordinal, deleted or not
func (s *Service) GetSchema(ctx context.Context, group string, ordinal int) (*schema.SchemaWithVersion, error) {
	entry, err := s.store.GetSchema(ctx, group, ordinal)
	return entry, storeError("get schema", err)
}

// GetLatestSchema returns the newest live entry of schemaType, or of any type
// when schemaType is empty
func (s *Service) GetLatestSchema(ctx context.Context, group, schemaType string) (*schema.SchemaWithVersion, error) {
	history, err := s.store.ListSchemas(ctx, group, schemaType, false)
	if err != nil {
		return nil, storeError("get latest schema", err)
	}
	if len(history) == 0 {
		return nil, fmt.Errorf("get latest schema: group %s has no live versions: %w", group, storage.ErrNotFound)
	}
	latest := history[len(history)-1]
	return &latest, nil
}

// ListSchemas returns the group history ordered by ordinal
func (s *Service) ListSchemas(ctx context.Context, group, schemaType string, includeDeleted bool) ([]schema.SchemaWithVersion, error) {
	history, err := s.store.ListSchemas(ctx, group, schemaType, includeDeleted)
	return history, storeError("list schemas", err)
}

// GetSchemaVersion finds the live version holding info's content
func (s *Service) GetSchemaVersion(ctx context.Context, group string, info schema.SchemaInfo) (schema.VersionInfo, error) {
	history, err := s.store.ListSchemas(ctx, group, info.Type, false)
	if err != nil {
		return schema.VersionInfo{}, storeError("get schema version", err)
	}
	for _, h := range history {
		if h.Schema.SameContent(info) {
			return h.Version, nil
		}
	}
	return schema.VersionInfo{}, fmt.Errorf("get schema version: %w", storage.ErrNotFound)
}

// DeleteSchema soft-deletes the entry at ordinal
func (s *Service) DeleteSchema(ctx context.Context, group string, ordinal int) error {
	if err := s.store.DeleteSchema(ctx, group, ordinal); err != nil {
		return storeError("delete schema", err)
	}
	s.log(ctx).WithFields(map[string]interface{}{"group": group, "ordinal": ordinal}).Info("schema deleted")
	return nil
}

// AddCodecType registers a codec for the group's encodings
func (s *Service) AddCodecType(ctx context.Context, group, codec string) error {
	if err := validName("codec", codec); err != nil {
		return err
	}
	return storeError("add codec type", s.store.AddCodecType(ctx, group, codec))
}

// ListCodecTypes returns the group's codecs; every group has schema.DefaultCodec
func (s *Service) ListCodecTypes(ctx context.Context, group string) ([]string, error) {
	codecs, err := s.store.ListCodecTypes(ctx, group)
	return codecs, storeError("list codec types", err)
}

// GetEncodingID returns the id binding ordinal to codec, allocating it on first use
func (s *Service) GetEncodingID(ctx context.Context, group string, ordinal int, codec string) (schema.EncodingID, error) {
	if codec == "" {
		codec = schema.DefaultCodec
	}
	id, err := s.store.GetOrCreateEncodingID(ctx, group, ordinal, codec)
	return id, storeError("get encoding id", err)
}

// GetEncodingInfo resolves an encoding id
func (s *Service) GetEncodingInfo(ctx context.Context, group string, id schema.EncodingID) (*schema.EncodingInfo, error) {
	info, err := s.store.GetEncodingInfo(ctx, group, id)
	return info, storeError("get encoding info", err)
}

// GroupHistory returns the group's change records, oldest first
func (s *Service) GroupHistory(ctx context.Context, group string) ([]storage.GroupHistoryRecord, error) {
	records, err := s.store.GroupHistory(ctx, group)
	return records, storeError("group history", err)
}

func (s *Service) observeRegistration(ctx context.Context, group, result string, d time.Duration) {
	if s.metrics != nil {
		s.metrics.RegistrationsTotal.WithLabelValues(result).Inc()
		s.metrics.RegistrationDuration.Observe(d.Seconds())
	}
	if s.otelMetrics != nil {
		s.otelMetrics.RecordRegistration(ctx, group, result, d)
	}
}

func (s *Service) observeCheck(ctx context.Context, format schema.SerializationFormat, v compatibility.Verdict, err error) {
	result := ResultAdmitted
	switch {
	case err != nil:
		result = ResultError
	case !v.Admitted:
		result = ResultRejected
	}
	if s.metrics != nil {
		s.metrics.CompatibilityChecksTotal.WithLabelValues(format.String(), result).Inc()
		if result == ResultRejected {
			kind := "denied"
			if !v.Denied {
				kind = v.Reason.String()
			}
			s.metrics.BreakingChangesTotal.WithLabelValues(kind).Inc()
		}
	}
	if s.otelMetrics != nil {
		s.otelMetrics.RecordCompatibilityCheck(ctx, format.String(), result)
	}
}
