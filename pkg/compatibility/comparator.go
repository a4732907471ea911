package compatibility

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/platinummonkey/tether/pkg/schema"
)

var (
	// ErrMalformedSchema means a document cannot be parsed as its declared format
	ErrMalformedSchema = errors.New("malformed schema")
	// ErrUnsupportedFormat means no comparator is registered for a format
	ErrUnsupportedFormat = errors.New("unsupported serialization format")
	// ErrFormatMismatch means two schemas of different formats were compared
	ErrFormatMismatch = errors.New("serialization format mismatch")
)

// Comparator decides whether candidate can replace baseline. A non-None result
// names the first violation found. Implementations must be pure and safe for
// concurrent use.
type Comparator interface {
	Compare(candidate, baseline schema.SchemaInfo) (BreakingChange, error)
}

// Preparer is implemented by comparators that can parse a schema ahead of
// comparison, for example to warm a cache.
type Preparer interface {
	Prepare(info schema.SchemaInfo) error
}

// AllowAllComparator reports every pair as compatible. It serves formats the
// registry stores without understanding.
type AllowAllComparator struct{}

func (AllowAllComparator) Compare(candidate, baseline schema.SchemaInfo) (BreakingChange, error) {
	return None, nil
}

// Comparators selects a Comparator by serialization format
type Comparators struct {
	mu       sync.RWMutex
	byFormat map[schema.SerializationFormat]Comparator
}

// NewComparators registers the JSON comparator built from opts and the
// allow-all comparator for Any and Custom. Avro and Protobuf are left
// unregistered.
func NewComparators(opts ...JSONOption) *Comparators {
	return &Comparators{
		byFormat: map[schema.SerializationFormat]Comparator{
			schema.FormatJSON:   NewJSONComparator(opts...),
			schema.FormatAny:    AllowAllComparator{},
			schema.FormatCustom: AllowAllComparator{},
		},
	}
}

// Register installs or replaces the comparator for format
func (c *Comparators) Register(format schema.SerializationFormat, comparator Comparator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byFormat[format] = comparator
}

// Get returns the comparator for format
func (c *Comparators) Get(format schema.SerializationFormat) (Comparator, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	comparator, ok := c.byFormat[format]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	return comparator, nil
}

// Compare dispatches on the candidate's format. Byte-identical schemas are
// compatible without consulting any comparator.
func (c *Comparators) Compare(candidate, baseline schema.SchemaInfo) (BreakingChange, error) {
	if candidate.Format == baseline.Format && bytes.Equal(candidate.Data, baseline.Data) {
		return None, nil
	}
	if candidate.Format != baseline.Format {
		return None, fmt.Errorf("%w: %s vs %s", ErrFormatMismatch, candidate.Format, baseline.Format)
	}
	comparator, err := c.Get(candidate.Format)
	if err != nil {
		return None, err
	}
	return comparator.Compare(candidate, baseline)
}

// Prepare parses info ahead of time when its comparator supports it
func (c *Comparators) Prepare(info schema.SchemaInfo) error {
	comparator, err := c.Get(info.Format)
	if err != nil {
		return err
	}
	if p, ok := comparator.(Preparer); ok {
		return p.Prepare(info)
	}
	return nil
}
