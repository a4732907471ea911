package compatibility

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tether/pkg/schema"
)

type fixedComparator struct {
	result BreakingChange
}

func (f fixedComparator) Compare(candidate, baseline schema.SchemaInfo) (BreakingChange, error) {
	return f.result, nil
}

func TestComparatorsDispatch(t *testing.T) {
	comparators := NewComparators()

	anyA := schema.SchemaInfo{Type: "blob", Format: schema.FormatAny, Data: []byte("a")}
	anyB := schema.SchemaInfo{Type: "blob", Format: schema.FormatAny, Data: []byte("b")}
	got, err := comparators.Compare(anyA, anyB)
	require.NoError(t, err)
	assert.Equal(t, None, got)

	protoA := schema.SchemaInfo{Type: "msg", Format: schema.FormatProtobuf, Data: []byte("message A {}")}
	protoB := schema.SchemaInfo{Type: "msg", Format: schema.FormatProtobuf, Data: []byte("message B {}")}
	_, err = comparators.Compare(protoA, protoB)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	got, err = comparators.Compare(protoA, protoA)
	require.NoError(t, err)
	assert.Equal(t, None, got)

	_, err = comparators.Compare(jsonInfo(`{}`), anyA)
	assert.ErrorIs(t, err, ErrFormatMismatch)

	comparators.Register(schema.FormatProtobuf, fixedComparator{result: TypeChanged})
	got, err = comparators.Compare(protoA, protoB)
	require.NoError(t, err)
	assert.Equal(t, TypeChanged, got)
}

func TestComparatorsPrepare(t *testing.T) {
	comparators := NewComparators()

	assert.NoError(t, comparators.Prepare(jsonInfo(`{"type":"string"}`)))
	assert.ErrorIs(t, comparators.Prepare(jsonInfo(`{"type"`)), ErrMalformedSchema)
	assert.NoError(t, comparators.Prepare(schema.SchemaInfo{Format: schema.FormatCustom, Data: []byte("x")}))
	assert.ErrorIs(t, comparators.Prepare(schema.SchemaInfo{Format: schema.FormatAvro}), ErrUnsupportedFormat)
}
