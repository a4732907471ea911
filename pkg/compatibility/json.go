package compatibility

import (
	"fmt"
	"regexp"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/platinummonkey/tether/pkg/schema"
)

// DefaultDocumentCacheSize is the number of parsed documents a JSONComparator keeps
const DefaultDocumentCacheSize = 1024

// JSONOption configures a JSONComparator
type JSONOption func(*JSONComparator)

// WithLenientTypes makes a change of declared type report nothing, except
// integer narrowing a number which is always reported.
func WithLenientTypes(lenient bool) JSONOption {
	return func(c *JSONComparator) {
		c.lenientTypes = lenient
	}
}

// WithDocumentCacheSize bounds the parsed document cache. Zero disables it.
func WithDocumentCacheSize(size int) JSONOption {
	return func(c *JSONComparator) {
		c.cacheSize = size
	}
}

// JSONComparator compares JSON Schema documents structurally
type JSONComparator struct {
	lenientTypes bool
	cacheSize    int
	cache        *lru.Cache[string, *Document]
}

// NewJSONComparator creates a comparator with a document cache of
// DefaultDocumentCacheSize unless overridden.
func NewJSONComparator(opts ...JSONOption) *JSONComparator {
	c := &JSONComparator{cacheSize: DefaultDocumentCacheSize}
	for _, opt := range opts {
		opt(c)
	}
	if c.cacheSize > 0 {
		// lru.New only fails for non-positive sizes
		c.cache, _ = lru.New[string, *Document](c.cacheSize)
	}
	return c
}

// Parse returns the parsed document for info, from cache when possible
func (c *JSONComparator) Parse(info schema.SchemaInfo) (*Document, error) {
	if c.cache == nil {
		return ParseDocument(info.Data)
	}
	key := schema.Fingerprint(info)
	if doc, ok := c.cache.Get(key); ok {
		return doc, nil
	}
	doc, err := ParseDocument(info.Data)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, doc)
	return doc, nil
}

// Prepare implements Preparer
func (c *JSONComparator) Prepare(info schema.SchemaInfo) error {
	_, err := c.Parse(info)
	return err
}

// Compare implements Comparator
func (c *JSONComparator) Compare(candidate, baseline schema.SchemaInfo) (BreakingChange, error) {
	cand, err := c.Parse(candidate)
	if err != nil {
		return None, fmt.Errorf("candidate %q: %w", candidate.Type, err)
	}
	base, err := c.Parse(baseline)
	if err != nil {
		return None, fmt.Errorf("baseline %q: %w", baseline.Type, err)
	}
	return c.CompareDocuments(cand, base)
}

// CompareDocuments compares two parsed documents
func (c *JSONComparator) CompareDocuments(candidate, baseline *Document) (BreakingChange, error) {
	w := &walker{lenientTypes: c.lenientTypes, patterns: make(map[string]*regexp.Regexp)}
	return w.compare(candidate.Root, baseline.Root)
}

// emptySchema accepts every instance; it stands in for absent and true schemas
var emptySchema = &Node{kind: KindObject, fields: map[string]*Node{}}

// walker holds per-comparison state so a JSONComparator stays reentrant
type walker struct {
	lenientTypes bool
	patterns     map[string]*regexp.Regexp
}

func malformed(keyword, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrMalformedSchema, keyword, fmt.Sprintf(format, args...))
}

// asSchema normalizes a sub-schema: absent and true become the empty schema
func asSchema(n *Node, keyword string) (*Node, error) {
	switch {
	case n == nil, n.IsTrue():
		return emptySchema, nil
	case n.IsFalse(), n.IsObject():
		return n, nil
	}
	return nil, malformed(keyword, "schema must be an object or boolean, got %s", n.Kind())
}

func (w *walker) compare(candNode, baseNode *Node) (BreakingChange, error) {
	cand, err := asSchema(candNode, "schema")
	if err != nil {
		return None, err
	}
	base, err := asSchema(baseNode, "schema")
	if err != nil {
		return None, err
	}
	if cand == base {
		return None, nil
	}
	if cand.IsFalse() {
		if base.IsFalse() {
			return None, nil
		}
		return SchemaClosed, nil
	}
	if base.IsFalse() {
		return None, nil
	}

	steps := []func(cand, base *Node) (BreakingChange, error){
		w.compareEnum,
		w.compareCombined,
		w.compareNot,
		w.compareTypes,
	}
	for _, step := range steps {
		change, err := step(cand, base)
		if err != nil || change != None {
			return change, err
		}
	}
	return None, nil
}

func (w *walker) compareEnum(cand, base *Node) (BreakingChange, error) {
	candEnum, baseEnum := cand.Get("enum"), base.Get("enum")
	for _, e := range []*Node{candEnum, baseEnum} {
		if e != nil && !e.IsArray() {
			return None, malformed("enum", "must be an array")
		}
	}
	switch {
	case candEnum == nil:
		return None, nil
	case baseEnum == nil:
		return EnumAdded, nil
	}
	for _, want := range baseEnum.Items() {
		if !containsValue(candEnum.Items(), want) {
			return EnumArrayNarrowed, nil
		}
	}
	return None, nil
}

func containsValue(values []*Node, want *Node) bool {
	for _, v := range values {
		if v.Equal(want) {
			return true
		}
	}
	return false
}

// compareNot requires the candidate's excluded set to stay within the
// baseline's: compare(base.not, cand.not) must hold.
func (w *walker) compareNot(cand, base *Node) (BreakingChange, error) {
	candNot, baseNot := cand.Get("not"), base.Get("not")
	switch {
	case candNot == nil:
		return None, nil
	case baseNot == nil:
		return NotTypeAdded, nil
	}
	change, err := w.compare(baseNot, candNot)
	if err != nil {
		return None, err
	}
	if change != None {
		return NotTypeExtended, nil
	}
	return None, nil
}

// kinds the rule tables are keyed by, in evaluation order
var ruleKinds = []string{"object", "array", "string", "number"}

var allTypes = []string{"object", "array", "string", "number", "integer", "boolean", "null"}

// declaredTypes returns the type set of a schema, or nil when it declares none
func declaredTypes(n *Node) (map[string]bool, error) {
	t := n.Get("type")
	if t == nil {
		return nil, nil
	}
	out := make(map[string]bool)
	add := func(v *Node) error {
		name, ok := v.Text()
		if !ok {
			return malformed("type", "entries must be strings")
		}
		for _, known := range allTypes {
			if known == name {
				out[name] = true
				return nil
			}
		}
		return malformed("type", "unknown type %q", name)
	}
	switch {
	case t.Kind() == KindString:
		if err := add(t); err != nil {
			return nil, err
		}
	case t.IsArray():
		for _, v := range t.Items() {
			if err := add(v); err != nil {
				return nil, err
			}
		}
	default:
		return nil, malformed("type", "must be a string or an array of strings")
	}
	return out, nil
}

// hasKind reports whether a type set admits kind. A nil set admits every
// kind, and integer counts as number.
func hasKind(types map[string]bool, kind string) bool {
	if types == nil {
		return true
	}
	if kind == "number" {
		return types["number"] || types["integer"]
	}
	return types[kind]
}

func (w *walker) compareTypes(cand, base *Node) (BreakingChange, error) {
	candTypes, err := declaredTypes(cand)
	if err != nil {
		return None, err
	}
	baseTypes, err := declaredTypes(base)
	if err != nil {
		return None, err
	}

	if !w.lenientTypes && candTypes != nil {
		if baseTypes == nil {
			return TypeChanged, nil
		}
		for t := range baseTypes {
			covered := candTypes[t] || (t == "integer" && candTypes["number"]) ||
				(t == "number" && candTypes["integer"])
			if !covered {
				return TypeChanged, nil
			}
		}
	}

	// an untyped side admits every kind; each rule only fires on keywords
	// that are present
	for _, kind := range ruleKinds {
		if !hasKind(candTypes, kind) || !hasKind(baseTypes, kind) {
			continue
		}
		var change BreakingChange
		switch kind {
		case "object":
			change, err = w.compareObject(cand, base)
		case "array":
			change, err = w.compareArray(cand, base)
		case "string":
			change, err = w.compareString(cand, base)
		case "number":
			change, err = w.compareNumber(cand, base, candTypes, baseTypes)
		}
		if err != nil || change != None {
			return change, err
		}
	}
	return None, nil
}

// pattern compiles and memoizes a regular expression keyword
func (w *walker) pattern(keyword, expr string) (*regexp.Regexp, error) {
	if re, ok := w.patterns[expr]; ok {
		return re, nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, malformed(keyword, "invalid pattern %q: %v", expr, err)
	}
	w.patterns[expr] = re
	return re, nil
}
