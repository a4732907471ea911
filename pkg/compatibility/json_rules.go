package compatibility

import (
	"math/big"
)

type boundDirection int

const (
	// upperBound narrows when the candidate value drops
	upperBound boundDirection = iota
	// lowerBound narrows when the candidate value rises
	lowerBound
)

func numberKeyword(n *Node, keyword string) (*big.Rat, bool, error) {
	v := n.Get(keyword)
	if v == nil {
		return nil, false, nil
	}
	r, ok := v.Rat()
	if !ok {
		return nil, false, malformed(keyword, "must be a number, got %s", v.Kind())
	}
	return r, true, nil
}

// limit applies the added-or-tightened rule shared by every numeric bound
func limit(cand, base *Node, keyword string, dir boundDirection, added, tightened BreakingChange) (BreakingChange, error) {
	c, hasCand, err := numberKeyword(cand, keyword)
	if err != nil {
		return None, err
	}
	b, hasBase, err := numberKeyword(base, keyword)
	if err != nil {
		return None, err
	}
	switch {
	case !hasCand:
		return None, nil
	case !hasBase:
		return added, nil
	}
	cmp := c.Cmp(b)
	if (dir == upperBound && cmp < 0) || (dir == lowerBound && cmp > 0) {
		return tightened, nil
	}
	return None, nil
}

// exclusiveLimit handles exclusiveMinimum and exclusiveMaximum, which are
// either numbers or, in older drafts, booleans modifying minimum and maximum.
func exclusiveLimit(cand, base *Node, keyword string, dir boundDirection, added, tightened BreakingChange) (BreakingChange, error) {
	c, b := cand.Get(keyword), base.Get(keyword)
	for _, v := range []*Node{c, b} {
		if v != nil && !v.IsBool() && v.Kind() != KindNumber {
			return None, malformed(keyword, "must be a number or boolean, got %s", v.Kind())
		}
	}
	switch {
	case c == nil, c.IsFalse():
		return None, nil
	case c.IsTrue():
		if b.IsTrue() {
			return None, nil
		}
		return added, nil
	case b == nil, b.IsBool():
		return added, nil
	}
	return limit(cand, base, keyword, dir, added, tightened)
}

func runRules(rules ...func() (BreakingChange, error)) (BreakingChange, error) {
	for _, rule := range rules {
		change, err := rule()
		if err != nil || change != None {
			return change, err
		}
	}
	return None, nil
}

func (w *walker) compareString(cand, base *Node) (BreakingChange, error) {
	return runRules(
		func() (BreakingChange, error) {
			return limit(cand, base, "minLength", lowerBound, MinLengthAdded, MinLengthIncreased)
		},
		func() (BreakingChange, error) {
			return limit(cand, base, "maxLength", upperBound, MaxLengthAdded, MaxLengthDecreased)
		},
		func() (BreakingChange, error) {
			return w.comparePattern(cand, base)
		},
	)
}

func (w *walker) comparePattern(cand, base *Node) (BreakingChange, error) {
	var exprs [2]string
	var present [2]bool
	for i, n := range []*Node{cand, base} {
		v := n.Get("pattern")
		if v == nil {
			continue
		}
		expr, ok := v.Text()
		if !ok {
			return None, malformed("pattern", "must be a string")
		}
		if _, err := w.pattern("pattern", expr); err != nil {
			return None, err
		}
		exprs[i], present[i] = expr, true
	}
	switch {
	case !present[0]:
		return None, nil
	case !present[1]:
		return PatternAdded, nil
	case exprs[0] != exprs[1]:
		return PatternChanged, nil
	}
	return None, nil
}

func (w *walker) compareNumber(cand, base *Node, candTypes, baseTypes map[string]bool) (BreakingChange, error) {
	return runRules(
		func() (BreakingChange, error) {
			return limit(cand, base, "maximum", upperBound, MaximumAdded, MaximumDecreased)
		},
		func() (BreakingChange, error) {
			return exclusiveLimit(cand, base, "exclusiveMaximum", upperBound, ExclusiveMaximumAdded, ExclusiveMaximumDecreased)
		},
		func() (BreakingChange, error) {
			return limit(cand, base, "minimum", lowerBound, MinimumAdded, MinimumIncreased)
		},
		func() (BreakingChange, error) {
			return exclusiveLimit(cand, base, "exclusiveMinimum", lowerBound, ExclusiveMinimumAdded, ExclusiveMinimumIncreased)
		},
		func() (BreakingChange, error) {
			return compareMultipleOf(cand, base)
		},
		func() (BreakingChange, error) {
			if baseTypes["number"] && candTypes["integer"] && !candTypes["number"] {
				return TypeNarrowed, nil
			}
			return None, nil
		},
	)
}

func compareMultipleOf(cand, base *Node) (BreakingChange, error) {
	c, hasCand, err := numberKeyword(cand, "multipleOf")
	if err != nil {
		return None, err
	}
	b, hasBase, err := numberKeyword(base, "multipleOf")
	if err != nil {
		return None, err
	}
	for _, r := range []*big.Rat{c, b} {
		if r != nil && r.Sign() <= 0 {
			return None, malformed("multipleOf", "must be greater than zero")
		}
	}
	switch {
	case !hasCand:
		return None, nil
	case !hasBase:
		return MultipleOfAdded, nil
	case c.Cmp(b) == 0:
		return None, nil
	case isMultiple(c, b):
		return MultipleOfExpanded, nil
	case isMultiple(b, c):
		return None, nil
	}
	return MultipleOfChanged, nil
}

// isMultiple reports whether a is an integer multiple of b
func isMultiple(a, b *big.Rat) bool {
	return new(big.Rat).Quo(a, b).IsInt()
}

func (w *walker) compareArray(cand, base *Node) (BreakingChange, error) {
	return runRules(
		func() (BreakingChange, error) {
			return w.compareTuple(cand, base)
		},
		func() (BreakingChange, error) {
			return compareUniqueItems(cand, base)
		},
		func() (BreakingChange, error) {
			return limit(cand, base, "maxItems", upperBound, MaxItemsAdded, MaxItemsDecreased)
		},
		func() (BreakingChange, error) {
			return limit(cand, base, "minItems", lowerBound, MinItemsAdded, MinItemsIncreased)
		},
		func() (BreakingChange, error) {
			return w.compareAdditionalItems(cand, base)
		},
		func() (BreakingChange, error) {
			candItems := cand.Get("items")
			if candItems == nil || candItems.IsArray() {
				return None, nil
			}
			return w.compare(candItems, base.Get("items"))
		},
	)
}

func (w *walker) compareTuple(cand, base *Node) (BreakingChange, error) {
	candItems, baseItems := cand.Get("items"), base.Get("items")
	switch {
	case candItems.IsArray() && baseItems.IsArray():
	case candItems.IsArray() && baseItems == nil:
		return TupleItemAdded, nil
	case candItems != nil && baseItems != nil && candItems.IsArray() != baseItems.IsArray():
		return ItemsFormChanged, nil
	default:
		return None, nil
	}

	c, b := candItems.Items(), baseItems.Items()
	switch {
	case len(c) > len(b):
		return TupleItemAdded, nil
	case len(c) < len(b):
		return TupleItemRemoved, nil
	}
	for i := range c {
		change, err := w.compare(c[i], b[i])
		if err != nil || change != None {
			return change, err
		}
	}
	return None, nil
}

func compareUniqueItems(cand, base *Node) (BreakingChange, error) {
	for _, n := range []*Node{cand, base} {
		if v := n.Get("uniqueItems"); v != nil && !v.IsBool() {
			return None, malformed("uniqueItems", "must be a boolean")
		}
	}
	if cand.Get("uniqueItems").IsTrue() && !base.Get("uniqueItems").IsTrue() {
		return UniqueItemsAdded, nil
	}
	return None, nil
}

func (w *walker) compareAdditionalItems(cand, base *Node) (BreakingChange, error) {
	c, b := cand.Get("additionalItems"), base.Get("additionalItems")
	for _, v := range []*Node{c, b} {
		if v != nil && !v.IsBool() && !v.IsObject() {
			return None, malformed("additionalItems", "must be an object or boolean")
		}
	}
	switch {
	case c == nil, c.IsTrue():
		return None, nil
	case c.IsFalse():
		if b.IsFalse() {
			return None, nil
		}
		return AdditionalItemsRemoved, nil
	case b == nil, b.IsTrue():
		return AdditionalItemsNarrowed, nil
	case b.IsFalse():
		return None, nil
	}
	change, err := w.compare(c, b)
	if err != nil {
		return None, err
	}
	if change != None {
		return AdditionalItemsNarrowed, nil
	}
	return None, nil
}
