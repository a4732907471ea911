package compatibility

var combiners = []string{"allOf", "anyOf", "oneOf"}

// combinerOf returns the first combining keyword on n and its members
func combinerOf(n *Node) (string, []*Node, error) {
	for _, keyword := range combiners {
		v := n.Get(keyword)
		if v == nil {
			continue
		}
		if !v.IsArray() || len(v.Items()) == 0 {
			return "", nil, malformed(keyword, "must be a non-empty array")
		}
		return keyword, v.Items(), nil
	}
	return "", nil, nil
}

func (w *walker) compareCombined(cand, base *Node) (BreakingChange, error) {
	candKeyword, candMembers, err := combinerOf(cand)
	if err != nil {
		return None, err
	}
	baseKeyword, baseMembers, err := combinerOf(base)
	if err != nil {
		return None, err
	}
	switch {
	case candKeyword == "":
		return None, nil
	case baseKeyword == "":
		return CombinedTypeAdded, nil
	case candKeyword != baseKeyword:
		return CompositionMethodChanged, nil
	}

	if candKeyword == "allOf" {
		// every candidate member must already hold for some baseline member
		if len(candMembers) > len(baseMembers) {
			return ProductTypeExtended, nil
		}
		return w.coveredBy(candMembers, baseMembers, func(c, b *Node) (BreakingChange, error) {
			return w.compare(c, b)
		})
	}

	// every baseline alternative must still be accepted by some candidate alternative
	if len(candMembers) < len(baseMembers) {
		return SumTypeNarrowed, nil
	}
	return w.coveredBy(baseMembers, candMembers, func(b, c *Node) (BreakingChange, error) {
		return w.compare(c, b)
	})
}

// coveredBy reports CombinedTypeSubschemasChanged unless every node in need
// has a partner in pool for which match reports None.
func (w *walker) coveredBy(need, pool []*Node, match func(n, p *Node) (BreakingChange, error)) (BreakingChange, error) {
	for _, n := range need {
		found := false
		for _, p := range pool {
			change, err := match(n, p)
			if err != nil {
				return None, err
			}
			if change == None {
				found = true
				break
			}
		}
		if !found {
			return CombinedTypeSubschemasChanged, nil
		}
	}
	return None, nil
}
