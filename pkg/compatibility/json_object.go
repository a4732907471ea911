package compatibility

// propertySet classifies how an object schema treats undeclared keys
type propertySet int

const (
	// dynamicSet admits any undeclared key
	dynamicSet propertySet = iota
	// staticSet admits no undeclared key: additionalProperties is false and
	// there are no patternProperties
	staticSet
	// conditionalSet constrains undeclared keys through patternProperties or
	// an additionalProperties schema
	conditionalSet
)

func classifyPropertySet(n *Node) (propertySet, error) {
	additional, patterns := n.Get("additionalProperties"), n.Get("patternProperties")
	if additional != nil && !additional.IsBool() && !additional.IsObject() {
		return dynamicSet, malformed("additionalProperties", "must be an object or boolean")
	}
	if patterns != nil && !patterns.IsObject() {
		return dynamicSet, malformed("patternProperties", "must be an object")
	}
	switch {
	case patterns != nil:
		return conditionalSet, nil
	case additional == nil, additional.IsTrue():
		return dynamicSet, nil
	case additional.IsFalse():
		return staticSet, nil
	}
	return conditionalSet, nil
}

// undeclaredSchema returns the schema n applies to an undeclared key: the
// first matching patternProperties entry in document order, otherwise
// additionalProperties. A nil result admits anything.
func (w *walker) undeclaredSchema(n *Node, key string) (*Node, error) {
	patterns := n.Get("patternProperties")
	for _, expr := range patterns.Keys() {
		re, err := w.pattern("patternProperties", expr)
		if err != nil {
			return nil, err
		}
		if re.MatchString(key) {
			return patterns.Get(expr), nil
		}
	}
	return n.Get("additionalProperties"), nil
}

func propertiesOf(n *Node) (*Node, error) {
	props := n.Get("properties")
	if props != nil && !props.IsObject() {
		return nil, malformed("properties", "must be an object")
	}
	return props, nil
}

func requiredOf(n *Node) ([]string, map[string]bool, error) {
	req := n.Get("required")
	if req == nil {
		return nil, map[string]bool{}, nil
	}
	if !req.IsArray() {
		return nil, nil, malformed("required", "must be an array of strings")
	}
	names := make([]string, 0, len(req.Items()))
	set := make(map[string]bool, len(req.Items()))
	for _, v := range req.Items() {
		name, ok := v.Text()
		if !ok {
			return nil, nil, malformed("required", "must be an array of strings")
		}
		names = append(names, name)
		set[name] = true
	}
	return names, set, nil
}

// unionKeys lists a's keys then b's keys not in a, both in document order
func unionKeys(a, b *Node) []string {
	keys := append([]string(nil), a.Keys()...)
	for _, k := range b.Keys() {
		if !a.Has(k) {
			keys = append(keys, k)
		}
	}
	return keys
}

func (w *walker) compareObject(cand, base *Node) (BreakingChange, error) {
	change, err := w.compareProperties(cand, base)
	if err != nil || change != None {
		return change, err
	}
	return w.compareDependencies(cand, base)
}

func (w *walker) compareProperties(cand, base *Node) (BreakingChange, error) {
	candProps, err := propertiesOf(cand)
	if err != nil {
		return None, err
	}
	baseProps, err := propertiesOf(base)
	if err != nil {
		return None, err
	}
	candSet, err := classifyPropertySet(cand)
	if err != nil {
		return None, err
	}
	baseSet, err := classifyPropertySet(base)
	if err != nil {
		return None, err
	}
	candRequired, candRequiredSet, err := requiredOf(cand)
	if err != nil {
		return None, err
	}
	_, baseRequiredSet, err := requiredOf(base)
	if err != nil {
		return None, err
	}

	for _, key := range unionKeys(candProps, baseProps) {
		candProp, baseProp := candProps.Get(key), baseProps.Get(key)
		switch {
		case candProp == nil:
			switch candSet {
			case staticSet:
				return PropertyRemovedFromStaticPropertySet, nil
			case conditionalSet:
				sub, err := w.undeclaredSchema(cand, key)
				if err != nil {
					return None, err
				}
				change, err := w.compare(sub, baseProp)
				if err != nil {
					return None, err
				}
				if change != None {
					return PropertyRemovedNotPartOfDynamicPropertySetWithCondition, nil
				}
			}
		case baseProp == nil:
			if baseSet == dynamicSet {
				return PropertyAddedToDynamicPropertySet, nil
			}
			if candRequiredSet[key] && !candProp.Has("default") {
				return RequiredPropertyAddedWithoutDefault, nil
			}
			if baseSet == conditionalSet {
				sub, err := w.undeclaredSchema(base, key)
				if err != nil {
					return None, err
				}
				change, err := w.compare(candProp, sub)
				if err != nil {
					return None, err
				}
				if change != None {
					return PropertyAddedNotPartOfDynamicPropertySetWithCondition, nil
				}
			}
		default:
			change, err := w.compare(candProp, baseProp)
			if err != nil || change != None {
				return change, err
			}
		}
	}

	change, err := runRules(
		func() (BreakingChange, error) {
			return limit(cand, base, "minProperties", lowerBound, MinPropertiesAdded, MinPropertiesIncreased)
		},
		func() (BreakingChange, error) {
			return limit(cand, base, "maxProperties", upperBound, MaxPropertiesAdded, MaxPropertiesDecreased)
		},
		func() (BreakingChange, error) {
			return w.compareAdditionalProperties(cand, base)
		},
	)
	if err != nil || change != None {
		return change, err
	}

	for _, name := range candRequired {
		if baseRequiredSet[name] {
			continue
		}
		if !candProps.Get(name).Has("default") {
			return RequiredPropertyAddedWithoutDefault, nil
		}
	}
	return None, nil
}

func (w *walker) compareAdditionalProperties(cand, base *Node) (BreakingChange, error) {
	c, b := cand.Get("additionalProperties"), base.Get("additionalProperties")
	switch {
	case b == nil:
		return None, nil
	case c == nil:
		// absent and true are the same schema
		if b.IsTrue() {
			return None, nil
		}
		return AdditionalPropertiesRemoved, nil
	}
	change, err := w.compare(c, b)
	if err != nil {
		return None, err
	}
	if change != None {
		return AdditionalPropertiesNarrowed, nil
	}
	return None, nil
}

type dependencyForm int

const (
	arrayDependency dependencyForm = iota
	schemaDependency
)

func formOf(key string, v *Node) (dependencyForm, error) {
	switch {
	case v.IsArray():
		for _, item := range v.Items() {
			if _, ok := item.Text(); !ok {
				return arrayDependency, malformed("dependencies", "%q: array entries must be strings", key)
			}
		}
		return arrayDependency, nil
	case v.IsObject(), v.IsBool():
		return schemaDependency, nil
	}
	return arrayDependency, malformed("dependencies", "%q: must be an array or a schema", key)
}

func (w *walker) compareDependencies(cand, base *Node) (BreakingChange, error) {
	candDeps, baseDeps := cand.Get("dependencies"), base.Get("dependencies")
	for _, d := range []*Node{candDeps, baseDeps} {
		if d == nil {
			continue
		}
		if !d.IsObject() {
			return None, malformed("dependencies", "must be an object")
		}
		for _, key := range d.Keys() {
			if _, err := formOf(key, d.Get(key)); err != nil {
				return None, err
			}
		}
	}
	switch {
	case candDeps == nil:
		return None, nil
	case baseDeps == nil:
		return DependencySectionAdded, nil
	}

	for _, key := range candDeps.Keys() {
		candDep, baseDep := candDeps.Get(key), baseDeps.Get(key)
		candForm, _ := formOf(key, candDep)
		if baseDep == nil {
			if candForm == arrayDependency {
				return DependencyAddedInArrayForm, nil
			}
			return DependencyAddedInSchemaForm, nil
		}
		baseForm, _ := formOf(key, baseDep)
		if candForm != baseForm {
			return DependencyFormChanged, nil
		}
		if candForm == arrayDependency {
			for _, want := range baseDep.Items() {
				if !containsValue(candDep.Items(), want) {
					return DependencyArrayNarrowed, nil
				}
			}
			continue
		}
		change, err := w.compare(candDep, baseDep)
		if err != nil {
			return None, err
		}
		if change != None {
			return DependencyInSchemaFormModified, nil
		}
	}
	return None, nil
}
