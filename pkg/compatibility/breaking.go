package compatibility

import (
	"fmt"
)

// BreakingChange names exactly one structural violation. The set is closed:
// new kinds are appended, existing values are never renumbered.
type BreakingChange int

const (
	None BreakingChange = iota

	// strings
	MinLengthAdded
	MinLengthIncreased
	MaxLengthAdded
	MaxLengthDecreased
	PatternAdded
	PatternChanged

	// numbers
	MaximumAdded
	MaximumDecreased
	ExclusiveMaximumAdded
	ExclusiveMaximumDecreased
	MinimumAdded
	MinimumIncreased
	ExclusiveMinimumAdded
	ExclusiveMinimumIncreased
	MultipleOfAdded
	MultipleOfChanged
	MultipleOfExpanded
	TypeNarrowed

	// types
	TypeChanged
	SchemaClosed

	// arrays
	TupleItemAdded
	TupleItemRemoved
	ItemsFormChanged
	UniqueItemsAdded
	MaxItemsAdded
	MaxItemsDecreased
	MinItemsAdded
	MinItemsIncreased
	AdditionalItemsRemoved
	AdditionalItemsNarrowed

	// properties
	PropertyRemovedFromStaticPropertySet
	PropertyRemovedNotPartOfDynamicPropertySetWithCondition
	PropertyAddedToDynamicPropertySet
	PropertyAddedNotPartOfDynamicPropertySetWithCondition
	RequiredPropertyAddedWithoutDefault
	MinPropertiesAdded
	MinPropertiesIncreased
	MaxPropertiesAdded
	MaxPropertiesDecreased
	AdditionalPropertiesRemoved
	AdditionalPropertiesNarrowed

	// dependencies
	DependencySectionAdded
	DependencyAddedInArrayForm
	DependencyArrayNarrowed
	DependencyAddedInSchemaForm
	DependencyInSchemaFormModified
	DependencyFormChanged

	// enum
	EnumAdded
	EnumArrayNarrowed

	// not / combined
	NotTypeAdded
	NotTypeExtended
	CombinedTypeAdded
	CompositionMethodChanged
	ProductTypeExtended
	SumTypeNarrowed
	CombinedTypeSubschemasChanged

	numBreakingChanges
)

var breakingChangeNames = [numBreakingChanges]string{
	None: "NONE",

	MinLengthAdded:     "MIN_LENGTH_ADDED",
	MinLengthIncreased: "MIN_LENGTH_INCREASED",
	MaxLengthAdded:     "MAX_LENGTH_ADDED",
	MaxLengthDecreased: "MAX_LENGTH_DECREASED",
	PatternAdded:       "PATTERN_ADDED",
	PatternChanged:     "PATTERN_CHANGED",

	MaximumAdded:              "MAXIMUM_ADDED",
	MaximumDecreased:          "MAXIMUM_DECREASED",
	ExclusiveMaximumAdded:     "EXCLUSIVE_MAXIMUM_ADDED",
	ExclusiveMaximumDecreased: "EXCLUSIVE_MAXIMUM_DECREASED",
	MinimumAdded:              "MINIMUM_ADDED",
	MinimumIncreased:          "MINIMUM_INCREASED",
	ExclusiveMinimumAdded:     "EXCLUSIVE_MINIMUM_ADDED",
	ExclusiveMinimumIncreased: "EXCLUSIVE_MINIMUM_INCREASED",
	MultipleOfAdded:           "MULTIPLE_OF_ADDED",
	MultipleOfChanged:         "MULTIPLE_OF_CHANGED",
	MultipleOfExpanded:        "MULTIPLE_OF_EXPANDED",
	TypeNarrowed:              "TYPE_NARROWED",

	TypeChanged:  "TYPE_CHANGED",
	SchemaClosed: "SCHEMA_CLOSED",

	TupleItemAdded:          "TUPLE_ITEM_ADDED",
	TupleItemRemoved:        "TUPLE_ITEM_REMOVED",
	ItemsFormChanged:        "ITEMS_FORM_CHANGED",
	UniqueItemsAdded:        "UNIQUE_ITEMS_ADDED",
	MaxItemsAdded:           "MAX_ITEMS_ADDED",
	MaxItemsDecreased:       "MAX_ITEMS_DECREASED",
	MinItemsAdded:           "MIN_ITEMS_ADDED",
	MinItemsIncreased:       "MIN_ITEMS_INCREASED",
	AdditionalItemsRemoved:  "ADDITIONAL_ITEMS_REMOVED",
	AdditionalItemsNarrowed: "ADDITIONAL_ITEMS_NARROWED",

	PropertyRemovedFromStaticPropertySet:                    "PROPERTY_REMOVED_FROM_STATIC_PROPERTY_SET",
	PropertyRemovedNotPartOfDynamicPropertySetWithCondition: "PROPERTY_REMOVED_NOT_PART_OF_DYNAMIC_PROPERTY_SET_WITH_CONDITION",
	PropertyAddedToDynamicPropertySet:                       "PROPERTY_ADDED_TO_DYNAMIC_PROPERTY_SET",
	PropertyAddedNotPartOfDynamicPropertySetWithCondition:   "PROPERTY_ADDED_NOT_PART_OF_DYNAMIC_PROPERTY_SET_WITH_CONDITION",
	RequiredPropertyAddedWithoutDefault:                     "REQUIRED_PROPERTY_ADDED_WITHOUT_DEFAULT",
	MinPropertiesAdded:                                      "MIN_PROPERTIES_ADDED",
	MinPropertiesIncreased:                                  "MIN_PROPERTIES_INCREASED",
	MaxPropertiesAdded:                                      "MAX_PROPERTIES_ADDED",
	MaxPropertiesDecreased:                                  "MAX_PROPERTIES_DECREASED",
	AdditionalPropertiesRemoved:                             "ADDITIONAL_PROPERTIES_REMOVED",
	AdditionalPropertiesNarrowed:                            "ADDITIONAL_PROPERTIES_NARROWED",

	DependencySectionAdded:         "DEPENDENCY_SECTION_ADDED",
	DependencyAddedInArrayForm:     "DEPENDENCY_ADDED_IN_ARRAY_FORM",
	DependencyArrayNarrowed:        "DEPENDENCY_ARRAY_NARROWED",
	DependencyAddedInSchemaForm:    "DEPENDENCY_ADDED_IN_SCHEMA_FORM",
	DependencyInSchemaFormModified: "DEPENDENCY_IN_SCHEMA_FORM_MODIFIED",
	DependencyFormChanged:          "DEPENDENCY_FORM_CHANGED",

	EnumAdded:         "ENUM_ADDED",
	EnumArrayNarrowed: "ENUM_ARRAY_NARROWED",

	NotTypeAdded:                  "NOT_TYPE_ADDED",
	NotTypeExtended:               "NOT_TYPE_EXTENDED",
	CombinedTypeAdded:             "COMBINED_TYPE_ADDED",
	CompositionMethodChanged:      "COMPOSITION_METHOD_CHANGED",
	ProductTypeExtended:           "PRODUCT_TYPE_EXTENDED",
	SumTypeNarrowed:               "SUM_TYPE_NARROWED",
	CombinedTypeSubschemasChanged: "COMBINED_TYPE_SUBSCHEMAS_CHANGED",
}

func (b BreakingChange) String() string {
	if b >= 0 && b < numBreakingChanges {
		return breakingChangeNames[b]
	}
	return fmt.Sprintf("BreakingChange(%d)", int(b))
}

// IsBreaking reports whether b names a violation
func (b BreakingChange) IsBreaking() bool {
	return b != None
}

// MarshalText implements encoding.TextMarshaler
func (b BreakingChange) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (b *BreakingChange) UnmarshalText(text []byte) error {
	parsed, err := ParseBreakingChange(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// ParseBreakingChange converts a name produced by String back to its value
func ParseBreakingChange(s string) (BreakingChange, error) {
	for i, name := range breakingChangeNames {
		if name == s {
			return BreakingChange(i), nil
		}
	}
	return None, fmt.Errorf("unknown breaking change: %s", s)
}

// AllBreakingChanges lists every violation kind, excluding None
func AllBreakingChanges() []BreakingChange {
	out := make([]BreakingChange, 0, numBreakingChanges-1)
	for b := None + 1; b < numBreakingChanges; b++ {
		out = append(out, b)
	}
	return out
}
