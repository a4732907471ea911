package compatibility

import (
	"fmt"
	"strings"

	gojson "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/tether/pkg/schema"
)

// CompatibilityMode defines which history a candidate is checked against
type CompatibilityMode int

const (
	CompatibilityModeAllowAny CompatibilityMode = iota
	CompatibilityModeDenyAll
	CompatibilityModeBackward
	CompatibilityModeForward
	CompatibilityModeFull
	CompatibilityModeBackwardTransitive
	CompatibilityModeForwardTransitive
	CompatibilityModeFullTransitive
	CompatibilityModeBackwardTill
	CompatibilityModeForwardTill
	CompatibilityModeFullTill
	CompatibilityModeAdvanced
)

var modeNames = []string{
	"ALLOW_ANY", "DENY_ALL", "BACKWARD", "FORWARD", "FULL",
	"BACKWARD_TRANSITIVE", "FORWARD_TRANSITIVE", "FULL_TRANSITIVE",
	"BACKWARD_TILL", "FORWARD_TILL", "FULL_TILL", "ADVANCED",
}

func (m CompatibilityMode) String() string {
	if m >= 0 && int(m) < len(modeNames) {
		return modeNames[m]
	}
	return fmt.Sprintf("CompatibilityMode(%d)", int(m))
}

// ParseCompatibilityMode converts a string to CompatibilityMode. NONE is
// accepted as an alias of ALLOW_ANY.
func ParseCompatibilityMode(s string) (CompatibilityMode, error) {
	normalized := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_"))
	if normalized == "NONE" {
		return CompatibilityModeAllowAny, nil
	}
	for i, name := range modeNames {
		if name == normalized {
			return CompatibilityMode(i), nil
		}
	}
	return CompatibilityModeAllowAny, fmt.Errorf("unknown compatibility mode: %s", s)
}

// MarshalText implements encoding.TextMarshaler
func (m CompatibilityMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (m *CompatibilityMode) UnmarshalText(text []byte) error {
	parsed, err := ParseCompatibilityMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Scope selects history entries for one direction of a policy
type Scope int

const (
	ScopeNone Scope = iota
	ScopeLatest
	ScopeAll
	ScopeTill
)

var scopeNames = []string{"NONE", "LATEST", "ALL", "TILL"}

func (s Scope) String() string {
	if s >= 0 && int(s) < len(scopeNames) {
		return scopeNames[s]
	}
	return fmt.Sprintf("Scope(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler
func (s Scope) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *Scope) UnmarshalText(text []byte) error {
	normalized := strings.ToUpper(strings.TrimSpace(string(text)))
	for i, name := range scopeNames {
		if name == normalized {
			*s = Scope(i)
			return nil
		}
	}
	return fmt.Errorf("unknown scope: %s", text)
}

// Rule is one direction of a policy
type Rule struct {
	Scope Scope               `json:"scope" yaml:"scope"`
	Till  *schema.VersionInfo `json:"till,omitempty" yaml:"till,omitempty"`
}

// Policy is the compatibility policy attached to a group. Backward rules
// require the candidate to read data written with history; forward rules
// require history to read data written with the candidate.
type Policy struct {
	Mode     CompatibilityMode `json:"mode" yaml:"mode"`
	Backward Rule              `json:"backward" yaml:"backward"`
	Forward  Rule              `json:"forward" yaml:"forward"`
}

func (p Policy) String() string {
	switch p.Mode {
	case CompatibilityModeBackwardTill, CompatibilityModeForwardTill, CompatibilityModeFullTill:
		till := p.Backward.Till
		if till == nil {
			till = p.Forward.Till
		}
		if till != nil {
			return fmt.Sprintf("%s(%s)", p.Mode, till)
		}
	case CompatibilityModeAdvanced:
		return fmt.Sprintf("%s(backward=%s,forward=%s)", p.Mode, p.Backward.describe(), p.Forward.describe())
	}
	return p.Mode.String()
}

func (r Rule) describe() string {
	if r.Scope == ScopeTill && r.Till != nil {
		return fmt.Sprintf("TILL %s", r.Till)
	}
	return r.Scope.String()
}

// Validate checks that till anchors are present where the mode needs them
// and that the rules of a named mode are the ones the mode implies.
func (p Policy) Validate() error {
	if p.Mode < CompatibilityModeAllowAny || p.Mode > CompatibilityModeAdvanced {
		return fmt.Errorf("invalid compatibility mode: %d", int(p.Mode))
	}
	if p.Mode != CompatibilityModeAdvanced {
		want, err := p.resolve()
		if err != nil {
			return err
		}
		if !p.Backward.equal(want.Backward) || !p.Forward.equal(want.Forward) {
			return p.mismatch()
		}
		return nil
	}
	for _, r := range []Rule{p.Backward, p.Forward} {
		if r.Scope == ScopeTill && r.Till == nil {
			return fmt.Errorf("policy %s: till scope requires a version", p.Mode)
		}
	}
	if p.Backward.Scope == ScopeNone && p.Forward.Scope == ScopeNone {
		return fmt.Errorf("policy %s: at least one of backward or forward must be set", p.Mode)
	}
	return nil
}

// resolve returns the policy a named mode stands for. Empty rules are filled
// in from the mode and rules that are set must match it.
func (p Policy) resolve() (Policy, error) {
	if p.Mode == CompatibilityModeAdvanced {
		return p, nil
	}
	till := p.Backward.Till
	if till == nil {
		till = p.Forward.Till
	}
	want, err := PolicyForMode(p.Mode, till)
	if err != nil {
		return Policy{}, fmt.Errorf("policy %s: %w", p.Mode, err)
	}
	if (!p.Backward.isZero() && !p.Backward.equal(want.Backward)) ||
		(!p.Forward.isZero() && !p.Forward.equal(want.Forward)) {
		return Policy{}, p.mismatch()
	}
	return want, nil
}

func (p Policy) mismatch() error {
	return fmt.Errorf("policy %s: rules backward=%s forward=%s do not match the mode",
		p.Mode, p.Backward.describe(), p.Forward.describe())
}

func (r Rule) isZero() bool { return r.Scope == ScopeNone && r.Till == nil }

func (r Rule) equal(o Rule) bool {
	if r.Scope != o.Scope {
		return false
	}
	if r.Till == nil || o.Till == nil {
		return r.Till == o.Till
	}
	return *r.Till == *o.Till
}

// policyFields has Policy's layout without its decoding methods
type policyFields Policy

// UnmarshalJSON decodes a policy and fills in the rules of a named mode, so
// {"mode":"FULL_TRANSITIVE"} decodes to FullTransitive().
func (p *Policy) UnmarshalJSON(data []byte) error {
	var f policyFields
	if err := gojson.Unmarshal(data, &f); err != nil {
		return err
	}
	resolved, err := Policy(f).resolve()
	if err != nil {
		return err
	}
	*p = resolved
	return nil
}

// UnmarshalYAML is the YAML counterpart of UnmarshalJSON
func (p *Policy) UnmarshalYAML(value *yaml.Node) error {
	var f policyFields
	if err := value.Decode(&f); err != nil {
		return err
	}
	resolved, err := Policy(f).resolve()
	if err != nil {
		return err
	}
	*p = resolved
	return nil
}

func AllowAny() Policy { return Policy{Mode: CompatibilityModeAllowAny} }

func DenyAll() Policy { return Policy{Mode: CompatibilityModeDenyAll} }

func Backward() Policy {
	return Policy{Mode: CompatibilityModeBackward, Backward: Rule{Scope: ScopeLatest}}
}

func Forward() Policy {
	return Policy{Mode: CompatibilityModeForward, Forward: Rule{Scope: ScopeLatest}}
}

func Full() Policy {
	return Policy{Mode: CompatibilityModeFull, Backward: Rule{Scope: ScopeLatest}, Forward: Rule{Scope: ScopeLatest}}
}

func BackwardTransitive() Policy {
	return Policy{Mode: CompatibilityModeBackwardTransitive, Backward: Rule{Scope: ScopeAll}}
}

func ForwardTransitive() Policy {
	return Policy{Mode: CompatibilityModeForwardTransitive, Forward: Rule{Scope: ScopeAll}}
}

func FullTransitive() Policy {
	return Policy{Mode: CompatibilityModeFullTransitive, Backward: Rule{Scope: ScopeAll}, Forward: Rule{Scope: ScopeAll}}
}

func BackwardTill(v schema.VersionInfo) Policy {
	return Policy{Mode: CompatibilityModeBackwardTill, Backward: Rule{Scope: ScopeTill, Till: &v}}
}

func ForwardTill(v schema.VersionInfo) Policy {
	return Policy{Mode: CompatibilityModeForwardTill, Forward: Rule{Scope: ScopeTill, Till: &v}}
}

func FullTill(v schema.VersionInfo) Policy {
	return Policy{
		Mode:     CompatibilityModeFullTill,
		Backward: Rule{Scope: ScopeTill, Till: &v},
		Forward:  Rule{Scope: ScopeTill, Till: &v},
	}
}

// BackwardAndForward builds an advanced policy with independent directions
func BackwardAndForward(backward, forward Rule) Policy {
	return Policy{Mode: CompatibilityModeAdvanced, Backward: backward, Forward: forward}
}

// PolicyForMode builds the policy for a named mode. till is required for the
// *_TILL modes and ignored otherwise; ADVANCED cannot be built from a name.
func PolicyForMode(mode CompatibilityMode, till *schema.VersionInfo) (Policy, error) {
	switch mode {
	case CompatibilityModeAllowAny:
		return AllowAny(), nil
	case CompatibilityModeDenyAll:
		return DenyAll(), nil
	case CompatibilityModeBackward:
		return Backward(), nil
	case CompatibilityModeForward:
		return Forward(), nil
	case CompatibilityModeFull:
		return Full(), nil
	case CompatibilityModeBackwardTransitive:
		return BackwardTransitive(), nil
	case CompatibilityModeForwardTransitive:
		return ForwardTransitive(), nil
	case CompatibilityModeFullTransitive:
		return FullTransitive(), nil
	case CompatibilityModeBackwardTill, CompatibilityModeForwardTill, CompatibilityModeFullTill:
		if till == nil {
			return Policy{}, fmt.Errorf("mode %s requires a till version", mode)
		}
		switch mode {
		case CompatibilityModeBackwardTill:
			return BackwardTill(*till), nil
		case CompatibilityModeForwardTill:
			return ForwardTill(*till), nil
		default:
			return FullTill(*till), nil
		}
	}
	return Policy{}, fmt.Errorf("mode %s cannot be built from a name", mode)
}
