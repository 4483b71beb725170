package identity

import "strings"

// LaneRule maps a path prefix to an execution lane.
type LaneRule struct {
	Prefix string `yaml:"prefix"`
	Lane   string `yaml:"lane"`
}

// DefaultLaneRules are the platform's namespace-to-lane mappings.
// First matching prefix wins; paths matching no rule carry no lane
// restriction.
var DefaultLaneRules = []LaneRule{
	{Prefix: "/v1/transaction", Lane: "CORE"},
	{Prefix: "/v1/governance", Lane: "GOVERNANCE"},
	{Prefix: "/v1/", Lane: "API"},
}

// LaneMapper resolves request paths to execution lanes through an
// ordered prefix rule list.
type LaneMapper struct {
	rules []LaneRule
}

// NewLaneMapper builds a mapper; nil rules select DefaultLaneRules.
func NewLaneMapper(rules []LaneRule) *LaneMapper {
	if rules == nil {
		rules = DefaultLaneRules
	}
	return &LaneMapper{rules: rules}
}

// LaneFor returns the lane for a path and whether any rule matched.
func (m *LaneMapper) LaneFor(path string) (string, bool) {
	for _, rule := range m.rules {
		if strings.HasPrefix(path, rule.Prefix) {
			return rule.Lane, true
		}
	}
	return "", false
}
