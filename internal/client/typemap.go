package client

import "strings"

// AllowedContextTypes are the context types the upstream accepts. Anything
// else is mapped onto one of these before the request is sent.
var AllowedContextTypes = []string{"design", "decision", "trace", "sprint", "log"}

var allowedTypeSet = map[string]bool{
	"design": true, "decision": true, "trace": true, "sprint": true, "log": true,
}

// Fixed aliases checked before the keyword rules.
var typeAliases = map[string]string{
	"sprint_summary":  "sprint",
	"architecture":    "design",
	"risk_assessment": "log",
	"knowledge":       "trace",
	"analysis":        "trace",
	"meeting_notes":   "log",
	"issue":           "log",
	"requirement":     "design",
	"research":        "trace",
}

// keywordRules are applied in order against the lowercased type name.
var keywordRules = []struct {
	keywords []string
	mapped   string
}{
	{[]string{"sprint"}, "sprint"},
	{[]string{"design", "implement", "architect", "spec"}, "design"},
	{[]string{"decision", "plan", "strategy", "future"}, "decision"},
	{[]string{"trace", "debug", "history", "context"}, "trace"},
}

// MapContextType maps an arbitrary context type onto one the upstream
// accepts. Exact matches win, then the alias table, then keyword rules,
// then the default "log". The mapping is idempotent.
func MapContextType(contextType string) string {
	t := strings.ToLower(strings.TrimSpace(contextType))
	if allowedTypeSet[t] {
		return t
	}
	if mapped, ok := typeAliases[t]; ok {
		return mapped
	}
	for _, rule := range keywordRules {
		for _, kw := range rule.keywords {
			if strings.Contains(t, kw) {
				return rule.mapped
			}
		}
	}
	return "log"
}
