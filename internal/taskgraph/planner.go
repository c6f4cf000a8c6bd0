package taskgraph

import (
	"encoding/json"
	"regexp"
	"strings"
)

var fencedJSON = regexp.MustCompile("(?is)```json\\s*(.*?)```")

// ExtractJSONObject pulls the first JSON object out of free-form model
// output. A ```json fenced block wins over the surrounding text. Starting
// at the first '{', progressively shorter candidates are tried until one
// parses.
func ExtractJSONObject(text string) ([]byte, error) {
	candidate := text
	if m := fencedJSON.FindStringSubmatch(text); m != nil {
		candidate = m[1]
	}
	candidate = strings.TrimSpace(candidate)

	start := strings.IndexByte(candidate, '{')
	if start < 0 {
		return nil, ErrNoJSONObject
	}

	for end := len(candidate); end > start; end-- {
		if candidate[end-1] != '}' {
			continue
		}
		slice := candidate[start:end]
		if json.Valid([]byte(slice)) {
			return []byte(slice), nil
		}
	}
	return nil, ErrNoJSONObject
}

// Sanitize repairs common planner mistakes: only the first node per id is
// kept, dependencies on ids outside the graph are dropped and agent
// bindings outside allowedAgents are cleared. The result is normalized.
func Sanitize(spec Spec, allowedAgents []string) Spec {
	allowed := make(map[string]struct{}, len(allowedAgents))
	for _, id := range allowedAgents {
		allowed[id] = struct{}{}
	}

	ids := make(map[string]struct{}, len(spec.Nodes))
	for _, n := range spec.Nodes {
		ids[n.ID] = struct{}{}
	}

	out := spec.Clone()
	seen := make(map[string]struct{}, len(out.Nodes))
	nodes := make([]Node, 0, len(out.Nodes))
	for _, n := range out.Nodes {
		if _, dup := seen[n.ID]; dup {
			continue
		}
		seen[n.ID] = struct{}{}

		deps := make([]string, 0, len(n.DependsOn))
		for _, d := range n.DependsOn {
			if _, ok := ids[d]; ok {
				deps = append(deps, d)
			}
		}
		n.DependsOn = deps

		if _, ok := allowed[n.AgentID]; !ok {
			n.AgentID = ""
		}
		nodes = append(nodes, n)
	}
	out.Nodes = nodes

	return Normalize(out)
}

// ParsePlannerOutput turns raw planner text into a validated, sanitized and
// normalized spec. Duplicate node ids are repaired before validation and
// null optional fields are read as absent.
func ParsePlannerOutput(text string, allowedAgents []string) (Spec, error) {
	data, err := ExtractJSONObject(text)
	if err != nil {
		return Spec{}, err
	}

	var raw rawSpec
	if err := json.Unmarshal(data, &raw); err != nil {
		ve := &ValidationError{}
		ve.add("$", err.Error())
		return Spec{}, ve
	}

	// Parse-level constraints first, so empty optional strings are still
	// caught; duplicate ids are left to Sanitize.
	ve := &ValidationError{}
	if err := raw.Validate(); err != nil {
		flatten("", err, ve)
	}
	if ve.hasViolations() {
		return Spec{}, ve
	}

	safe := Sanitize(raw.spec(), allowedAgents)
	if err := Validate(safe); err != nil {
		return Spec{}, err
	}
	return safe, nil
}
