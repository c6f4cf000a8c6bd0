package taskgraph

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// rawSpec mirrors Spec with pointer fields so that absent and empty
// optional values can be told apart during validation.
type rawSpec struct {
	Version      *string   `json:"version"`
	Goal         *string   `json:"goal"`
	Nodes        []rawNode `json:"nodes"`
	Edges        []rawEdge `json:"edges"`
	FinalNodeID  *string   `json:"finalNodeId"`
	TemplateHint *string   `json:"templateHint"`
}

type rawNode struct {
	ID          *string  `json:"id"`
	Title       *string  `json:"title"`
	Description *string  `json:"description"`
	DependsOn   []string `json:"dependsOn"`
	AgentID     *string  `json:"agentId"`
}

type rawEdge struct {
	From *string `json:"from"`
	To   *string `json:"to"`
	Kind *string `json:"kind"`
}

func (r rawSpec) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Version,
			validation.Required,
			validation.In(SupportedVersion).Error(fmt.Sprintf("must be %q", SupportedVersion))),
		validation.Field(&r.Goal, validation.Required),
		validation.Field(&r.Nodes, validation.Required.Error("must contain at least one node")),
		validation.Field(&r.Edges),
		validation.Field(&r.FinalNodeID, validation.NilOrNotEmpty),
	)
}

func (n rawNode) Validate() error {
	return validation.ValidateStruct(&n,
		validation.Field(&n.ID, validation.Required),
		validation.Field(&n.Title, validation.Required),
		validation.Field(&n.Description, validation.Required),
		validation.Field(&n.DependsOn, validation.Each(validation.Required)),
		validation.Field(&n.AgentID, validation.NilOrNotEmpty),
	)
}

func (e rawEdge) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.From, validation.Required),
		validation.Field(&e.To, validation.Required),
		validation.Field(&e.Kind,
			validation.NilOrNotEmpty,
			validation.In(string(EdgeKindData), string(EdgeKindControl)).
				Error(fmt.Sprintf("must be %q or %q", EdgeKindData, EdgeKindControl))),
	)
}

// Parse decodes untrusted JSON into a Spec. Every violated constraint is
// reported in the returned *ValidationError. Optional fields may be absent
// but not null, and nothing but whitespace may follow the object. On
// success dependsOn and edges are never nil.
func Parse(data []byte) (Spec, error) {
	var raw rawSpec
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&raw); err != nil {
		ve := &ValidationError{}
		ve.add("$", err.Error())
		return Spec{}, ve
	}
	if _, err := dec.Token(); err != io.EOF {
		ve := &ValidationError{}
		ve.add("$", "unexpected data after the top-level object")
		return Spec{}, ve
	}
	if err := validateRaw(raw, explicitNulls(data)); err != nil {
		return Spec{}, err
	}
	return raw.spec(), nil
}

// Validate checks an in-process constructed spec against the same rules as
// Parse. Empty optional fields are treated as absent.
func Validate(spec Spec) error {
	return validateRaw(rawFromSpec(spec), nil)
}

func validateRaw(raw rawSpec, nulls []string) error {
	ve := &ValidationError{}
	if err := raw.Validate(); err != nil {
		flatten("", err, ve)
	}
	for _, path := range nulls {
		ve.add(path, "must not be null")
	}
	checkUniqueIDs(raw.Nodes, ve)
	if ve.hasViolations() {
		return ve
	}
	return nil
}

// explicitNulls lists the optional fields of data set to JSON null.
// Required fields need no entry: a null there already fails as blank.
func explicitNulls(data []byte) []string {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil
	}

	var paths []string
	for _, key := range []string{"edges", "finalNodeId", "templateHint"} {
		if isNull(top[key]) {
			paths = append(paths, key)
		}
	}

	var nodes []map[string]json.RawMessage
	if err := json.Unmarshal(top["nodes"], &nodes); err == nil {
		for i, n := range nodes {
			for _, key := range []string{"dependsOn", "agentId"} {
				if isNull(n[key]) {
					paths = append(paths, fmt.Sprintf("nodes[%d].%s", i, key))
				}
			}
		}
	}

	var edges []map[string]json.RawMessage
	if err := json.Unmarshal(top["edges"], &edges); err == nil {
		for i, e := range edges {
			if isNull(e["kind"]) {
				paths = append(paths, fmt.Sprintf("edges[%d].kind", i))
			}
		}
	}
	return paths
}

func isNull(m json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(m), []byte("null"))
}

func checkUniqueIDs(nodes []rawNode, ve *ValidationError) {
	seen := make(map[string]int, len(nodes))
	for i, n := range nodes {
		if n.ID == nil || *n.ID == "" {
			continue
		}
		if first, ok := seen[*n.ID]; ok {
			ve.add(fmt.Sprintf("nodes[%d].id", i),
				fmt.Sprintf("duplicate id %q (first declared at nodes[%d])", *n.ID, first))
			continue
		}
		seen[*n.ID] = i
	}
}

// flatten walks nested validation.Errors and records one violation per leaf.
// Keys are visited in order with slice indexes compared numerically.
func flatten(prefix string, err error, ve *ValidationError) {
	errs, ok := err.(validation.Errors)
	if !ok {
		path := prefix
		if path == "" {
			path = "$"
		}
		ve.add(path, err.Error())
		return
	}

	keys := make([]string, 0, len(errs))
	for k, v := range errs {
		if v != nil {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		a, aErr := strconv.Atoi(keys[i])
		b, bErr := strconv.Atoi(keys[j])
		if aErr == nil && bErr == nil {
			return a < b
		}
		return keys[i] < keys[j]
	})

	for _, k := range keys {
		flatten(joinPath(prefix, k), errs[k], ve)
	}
}

func joinPath(prefix, key string) string {
	if _, err := strconv.Atoi(key); err == nil {
		return fmt.Sprintf("%s[%s]", prefix, key)
	}
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func (r rawSpec) spec() Spec {
	spec := Spec{
		Version:      deref(r.Version),
		Goal:         deref(r.Goal),
		Nodes:        make([]Node, 0, len(r.Nodes)),
		Edges:        make([]Edge, 0, len(r.Edges)),
		FinalNodeID:  deref(r.FinalNodeID),
		TemplateHint: deref(r.TemplateHint),
	}
	for _, n := range r.Nodes {
		deps := make([]string, len(n.DependsOn))
		copy(deps, n.DependsOn)
		spec.Nodes = append(spec.Nodes, Node{
			ID:          deref(n.ID),
			Title:       deref(n.Title),
			Description: deref(n.Description),
			DependsOn:   deps,
			AgentID:     deref(n.AgentID),
		})
	}
	for _, e := range r.Edges {
		spec.Edges = append(spec.Edges, Edge{
			From: deref(e.From),
			To:   deref(e.To),
			Kind: EdgeKind(deref(e.Kind)),
		})
	}
	return spec
}

func rawFromSpec(s Spec) rawSpec {
	raw := rawSpec{
		Version:     ptr(s.Version),
		Goal:        ptr(s.Goal),
		FinalNodeID: optional(s.FinalNodeID),
	}
	if s.Nodes != nil {
		raw.Nodes = make([]rawNode, 0, len(s.Nodes))
	}
	for _, n := range s.Nodes {
		raw.Nodes = append(raw.Nodes, rawNode{
			ID:          ptr(n.ID),
			Title:       ptr(n.Title),
			Description: ptr(n.Description),
			DependsOn:   n.DependsOn,
			AgentID:     optional(n.AgentID),
		})
	}
	for _, e := range s.Edges {
		raw.Edges = append(raw.Edges, rawEdge{
			From: ptr(e.From),
			To:   ptr(e.To),
			Kind: optional(string(e.Kind)),
		})
	}
	return raw
}

func ptr(s string) *string { return &s }

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
