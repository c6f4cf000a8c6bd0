package taskgraph

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Run("Valid Spec With Defaults", func(t *testing.T) {
		spec, err := Parse([]byte(`{
			"version": "2.0",
			"goal": "ship the release",
			"nodes": [
				{"id": "a", "title": "Scope", "description": "collect requirements"},
				{"id": "b", "title": "Build", "description": "implement", "dependsOn": ["a"], "agentId": "coder"}
			],
			"finalNodeId": "b",
			"templateHint": "coding"
		}`))
		require.NoError(t, err)

		assert.Equal(t, SupportedVersion, spec.Version)
		assert.Equal(t, "ship the release", spec.Goal)
		require.Len(t, spec.Nodes, 2)
		assert.NotNil(t, spec.Nodes[0].DependsOn)
		assert.Empty(t, spec.Nodes[0].DependsOn)
		assert.Equal(t, []string{"a"}, spec.Nodes[1].DependsOn)
		assert.Equal(t, "coder", spec.Nodes[1].AgentID)
		assert.NotNil(t, spec.Edges)
		assert.Empty(t, spec.Edges)
		assert.Equal(t, "b", spec.FinalNodeID)
		assert.Equal(t, "coding", spec.TemplateHint)
	})

	t.Run("Edge Kinds", func(t *testing.T) {
		spec, err := Parse([]byte(`{
			"version": "2.0", "goal": "g",
			"nodes": [{"id": "a", "title": "t", "description": "d"}],
			"edges": [{"from": "a", "to": "b", "kind": "data"}, {"from": "b", "to": "c"}]
		}`))
		require.NoError(t, err)
		require.Len(t, spec.Edges, 2)
		assert.Equal(t, EdgeKindData, spec.Edges[0].Kind)
		assert.Equal(t, EdgeKind(""), spec.Edges[1].Kind)
	})

	t.Run("Aggregates All Violations", func(t *testing.T) {
		_, err := Parse([]byte(`{
			"version": "1.0",
			"goal": "",
			"nodes": [
				{"id": "", "title": "t", "description": "d"},
				{"id": "x", "title": "", "description": "", "dependsOn": [""], "agentId": ""}
			],
			"edges": [{"from": "", "to": "x", "kind": "weird"}],
			"finalNodeId": ""
		}`))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidSpec))

		var ve *ValidationError
		require.True(t, errors.As(err, &ve))
		assert.ElementsMatch(t, []string{
			"version",
			"goal",
			"nodes[0].id",
			"nodes[1].title",
			"nodes[1].description",
			"nodes[1].dependsOn[0]",
			"nodes[1].agentId",
			"edges[0].from",
			"edges[0].kind",
			"finalNodeId",
		}, ve.Paths())
	})

	t.Run("Empty Nodes", func(t *testing.T) {
		_, err := Parse([]byte(`{"version": "2.0", "goal": "g", "nodes": []}`))
		var ve *ValidationError
		require.True(t, errors.As(err, &ve))
		assert.Equal(t, []string{"nodes"}, ve.Paths())
	})

	t.Run("Missing Version", func(t *testing.T) {
		_, err := Parse([]byte(`{"goal": "g", "nodes": [{"id": "a", "title": "t", "description": "d"}]}`))
		var ve *ValidationError
		require.True(t, errors.As(err, &ve))
		assert.Equal(t, []string{"version"}, ve.Paths())
	})

	t.Run("Duplicate Node IDs", func(t *testing.T) {
		_, err := Parse([]byte(`{
			"version": "2.0", "goal": "g",
			"nodes": [
				{"id": "a", "title": "t", "description": "d"},
				{"id": "a", "title": "t2", "description": "d2"}
			]
		}`))
		var ve *ValidationError
		require.True(t, errors.As(err, &ve))
		assert.Equal(t, []string{"nodes[1].id"}, ve.Paths())
	})

	t.Run("Malformed JSON", func(t *testing.T) {
		for _, input := range []string{``, `{`, `{"version": 2}`, `[1, 2]`} {
			_, err := Parse([]byte(input))
			var ve *ValidationError
			require.True(t, errors.As(err, &ve), "input %q", input)
			assert.Equal(t, []string{"$"}, ve.Paths(), "input %q", input)
		}
	})

	t.Run("Explicit Nulls", func(t *testing.T) {
		_, err := Parse([]byte(`{
			"version": "2.0", "goal": "g",
			"nodes": [
				{"id": "a", "title": "t", "description": "d", "dependsOn": null},
				{"id": "b", "title": "t", "description": "d", "agentId": null}
			],
			"edges": null,
			"finalNodeId": null,
			"templateHint": null
		}`))
		var ve *ValidationError
		require.True(t, errors.As(err, &ve))
		assert.Equal(t, []string{
			"edges",
			"finalNodeId",
			"templateHint",
			"nodes[0].dependsOn",
			"nodes[1].agentId",
		}, ve.Paths())
		assert.Contains(t, ve.Error(), "must not be null")
	})

	t.Run("Null Edge Kind", func(t *testing.T) {
		_, err := Parse([]byte(`{
			"version": "2.0", "goal": "g",
			"nodes": [{"id": "a", "title": "t", "description": "d"}],
			"edges": [{"from": "a", "to": "b", "kind": null}]
		}`))
		var ve *ValidationError
		require.True(t, errors.As(err, &ve))
		assert.Equal(t, []string{"edges[0].kind"}, ve.Paths())
	})

	t.Run("Trailing Data", func(t *testing.T) {
		valid := `{"version": "2.0", "goal": "g", "nodes": [{"id": "a", "title": "t", "description": "d"}]}`
		_, err := Parse([]byte(valid + "\n\t "))
		require.NoError(t, err)

		for _, suffix := range []string{`}`, `{}`, ` garbage`, ` {"version": "2.0"}`} {
			_, err := Parse([]byte(valid + suffix))
			var ve *ValidationError
			require.True(t, errors.As(err, &ve), "suffix %q", suffix)
			assert.Equal(t, []string{"$"}, ve.Paths(), "suffix %q", suffix)
		}
	})

	t.Run("Violation Order Is Stable", func(t *testing.T) {
		input := []byte(`{"version": "2.0", "goal": "g", "nodes": [
			{"id": "a", "title": "", "description": "d"},
			{"id": "b", "title": "t", "description": "d"},
			{"id": "c", "title": "t", "description": "d"},
			{"id": "d", "title": "t", "description": "d"},
			{"id": "e", "title": "t", "description": "d"},
			{"id": "f", "title": "t", "description": "d"},
			{"id": "g", "title": "t", "description": "d"},
			{"id": "h", "title": "t", "description": "d"},
			{"id": "i", "title": "t", "description": "d"},
			{"id": "j", "title": "t", "description": "d"},
			{"id": "k", "title": "", "description": "d"}
		]}`)
		_, err := Parse(input)
		var ve *ValidationError
		require.True(t, errors.As(err, &ve))
		assert.Equal(t, []string{"nodes[0].title", "nodes[10].title"}, ve.Paths())
	})
}

func TestValidate(t *testing.T) {
	valid := Spec{
		Version: SupportedVersion,
		Goal:    "g",
		Nodes:   []Node{{ID: "a", Title: "t", Description: "d"}},
	}

	t.Run("Valid", func(t *testing.T) {
		require.NoError(t, Validate(valid))
	})

	t.Run("Empty Optionals Are Absent", func(t *testing.T) {
		spec := valid.Clone()
		spec.FinalNodeID = ""
		spec.Nodes[0].AgentID = ""
		spec.Edges = []Edge{{From: "a", To: "b"}}
		require.NoError(t, Validate(spec))
	})

	t.Run("Invalid Kind", func(t *testing.T) {
		spec := valid.Clone()
		spec.Edges = []Edge{{From: "a", To: "b", Kind: "stream"}}
		var ve *ValidationError
		require.True(t, errors.As(Validate(spec), &ve))
		assert.Equal(t, []string{"edges[0].kind"}, ve.Paths())
	})

	t.Run("Nil Nodes", func(t *testing.T) {
		spec := valid.Clone()
		spec.Nodes = nil
		var ve *ValidationError
		require.True(t, errors.As(Validate(spec), &ve))
		assert.Equal(t, []string{"nodes"}, ve.Paths())
	})
}
