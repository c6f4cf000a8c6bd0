package preset

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	c := Default()

	ids := make([]string, 0)
	for _, p := range c.List() {
		ids = append(ids, p.ID)
		assert.NotEmpty(t, p.Name)
		assert.NotEmpty(t, p.TemplateHint)
	}
	assert.Equal(t, []string{"general", "coding", "research"}, ids)

	p, ok := c.Get("coding")
	require.True(t, ok)
	assert.Contains(t, p.TemplateHint, "tests")

	assert.Empty(t, c.Hint("unknown"))
	assert.Equal(t, p.TemplateHint, c.Hint("coding"))
}

func TestLoad(t *testing.T) {
	t.Run("Empty", func(t *testing.T) {
		c, err := Load(strings.NewReader(""))
		require.NoError(t, err)
		assert.Empty(t, c.List())
	})

	t.Run("Empty ID", func(t *testing.T) {
		_, err := Load(strings.NewReader("presets:\n  - name: x\n"))
		require.ErrorIs(t, err, ErrEmptyID)
	})

	t.Run("Duplicate ID", func(t *testing.T) {
		_, err := Load(strings.NewReader("presets:\n  - id: a\n  - id: a\n"))
		require.ErrorIs(t, err, ErrDuplicateID)
	})

	t.Run("Malformed", func(t *testing.T) {
		_, err := Load(strings.NewReader("presets: [\n"))
		require.Error(t, err)
	})

	t.Run("List Is A Copy", func(t *testing.T) {
		c, err := Load(strings.NewReader("presets:\n  - id: a\n    name: A\n"))
		require.NoError(t, err)
		list := c.List()
		list[0].Name = "changed"
		p, _ := c.Get("a")
		assert.Equal(t, "A", p.Name)
	})
}
