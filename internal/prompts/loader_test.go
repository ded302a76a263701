package prompts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var expectedTemplates = []string{
	"code-review.md",
	"mitm-analysis.md",
	"sandbox-review.md",
	"tcpdump-analysis.md",
}

func TestLoadAllTemplates(t *testing.T) {
	for _, name := range expectedTemplates {
		t.Run(name, func(t *testing.T) {
			p, err := Load(name)
			require.NoError(t, err)
			assert.NotNil(t, p)
			assert.NotEmpty(t, p.Name)
		})
	}
}

func TestLoadNonExistent(t *testing.T) {
	_, err := Load("nonexistent-template.md")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "loading prompt template")
}

func TestList(t *testing.T) {
	names, err := List()
	require.NoError(t, err)

	assert.Equal(t, len(expectedTemplates), len(names))
	for _, expected := range expectedTemplates {
		assert.Contains(t, names, expected)
	}
}

func TestReviewTemplatesCarryQuestions(t *testing.T) {
	code, err := Load("code-review.md")
	require.NoError(t, err)
	assert.Len(t, code.Questions, 3)

	sandbox, err := Load("sandbox-review.md")
	require.NoError(t, err)
	assert.Len(t, sandbox.Questions, 3)
}

func TestRenderMitmAnalysis(t *testing.T) {
	out, err := Execute("mitm-analysis.md", map[string]string{
		"Output": "GET https://example.com/payload",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "NETWORK ANALYSIS expert")
	assert.Contains(t, out, "GET https://example.com/payload")
}

func TestRenderCodeReviewHasNoUnboundVars(t *testing.T) {
	p, err := Load("code-review.md")
	require.NoError(t, err)

	out, err := p.Render(nil)
	require.NoError(t, err)
	assert.Contains(t, out, "MALWARE DETECTION expert")
	assert.NotContains(t, out, "{{")
}
