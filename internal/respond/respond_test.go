package respond

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTemplates(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)

	assert.Contains(t, r.Fallback(), "5-10 minutos")
	assert.Contains(t, r.Escalated(), "agente humano")
}

func TestWaitEstimateOverride(t *testing.T) {
	r, err := NewRenderer(WithWaitEstimate("menos de una hora"))
	require.NoError(t, err)
	assert.Contains(t, r.Fallback(), "menos de una hora")
}

func TestMalformedTemplateFailsAtConstruction(t *testing.T) {
	_, err := NewRenderer(WithFallbackTemplate("{{.Unclosed"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fallback template")
}

func TestClampShortTextUnchanged(t *testing.T) {
	assert.Equal(t, "hola", Clamp("hola"))
}

func TestClampLongText(t *testing.T) {
	long := strings.Repeat("palabra ", 200)
	clamped := Clamp(long)
	assert.LessOrEqual(t, utf8.RuneCountInString(clamped), MaxReplyLength+1)
	assert.True(t, strings.HasSuffix(clamped, "…"))
}
