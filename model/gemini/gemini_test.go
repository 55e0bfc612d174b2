package gemini

import (
	"testing"

	"github.com/hupe1980/convomesh/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

func TestConvertMessages(t *testing.T) {
	contents := convertMessages([]model.Message{
		{Role: model.RoleSystem, Content: "ignored"},
		{Role: model.RoleUser, Content: "hi"},
		{Role: model.RoleAssistant, Content: "hello"},
	})

	require.Len(t, contents, 2)
	assert.Equal(t, genai.RoleUser, contents[0].Role)
	assert.Equal(t, genai.RoleModel, contents[1].Role)
	assert.Equal(t, "hello", contents[1].Parts[0].Text)
}

func TestBuildConfig(t *testing.T) {
	m := &Model{opts: Options{Model: "gemini-2.0-flash", Temperature: 0.5, MaxOutputTokens: 100}}
	cfg := m.buildConfig(model.Request{Instructions: "sys", JSON: true, MaxTokens: 10})

	assert.Equal(t, "sys", cfg.SystemInstruction.Parts[0].Text)
	assert.Equal(t, int32(10), cfg.MaxOutputTokens)
	assert.Equal(t, float32(0.5), *cfg.Temperature)
	assert.Equal(t, "application/json", cfg.ResponseMIMEType)
	assert.Equal(t, "gemini", m.Info().Provider)
}
