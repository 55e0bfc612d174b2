package anthropic

import (
	"testing"

	"github.com/hupe1980/convomesh/model"
	"github.com/stretchr/testify/assert"
)

func TestBuildMessages_SkipsSystemAndEmpty(t *testing.T) {
	msgs := buildMessages([]model.Message{
		{Role: model.RoleSystem, Content: "sys"},
		{Role: model.RoleUser, Content: "hi"},
		{Role: model.RoleAssistant, Content: ""},
		{Role: model.RoleAssistant, Content: "hello"},
	})
	assert.Len(t, msgs, 2)
}

func TestSystemBlocks(t *testing.T) {
	blocks := systemBlocks(model.Request{
		Instructions: "classify",
		JSON:         true,
		Messages:     []model.Message{{Role: model.RoleSystem, Content: "extra"}},
	})

	if assert.Len(t, blocks, 3) {
		assert.Equal(t, "classify", blocks[0].Text)
		assert.Equal(t, "extra", blocks[1].Text)
	}
}

func TestInfo(t *testing.T) {
	m := NewModelFromClient(nil, func(o *Options) { o.Model = "claude-3-5-haiku-latest" })
	assert.Equal(t, "claude-3-5-haiku-latest", m.Info().Name)
	assert.Equal(t, "anthropic", m.Info().Provider)
}
