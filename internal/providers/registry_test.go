package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubenschmidt/callbridge/internal/callerr"
)

func TestCatalogChecksCredentials(t *testing.T) {
	cat := NewCatalog(Endpoints{OllamaURL: "http://localhost:11434"})

	err := cat.LLM.Check(Selection{Provider: "anthropic"}, Credentials{})
	require.Error(t, err)
	assert.ErrorIs(t, err, callerr.ErrConfiguration)

	err = cat.LLM.Check(Selection{Provider: "does-not-exist"}, Credentials{KeyOpenAI: "k"})
	assert.ErrorIs(t, err, callerr.ErrConfiguration)

	assert.NoError(t, cat.LLM.Check(Selection{Provider: "ollama"}, Credentials{}))
	assert.False(t, cat.STT.Has("whisper"))

	p, err := cat.Voice.Build(Selection{Provider: "xai"}, Credentials{KeyXAI: "k"})
	require.NoError(t, err)
	assert.Equal(t, "xai", p.Name())

	tts, err := cat.TTS.Build(Selection{Provider: "elevenlabs"}, Credentials{KeyElevenLabs: "k"})
	require.NoError(t, err)
	assert.Equal(t, "elevenlabs", tts.Name())
}
