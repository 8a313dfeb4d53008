package providers

import "strings"

const defaultOpenAIVoice = "marin"

// grokVoices maps OpenAI voice names onto the closest Grok voice.
var grokVoices = map[string]string{
	"marin":   "Ara",
	"cedar":   "Rex",
	"shimmer": "Eve",
	"alloy":   "Sal",
	"onyx":    "Rex",
	"echo":    "Ara",
	"nova":    "Eve",
	"fable":   "Leo",
	"ash":     "Sal",
	"ballad":  "Ara",
	"coral":   "Ara",
	"sage":    "Sal",
	"verse":   "Leo",
}

var grokNative = map[string]bool{"ara": true, "rex": true, "eve": true, "sal": true, "leo": true}

// MapVoice resolves a configured voice name for the given realtime provider.
// Agent profiles store OpenAI voice names; xAI gets the mapped equivalent.
func MapVoice(provider, voice string) string {
	lower := strings.ToLower(voice)
	switch provider {
	case "xai":
		if grokNative[lower] {
			return strings.ToUpper(lower[:1]) + lower[1:]
		}
		if v, ok := grokVoices[lower]; ok {
			return v
		}
		return "Ara"
	default:
		if voice == "" {
			return defaultOpenAIVoice
		}
		return voice
	}
}
