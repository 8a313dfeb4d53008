package prompts

import (
	"fmt"
	"strings"
	"time"
)

const DefaultSystem = "You are a helpful voice assistant on a phone call. Keep responses concise and conversational."

// Apology is spoken when a turn fails and the call continues.
const Apology = "Sorry, I had trouble with that. Could you say it again?"

// ToolChainFallback is spoken when a turn requests too many chained tool calls.
const ToolChainFallback = "Sorry, I wasn't able to finish that request. Is there anything else I can help with?"

var languageNames = map[string]string{
	"en-US": "English",
	"en-GB": "English",
	"es-ES": "Spanish",
	"es-MX": "Spanish",
	"fr-FR": "French",
	"de-DE": "German",
	"it-IT": "Italian",
	"pt-BR": "Portuguese",
	"pt-PT": "Portuguese",
	"nl-NL": "Dutch",
	"ja-JP": "Japanese",
	"ko-KR": "Korean",
	"zh-CN": "Mandarin Chinese",
	"hi-IN": "Hindi",
}

// ForSession resolves the final system prompt for a call session.
func ForSession(systemPrompt string) string {
	if systemPrompt != "" {
		return systemPrompt
	}
	return DefaultSystem
}

// LanguageName maps a BCP-47 tag to the language's English name.
func LanguageName(tag string) string {
	if name, ok := languageNames[tag]; ok {
		return name
	}
	base, _, _ := strings.Cut(tag, "-")
	for k, v := range languageNames {
		if strings.HasPrefix(k, base+"-") {
			return v
		}
	}
	return "English"
}

// Instructions appends the language directive and current local time to a
// system prompt.
func Instructions(systemPrompt, language, timezone string, now time.Time) string {
	var b strings.Builder
	b.WriteString(ForSession(systemPrompt))
	if language != "" {
		fmt.Fprintf(&b, "\n\nLANGUAGE: You must speak and respond only in %s, regardless of the language the caller uses.", LanguageName(language))
	}
	if loc, err := time.LoadLocation(timezone); err == nil && timezone != "" {
		fmt.Fprintf(&b, "\n\nCurrent date and time: %s (%s).", now.In(loc).Format("Monday, January 2, 2006 3:04 PM"), timezone)
	}
	return b.String()
}

// WithGreeting tells a voice model what to say when the call connects.
func WithGreeting(instructions, greeting string) string {
	if greeting == "" {
		return instructions
	}
	return fmt.Sprintf("%s\n\nIMPORTANT - Initial Greeting: When the call first connects, you MUST say exactly this greeting: %q", instructions, greeting)
}

// GreetingDirective is the per-response instruction that triggers the greeting.
func GreetingDirective(greeting string) string {
	return fmt.Sprintf("Greet the caller by saying exactly: %q", greeting)
}

// RAGContext wraps retrieved knowledge base context into a system message.
func RAGContext(context string) string {
	return "Relevant context from knowledge base:\n" + context
}

// Summary instructs the post-call summarizer.
const Summary = "Summarize this phone call transcript in two or three sentences. State the caller's intent, any actions taken, and any follow-up needed."
