package prompts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInstructions(t *testing.T) {
	now := time.Date(2026, 3, 2, 15, 4, 0, 0, time.UTC)
	got := Instructions("", "es-MX", "UTC", now)
	assert.Contains(t, got, DefaultSystem)
	assert.Contains(t, got, "only in Spanish")
	assert.Contains(t, got, "Monday, March 2, 2026 3:04 PM")

	assert.Equal(t, "Be kind.", Instructions("Be kind.", "", "", now))
}

func TestLanguageName(t *testing.T) {
	assert.Equal(t, "French", LanguageName("fr-FR"))
	assert.Equal(t, "French", LanguageName("fr-CA"))
	assert.Equal(t, "English", LanguageName("xx"))
}
