package chat

import (
	"fmt"
	"strings"
	"time"
)

const (
	defaultLocale = "en-IN"

	synthesisGuidance = `When a web research brief is present, answer from it first: lead with the direct answer, merge facts that agree, point out when sources disagree, and mention dates when recency matters.`

	outputStyle = `Format answers in Markdown. Do not add inline citation markers such as [1], (1) or footnotes; the sources are shown to the user separately after your answer.`
)

// instructionInput is everything the system prompt is assembled from.
type instructionInput struct {
	Persona  string
	Now      time.Time
	Timezone string
	Locale   string
	Brief    string
}

func buildInstructions(in instructionInput) string {
	location := resolveLocation(in.Timezone)
	locale := strings.TrimSpace(in.Locale)
	if locale == "" {
		locale = defaultLocale
	}
	local := in.Now.In(location)

	sections := []string{strings.TrimSpace(in.Persona)}
	sections = append(sections, fmt.Sprintf(
		"Current date and time: %s (timezone %s). User locale: %s.",
		local.Format("Monday, 2 January 2006, 15:04 MST"), location.String(), locale,
	))
	if brief := strings.TrimSpace(in.Brief); brief != "" {
		sections = append(sections, synthesisGuidance, brief)
	}
	sections = append(sections, outputStyle)
	return strings.Join(sections, "\n\n")
}

// resolveLocation falls back to UTC for an empty or unknown IANA name.
func resolveLocation(name string) *time.Location {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.UTC
	}
	location, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return location
}
