// Package sanitize strips internal tool blocks from model output before it is
// shown to a user or stored.
package sanitize

import (
	"regexp"
	"strings"
)

// Marker opens an internal tool block. The block runs to the next ``` fence or,
// when the fence has not arrived yet, to the end of the text.
const Marker = "```tool_code"

var (
	toolBlockPattern  = regexp.MustCompile("(?s)```tool_code.*?(?:```|\\z)")
	blankLinesPattern = regexp.MustCompile(`\n{3,}`)
)

// Sanitize removes every tool block and collapses runs of three or more
// newlines to two. It is idempotent.
func Sanitize(text string) string {
	for {
		next := blankLinesPattern.ReplaceAllString(toolBlockPattern.ReplaceAllString(text, ""), "\n\n")
		if next == text {
			return next
		}
		text = next
	}
}

// pendingMarker reports how many trailing bytes of text could still grow into
// Marker once more output arrives.
func pendingMarker(text string) int {
	for size := len(Marker) - 1; size > 0; size-- {
		if strings.HasSuffix(text, Marker[:size]) {
			return size
		}
	}
	return 0
}

// Differ turns a growing raw buffer into append-only sanitized deltas.
type Differ struct {
	raw     strings.Builder
	emitted string
}

// Push appends a raw fragment and returns the newly revealed sanitized text.
// A trailing fragment that may be the start of Marker is held back until the
// next Push or Flush decides it.
func (d *Differ) Push(fragment string) string {
	d.raw.WriteString(fragment)
	raw := d.raw.String()
	return d.advance(Sanitize(raw[:len(raw)-pendingMarker(raw)]))
}

// Flush releases anything held back and returns the final delta.
func (d *Differ) Flush() string {
	return d.advance(Sanitize(d.raw.String()))
}

// Text is the sanitized text emitted so far.
func (d *Differ) Text() string {
	return d.emitted
}

// Raw is everything pushed so far, unsanitized.
func (d *Differ) Raw() string {
	return d.raw.String()
}

func (d *Differ) advance(sanitized string) string {
	if !strings.HasPrefix(sanitized, d.emitted) {
		// Already delivered text cannot be retracted; wait until the
		// sanitized buffer grows past what was sent.
		return ""
	}
	delta := sanitized[len(d.emitted):]
	d.emitted = sanitized
	return delta
}
