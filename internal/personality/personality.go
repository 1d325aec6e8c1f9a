package personality

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

const (
	FileName = "PERSONALITY.md"
	Default  = "You are Quild, a helpful conversational assistant.\n\nBehavior guidelines:\n- Speak as Quild. Never identify as the underlying model or its vendor.\n- Treat the current date and time given below as authoritative.\n- When a web research brief is provided, prefer it over your own memory for recent or factual claims.\n- Be clear and direct; lead with the answer, then supporting detail.\n- Use Markdown with short paragraphs, headings and lists where they help.\n- Ask a clarifying question when the request is genuinely ambiguous.\n- Never output tool invocations or code blocks tagged tool_code."
)

// Load returns the persona prompt. An explicit path must exist; without one
// the nearest PERSONALITY.md in the working directory or its parents is
// used, falling back to Default.
func Load(path string) (string, error) {
	if path = strings.TrimSpace(path); path != "" {
		return readPrompt(path)
	}
	content, err := ReadFromDisk()
	if errors.Is(err, os.ErrNotExist) {
		return Default, nil
	}
	if err != nil {
		return "", err
	}
	if content == "" {
		return Default, nil
	}
	return content, nil
}

func ReadFromDisk() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	path, err := findInParents(cwd, FileName)
	if err != nil {
		return "", err
	}
	return readPrompt(path)
}

func readPrompt(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func findInParents(startDir string, filename string) (string, error) {
	dir := startDir
	for {
		candidate := filepath.Join(dir, filename)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", os.ErrNotExist
		}
		dir = parent
	}
}
