// Package extract pulls executable payloads out of free-form model replies.
// Nothing here validates the payload; it is only found and trimmed.
package extract

import (
	"regexp"
	"strings"

	"github.com/duckmesh/biagent/internal/prompt"
)

const fence = "```"

var fencedBlock = regexp.MustCompile("(?s)```([A-Za-z0-9_+-]*)[ \t]*\r?\n(.*?)```")

// Query returns the SQL that follows the first query marker, with one layer
// of code fencing removed. Without a marker the trimmed reply is returned.
func Query(reply string) string {
	_, after, found := strings.Cut(reply, prompt.QueryMarker)
	if !found {
		return strings.TrimSpace(reply)
	}
	return unfence(strings.TrimSpace(after))
}

// ChartCode returns the body of the first fenced block tagged with one of
// languages (go by default), or "" when there is none.
func ChartCode(reply string, languages ...string) string {
	if len(languages) == 0 {
		languages = []string{"go", "golang"}
	}
	for _, match := range fencedBlock.FindAllStringSubmatch(reply, -1) {
		for _, language := range languages {
			if strings.EqualFold(match[1], language) {
				return strings.TrimSpace(match[2])
			}
		}
	}
	return ""
}

func unfence(text string) string {
	if !strings.HasPrefix(text, fence) {
		return text
	}
	body := strings.TrimPrefix(text, fence)
	if newline := strings.IndexByte(body, '\n'); newline >= 0 && isInfoString(body[:newline]) {
		body = body[newline+1:]
	}
	closing := strings.Index(body, fence)
	if closing < 0 {
		return strings.TrimSpace(body)
	}
	return strings.TrimSpace(body[:closing])
}

func isInfoString(line string) bool {
	line = strings.TrimSpace(line)
	for _, r := range line {
		if !(r == '_' || r == '-' || r == '+' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
			return false
		}
	}
	return true
}
