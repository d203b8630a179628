package artifacts

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const headerTimeLayout = "2006-01-02 15:04"

// Header is the provenance block at the top of a proposal file.
type Header struct {
	Target  string
	Created time.Time
	Reason  string
	BasedOn []string
}

// String renders the header. Every field is flattened to one line so no
// value can close the comment early.
func (h Header) String() string {
	var b strings.Builder
	b.WriteString("<!--\n")
	fmt.Fprintf(&b, "Target: %s\n", oneLine(h.Target))
	fmt.Fprintf(&b, "Created: %s\n", h.Created.UTC().Format(headerTimeLayout))
	fmt.Fprintf(&b, "Reason: %s\n", oneLine(h.Reason))
	if len(h.BasedOn) > 0 {
		fmt.Fprintf(&b, "Based on patches: %s\n", oneLine(strings.Join(h.BasedOn, ", ")))
	}
	b.WriteString("-->\n")
	return b.String()
}

// encodeFile renders a proposal file: header, blank line, content.
func encodeFile(h Header, content string) []byte {
	return []byte(h.String() + "\n" + content)
}

// decodeFile splits a proposal file into its header and content.
func decodeFile(data []byte) (Header, string, error) {
	text := string(data)
	if !strings.HasPrefix(text, "<!--\n") {
		return Header{}, "", errors.New("missing header start")
	}
	end := strings.Index(text, "\n-->\n")
	if end < 0 {
		return Header{}, "", errors.New("missing header end")
	}

	var h Header
	for _, line := range strings.Split(text[len("<!--\n"):end], "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch key {
		case "Target":
			h.Target = value
		case "Created":
			t, err := time.Parse(headerTimeLayout, value)
			if err != nil {
				return Header{}, "", fmt.Errorf("parse created: %w", err)
			}
			h.Created = t
		case "Reason":
			h.Reason = value
		case "Based on patches":
			for _, id := range strings.Split(value, ",") {
				if id = strings.TrimSpace(id); id != "" {
					h.BasedOn = append(h.BasedOn, id)
				}
			}
		}
	}
	if h.Target == "" {
		return Header{}, "", errors.New("header has no target")
	}

	content := text[end+len("\n-->\n"):]
	content = strings.TrimPrefix(content, "\n")
	return h, content, nil
}

var lineBreaks = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ")

// oneLine replaces line breaks with spaces.
func oneLine(s string) string {
	return lineBreaks.Replace(s)
}
