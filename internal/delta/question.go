package delta

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/panewatch/backend/internal/event"
)

// optionRe matches one enumerated option line: "  1. Yes - apply the edit".
var optionRe = regexp.MustCompile(`^\s*(\d+)[.)]\s+(.+)$`)

// optionSeparators split an option's label from its description.
var optionSeparators = []string{" — ", " – ", " - ", ": "}

// parseQuestion scans text for an interactive question block: a header
// line carrying one of the configured glyphs, free question text, an
// enumerated option list, and a closing prompt line. On success it
// returns the extracted metadata and the block's byte range in text.
//
// The grammar is deliberately strict -- a stray glyph without options or
// a numbered list without a header stays classified as plain output.
func parseQuestion(text string, glyphs, prompts []string) (*event.QuestionMeta, int, int, bool) {
	if len(glyphs) == 0 {
		return nil, 0, 0, false
	}

	lines := splitWithOffsets(text)

	headerIdx := -1
	for i, ln := range lines {
		if containsAny(ln.text, glyphs) {
			headerIdx = i
			break
		}
	}
	if headerIdx < 0 {
		return nil, 0, 0, false
	}

	meta := &event.QuestionMeta{
		Header: stripGlyphs(lines[headerIdx].text, glyphs),
	}

	// Free-form question text between the header and the first option.
	i := headerIdx + 1
	var questionLines []string
	for ; i < len(lines); i++ {
		if optionRe.MatchString(lines[i].text) {
			break
		}
		// A blank gap before any option appears means this was not a
		// question block after all.
		if strings.TrimSpace(lines[i].text) == "" && len(questionLines) > 0 {
			return nil, 0, 0, false
		}
		if s := strings.TrimSpace(lines[i].text); s != "" {
			questionLines = append(questionLines, s)
		}
	}
	meta.Question = strings.Join(questionLines, " ")
	if meta.Question == "" {
		meta.Question = meta.Header
	}

	for ; i < len(lines); i++ {
		m := optionRe.FindStringSubmatch(lines[i].text)
		if m == nil {
			break
		}
		num, err := strconv.Atoi(m[1])
		if err != nil {
			break
		}
		label, desc := splitOption(m[2])
		meta.Options = append(meta.Options, event.QuestionOption{
			Number:      num,
			Label:       label,
			Description: desc,
		})
	}
	if len(meta.Options) == 0 {
		return nil, 0, 0, false
	}

	end := lines[i-1].end

	// Closing prompt: required when configured, within a couple of lines
	// after the options.
	if len(prompts) > 0 {
		promptIdx := -1
		for j := i; j < len(lines) && j < i+3; j++ {
			if containsAny(lines[j].text, prompts) {
				promptIdx = j
				break
			}
		}
		if promptIdx < 0 {
			return nil, 0, 0, false
		}
		meta.Prompt = strings.TrimSpace(lines[promptIdx].text)
		end = lines[promptIdx].end
	}

	return meta, lines[headerIdx].start, end, true
}

type offsetLine struct {
	text  string
	start int // byte offset of the line's first char in the source text
	end   int // byte offset just past the line's trailing newline
}

func splitWithOffsets(text string) []offsetLine {
	var lines []offsetLine
	start := 0
	for start <= len(text) {
		nl := strings.IndexByte(text[start:], '\n')
		if nl < 0 {
			lines = append(lines, offsetLine{text: text[start:], start: start, end: len(text)})
			break
		}
		lines = append(lines, offsetLine{text: text[start : start+nl], start: start, end: start + nl + 1})
		start += nl + 1
	}
	return lines
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if m != "" && strings.Contains(s, m) {
			return true
		}
	}
	return false
}

func stripGlyphs(s string, glyphs []string) string {
	for _, g := range glyphs {
		s = strings.ReplaceAll(s, g, "")
	}
	return strings.TrimSpace(s)
}

// splitOption separates "Yes - apply the edit" into label and
// description. Without a separator the whole text is the label.
func splitOption(s string) (label, desc string) {
	for _, sep := range optionSeparators {
		if idx := strings.Index(s, sep); idx > 0 {
			return strings.TrimSpace(s[:idx]), strings.TrimSpace(s[idx+len(sep):])
		}
	}
	return strings.TrimSpace(s), ""
}
