// Package translate provides on-demand subtitle translation with a
// content-hash keyed, TTL'd cache in front of a text-completion backend.
package translate

import (
	"strings"
)

// Cue is one subtitle cue: an optional identifier, a timing line, and
// the display text.
type Cue struct {
	ID     string
	Timing string
	Text   string
}

// Document is a parsed subtitle file. Timing and identifiers survive
// translation untouched; only cue text is rewritten.
type Document struct {
	// Preamble holds header blocks (the WEBVTT block, NOTE/STYLE blocks)
	// reproduced verbatim.
	Preamble []string
	Cues     []Cue
}

// ParseDocument parses SRT or WebVTT content into cues. It is lenient:
// blocks without a timing line outside the header position are skipped,
// and a document with no cues at all is returned as-is rather than
// rejected so callers can fall back to plain-text handling.
func ParseDocument(content string) *Document {
	normalized := strings.ReplaceAll(content, "\r\n", "\n")
	blocks := strings.Split(normalized, "\n\n")

	doc := &Document{}
	for _, block := range blocks {
		trimmed := strings.TrimSpace(block)
		if trimmed == "" {
			continue
		}

		lines := strings.Split(trimmed, "\n")
		timingIdx := -1
		for i, line := range lines {
			if strings.Contains(line, "-->") {
				timingIdx = i
				break
			}
		}

		if timingIdx < 0 {
			// WEBVTT header, NOTE and STYLE blocks come before any cue.
			if len(doc.Cues) == 0 {
				doc.Preamble = append(doc.Preamble, trimmed)
			}
			continue
		}

		cue := Cue{
			ID:     strings.TrimSpace(strings.Join(lines[:timingIdx], "\n")),
			Timing: strings.TrimSpace(lines[timingIdx]),
			Text:   strings.Join(lines[timingIdx+1:], "\n"),
		}
		doc.Cues = append(doc.Cues, cue)
	}

	return doc
}

// Texts returns the cue texts in document order.
func (d *Document) Texts() []string {
	texts := make([]string, len(d.Cues))
	for i, cue := range d.Cues {
		texts[i] = cue.Text
	}
	return texts
}

// ApplyTexts replaces cue texts in order. A short slice leaves the
// remaining cues with their source text; extra entries are dropped. This
// is the graceful-degradation path for backend count mismatches.
func (d *Document) ApplyTexts(texts []string) {
	for i := range d.Cues {
		if i >= len(texts) {
			break
		}
		if t := strings.TrimSpace(texts[i]); t != "" {
			d.Cues[i].Text = t
		}
	}
}

// Render reassembles the document in its original block structure.
func (d *Document) Render() string {
	var b strings.Builder

	for _, block := range d.Preamble {
		b.WriteString(block)
		b.WriteString("\n\n")
	}

	for i, cue := range d.Cues {
		if cue.ID != "" {
			b.WriteString(cue.ID)
			b.WriteByte('\n')
		}
		b.WriteString(cue.Timing)
		b.WriteByte('\n')
		b.WriteString(cue.Text)
		if i < len(d.Cues)-1 {
			b.WriteString("\n\n")
		} else {
			b.WriteByte('\n')
		}
	}

	return b.String()
}
