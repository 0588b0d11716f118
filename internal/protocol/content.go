package protocol

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// ContentBlock is one element of a structured content list. Only text and
// inline data-URL images are understood; anything else is discarded during
// flattening.
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

// Content holds either a plain string or a block list, depending on what the
// browser sent.
type Content struct {
	Text   string
	Blocks []ContentBlock
	isList bool
}

func (c *Content) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		c.isList = true
		return json.Unmarshal(data, &c.Blocks)
	}
	return json.Unmarshal(data, &c.Text)
}

func (c Content) MarshalJSON() ([]byte, error) {
	if c.isList {
		return json.Marshal(c.Blocks)
	}
	return json.Marshal(c.Text)
}

// Attachment is one inline image extracted from a data: URL block.
type Attachment struct {
	MimeType string
	Content  string // base64 payload, data: prefix stripped
}

// Flatten reduces content to plain text plus inline attachments. Text blocks
// are concatenated with a single space; non-text blocks contribute no text.
func (c Content) Flatten() (string, []Attachment) {
	if !c.isList {
		return c.Text, nil
	}

	var parts []string
	var attachments []Attachment
	for _, block := range c.Blocks {
		switch block.Type {
		case "text":
			if block.Text != "" {
				parts = append(parts, block.Text)
			}
		case "image_url":
			if block.ImageURL == nil {
				continue
			}
			if att, ok := parseDataURL(block.ImageURL.URL); ok {
				attachments = append(attachments, att)
			}
		}
	}
	return strings.Join(parts, " "), attachments
}

// parseDataURL splits "data:<mime>;base64,<payload>" into its parts.
func parseDataURL(url string) (Attachment, bool) {
	rest, ok := strings.CutPrefix(url, "data:")
	if !ok {
		return Attachment{}, false
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return Attachment{}, false
	}
	mime, encoded := strings.CutSuffix(meta, ";base64")
	if !encoded || mime == "" || payload == "" {
		return Attachment{}, false
	}
	return Attachment{MimeType: mime, Content: payload}, true
}

// User messages are stored upstream with a timestamp prefix like
// "[Fri 2026-02-20 21:30 UTC] Hello!". Strip it before display.
var timestampPrefix = regexp.MustCompile(`^\[[A-Za-z]{3} \d{4}-\d{2}-\d{2} \d{2}:\d{2}(:\d{2})? UTC\] `)

func StripTimestampPrefix(text string) string {
	return timestampPrefix.ReplaceAllString(text, "")
}

// ValidateBlocks rejects block lists with no usable content at all.
func ValidateBlocks(blocks []ContentBlock) error {
	for _, b := range blocks {
		if b.Type == "text" || b.Type == "image_url" {
			return nil
		}
	}
	return fmt.Errorf("content blocks contain no text or image entries")
}
