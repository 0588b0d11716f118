package protocol

import (
	"encoding/json"
	"testing"
)

func TestContentUnmarshalString(t *testing.T) {
	var c Content
	if err := json.Unmarshal([]byte(`"hello there"`), &c); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	text, attachments := c.Flatten()
	if text != "hello there" {
		t.Errorf("expected %q, got %q", "hello there", text)
	}
	if len(attachments) != 0 {
		t.Errorf("expected no attachments, got %d", len(attachments))
	}
}

func TestContentFlattenBlocks(t *testing.T) {
	raw := `[
		{"type": "text", "text": "What is this?"},
		{"type": "image_url", "image_url": {"url": "data:image/png;base64,abc123"}}
	]`

	var c Content
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	text, attachments := c.Flatten()
	if text != "What is this?" {
		t.Errorf("expected %q, got %q", "What is this?", text)
	}
	if len(attachments) != 1 {
		t.Fatalf("expected 1 attachment, got %d", len(attachments))
	}
	if attachments[0].MimeType != "image/png" {
		t.Errorf("expected mime image/png, got %q", attachments[0].MimeType)
	}
	if attachments[0].Content != "abc123" {
		t.Errorf("expected payload abc123, got %q", attachments[0].Content)
	}
}

func TestContentFlattenJoinsTextBlocks(t *testing.T) {
	raw := `[
		{"type": "text", "text": "first"},
		{"type": "image_url", "image_url": {"url": "data:image/jpeg;base64,zzz"}},
		{"type": "text", "text": "second"}
	]`

	var c Content
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	text, attachments := c.Flatten()
	if text != "first second" {
		t.Errorf("expected %q, got %q", "first second", text)
	}
	if len(attachments) != 1 {
		t.Errorf("expected 1 attachment, got %d", len(attachments))
	}
}

func TestContentFlattenSkipsUnknownBlocks(t *testing.T) {
	raw := `[
		{"type": "video", "text": "ignored"},
		{"type": "text", "text": "kept"}
	]`

	var c Content
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	text, attachments := c.Flatten()
	if text != "kept" {
		t.Errorf("expected %q, got %q", "kept", text)
	}
	if len(attachments) != 0 {
		t.Errorf("expected no attachments, got %d", len(attachments))
	}
}

func TestParseDataURL(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		wantMime string
		wantOK   bool
	}{
		{"png", "data:image/png;base64,abc", "image/png", true},
		{"jpeg", "data:image/jpeg;base64,xyz", "image/jpeg", true},
		{"not a data url", "https://example.com/cat.png", "", false},
		{"missing base64 marker", "data:image/png,abc", "", false},
		{"missing mime", "data:;base64,abc", "", false},
		{"empty payload", "data:image/png;base64,", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			att, ok := parseDataURL(tt.url)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && att.MimeType != tt.wantMime {
				t.Errorf("mime = %q, want %q", att.MimeType, tt.wantMime)
			}
		})
	}
}

func TestStripTimestampPrefix(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"minutes precision", "[Fri 2026-02-20 21:30 UTC] Hello!", "Hello!"},
		{"seconds precision", "[Mon 2025-12-01 09:05:59 UTC] Hi", "Hi"},
		{"no prefix", "Hello!", "Hello!"},
		{"prefix not at start", "x [Fri 2026-02-20 21:30 UTC] Hello!", "x [Fri 2026-02-20 21:30 UTC] Hello!"},
		{"wrong zone", "[Fri 2026-02-20 21:30 PST] Hello!", "[Fri 2026-02-20 21:30 PST] Hello!"},
		{"prefix only once", "[Fri 2026-02-20 21:30 UTC] [Fri 2026-02-20 21:31 UTC] Hi", "[Fri 2026-02-20 21:31 UTC] Hi"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StripTimestampPrefix(tt.in); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidateBlocks(t *testing.T) {
	ok := []ContentBlock{{Type: "text", Text: "hi"}}
	if err := ValidateBlocks(ok); err != nil {
		t.Errorf("expected valid blocks, got %v", err)
	}

	empty := []ContentBlock{{Type: "video"}, {Type: "audio"}}
	if err := ValidateBlocks(empty); err == nil {
		t.Error("expected error for blocks with no usable content")
	}
}
