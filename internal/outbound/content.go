package outbound

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// maxContentDepth bounds Composite nesting when decoding untrusted JSON.
const maxContentDepth = 32

// MessageContent is the closed set of payload variants an envelope can
// carry: TextContent, MediaContent, or CompositeContent. Values are
// immutable once constructed.
type MessageContent interface {
	isContent()
	validate() error
}

// TextContent is a plain text payload.
type TextContent struct {
	Text string `json:"text"`
}

// MediaContent references a media object by URL or local path. MIMEType
// is optional; adapters fall back to extension sniffing.
type MediaContent struct {
	Caption  string `json:"caption,omitempty"`
	MediaRef string `json:"media_ref"`
	MIMEType string `json:"mime_type,omitempty"`
}

// CompositeContent groups multiple parts to deliver as one message.
// Nesting is allowed; adapters flatten it to whatever the transport supports.
type CompositeContent struct {
	Parts []MessageContent `json:"parts"`
}

func (TextContent) isContent()      {}
func (MediaContent) isContent()     {}
func (CompositeContent) isContent() {}

func (t TextContent) validate() error {
	if t.Text == "" {
		return errors.New("empty text content")
	}
	return nil
}

func (m MediaContent) validate() error {
	if m.MediaRef == "" {
		return errors.New("media content missing media_ref")
	}
	return nil
}

func (c CompositeContent) validate() error {
	if len(c.Parts) == 0 {
		return errors.New("composite content has no parts")
	}
	for i, part := range c.Parts {
		if part == nil {
			return fmt.Errorf("composite part %d is nil", i)
		}
		if err := part.validate(); err != nil {
			return fmt.Errorf("composite part %d: %w", i, err)
		}
	}
	return nil
}

func (t TextContent) MarshalJSON() ([]byte, error) {
	type wire struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	return json.Marshal(wire{Type: "text", Text: t.Text})
}

func (m MediaContent) MarshalJSON() ([]byte, error) {
	type wire struct {
		Type     string `json:"type"`
		Caption  string `json:"caption,omitempty"`
		MediaRef string `json:"media_ref"`
		MIMEType string `json:"mime_type,omitempty"`
	}
	return json.Marshal(wire{Type: "media", Caption: m.Caption, MediaRef: m.MediaRef, MIMEType: m.MIMEType})
}

func (c CompositeContent) MarshalJSON() ([]byte, error) {
	type wire struct {
		Type  string           `json:"type"`
		Parts []MessageContent `json:"parts"`
	}
	return json.Marshal(wire{Type: "composite", Parts: c.Parts})
}

// UnmarshalContent decodes a content value from its JSON wire form,
// dispatching on the "type" discriminator field.
func UnmarshalContent(data []byte) (MessageContent, error) {
	return unmarshalContent(data, 0)
}

func unmarshalContent(data []byte, depth int) (MessageContent, error) {
	if depth > maxContentDepth {
		return nil, fmt.Errorf("content nesting exceeds %d levels", maxContentDepth)
	}

	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("decode content: %w", err)
	}

	switch probe.Type {
	case "text":
		var v TextContent
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode text content: %w", err)
		}
		return v, nil

	case "media":
		var v MediaContent
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode media content: %w", err)
		}
		return v, nil

	case "composite":
		var v struct {
			Parts []json.RawMessage `json:"parts"`
		}
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode composite content: %w", err)
		}
		parts := make([]MessageContent, 0, len(v.Parts))
		for i, raw := range v.Parts {
			part, err := unmarshalContent(raw, depth+1)
			if err != nil {
				return nil, fmt.Errorf("composite part %d: %w", i, err)
			}
			parts = append(parts, part)
		}
		return CompositeContent{Parts: parts}, nil

	default:
		return nil, fmt.Errorf("unknown content type %q", probe.Type)
	}
}

// RenderText flattens any content variant into plain text, for transports
// that cannot deliver media natively and for log previews.
func RenderText(c MessageContent) string {
	switch v := c.(type) {
	case TextContent:
		return v.Text
	case MediaContent:
		if v.Caption != "" {
			return fmt.Sprintf("%s\n[media: %s]", v.Caption, v.MediaRef)
		}
		return fmt.Sprintf("[media: %s]", v.MediaRef)
	case CompositeContent:
		parts := make([]string, 0, len(v.Parts))
		for _, p := range v.Parts {
			if s := RenderText(p); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "\n")
	default:
		return ""
	}
}
