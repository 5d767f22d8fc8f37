package outbound

import (
	"encoding/json"
	"strings"
	"testing"
)

// TestContentJSONRoundTrip verifies each variant survives encode/decode with
// its type discriminator intact, including nested composites.
func TestContentJSONRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		content MessageContent
	}{
		{name: "text", content: TextContent{Text: "hello"}},
		{name: "media", content: MediaContent{Caption: "diagram", MediaRef: "https://example.com/a.png", MIMEType: "image/png"}},
		{
			name: "composite",
			content: CompositeContent{Parts: []MessageContent{
				TextContent{Text: "intro"},
				MediaContent{MediaRef: "file:///tmp/x.jpg"},
				CompositeContent{Parts: []MessageContent{TextContent{Text: "nested"}}},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.content)
			if err != nil {
				t.Fatal(err)
			}
			got, err := UnmarshalContent(data)
			if err != nil {
				t.Fatal(err)
			}
			back, err := json.Marshal(got)
			if err != nil {
				t.Fatal(err)
			}
			if string(back) != string(data) {
				t.Errorf("round trip = %s, want %s", back, data)
			}
		})
	}
}

// TestUnmarshalContentRejectsUnknownType verifies the closed-set property at
// the wire boundary.
func TestUnmarshalContentRejectsUnknownType(t *testing.T) {
	_, err := UnmarshalContent([]byte(`{"type":"sticker","id":"x"}`))
	if err == nil {
		t.Fatal("expected error for unknown content type")
	}
	if !strings.Contains(err.Error(), "sticker") {
		t.Errorf("error should name the offending type, got: %v", err)
	}
}

// TestUnmarshalContentDepthLimit verifies deeply nested composites from
// untrusted input are rejected rather than recursed into.
func TestUnmarshalContentDepthLimit(t *testing.T) {
	payload := `{"type":"text","text":"x"}`
	for i := 0; i < maxContentDepth+2; i++ {
		payload = `{"type":"composite","parts":[` + payload + `]}`
	}

	if _, err := UnmarshalContent([]byte(payload)); err == nil {
		t.Fatal("expected depth limit error")
	}
}

func TestRenderText(t *testing.T) {
	tests := []struct {
		name    string
		content MessageContent
		want    string
	}{
		{name: "text", content: TextContent{Text: "hi"}, want: "hi"},
		{name: "media without caption", content: MediaContent{MediaRef: "ref"}, want: "[media: ref]"},
		{name: "media with caption", content: MediaContent{Caption: "cap", MediaRef: "ref"}, want: "cap\n[media: ref]"},
		{
			name: "composite",
			content: CompositeContent{Parts: []MessageContent{
				TextContent{Text: "a"},
				TextContent{Text: "b"},
			}},
			want: "a\nb",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RenderText(tt.content); got != tt.want {
				t.Errorf("RenderText = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestContentValidate(t *testing.T) {
	tests := []struct {
		name    string
		content MessageContent
		wantErr bool
	}{
		{name: "valid text", content: TextContent{Text: "x"}, wantErr: false},
		{name: "empty text", content: TextContent{}, wantErr: true},
		{name: "media without ref", content: MediaContent{Caption: "c"}, wantErr: true},
		{name: "empty composite", content: CompositeContent{}, wantErr: true},
		{name: "composite with bad part", content: CompositeContent{Parts: []MessageContent{TextContent{}}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.content.validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
