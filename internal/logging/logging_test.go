package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog/log"
)

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatConsole, "console": FormatConsole, "JSON": FormatJSON} {
		got, err := ParseFormat(in)
		if err != nil {
			t.Fatalf("ParseFormat(%q) error = %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseFormat(%q) = %q, want %q", in, got, want)
		}
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Fatal("ParseFormat(xml) expected error")
	}
}

func TestSetupJSON(t *testing.T) {
	var buf bytes.Buffer
	Setup(Options{Debug: true, Format: FormatJSON, Out: &buf})
	t.Cleanup(func() { Setup(Options{}) })

	log.Debug().Str("phase_id", "dev").Msg("hello")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if line["phase_id"] != "dev" || line["message"] != "hello" || line["level"] != "debug" {
		t.Fatalf("unexpected log line: %v", line)
	}
	if !DebugEnabled() {
		t.Fatal("DebugEnabled() = false, want true")
	}
}
