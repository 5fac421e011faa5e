package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/haivivi/nl2sql/pkg/metrics"
)

func TestOutput_JSON(t *testing.T) {
	var buf bytes.Buffer
	s := metrics.Summary{Examples: 4, LogicalForm: 0.5}
	if err := Output(s, OutputOptions{Format: FormatJSON, Writer: &buf}); err != nil {
		t.Fatalf("Output error: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("Invalid JSON output: %v", err)
	}
	if got["lx"] != 0.5 {
		t.Errorf("lx = %v, want 0.5", got["lx"])
	}
}

func TestOutput_YAML(t *testing.T) {
	var buf bytes.Buffer
	if err := Output(metrics.Summary{Examples: 4}, OutputOptions{Writer: &buf}); err != nil {
		t.Fatalf("Output error: %v", err)
	}
	if !strings.Contains(buf.String(), "examples: 4") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestOutput_Table(t *testing.T) {
	var buf bytes.Buffer
	sums := map[string]metrics.Summary{
		"train": {Examples: 10, Sel: 0.9},
		"dev":   {Examples: 5, Sel: 0.4},
	}
	if err := Output(sums, OutputOptions{Format: FormatTable, Writer: &buf}); err != nil {
		t.Fatalf("Output error: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"sc", "lx", "0.900", "0.400", "train", "dev"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "dev") > strings.Index(out, "train") {
		t.Error("rows not sorted by label")
	}

	if err := Output(42, OutputOptions{Format: FormatTable, Writer: &buf}); err == nil {
		t.Error("table output of an int succeeded")
	}
}

func TestOutput_Raw(t *testing.T) {
	var buf bytes.Buffer
	if err := Output("hello", OutputOptions{Format: FormatRaw, Writer: &buf}); err != nil {
		t.Fatalf("Output error: %v", err)
	}
	if buf.String() != "hello" {
		t.Errorf("output = %q", buf.String())
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat(""); err != nil || f != FormatYAML {
		t.Errorf("ParseFormat(\"\") = %v, %v", f, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("ParseFormat(xml) succeeded")
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0ms"},
		{999 * time.Millisecond, "999ms"},
		{1500 * time.Millisecond, "1.5s"},
		{59 * time.Second, "59.0s"},
		{61 * time.Second, "1m1.0s"},
		{125500 * time.Millisecond, "2m5.5s"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := FormatDuration(tt.d); got != tt.want {
				t.Errorf("FormatDuration(%v) = %q, want %q", tt.d, got, tt.want)
			}
		})
	}
}
