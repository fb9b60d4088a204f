package api

import (
	"bytes"
	"strings"
	"testing"
)

type sample struct {
	ID    string  `json:"id" yaml:"id"`
	Cost  float64 `json:"cost_usd" yaml:"cost_usd"`
	Stage string  `json:"stage,omitempty" yaml:"stage,omitempty"`
}

func TestParseOutputFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    OutputFormat
		wantErr bool
	}{
		{"", OutputFormatYAML, false},
		{"yaml", OutputFormatYAML, false},
		{"json", OutputFormatJSON, false},
		{"xml", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseOutputFormat(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseOutputFormat(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseOutputFormat(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestPrinter(t *testing.T) {
	data := sample{ID: "job-1", Cost: 1.5}

	t.Run("yaml", func(t *testing.T) {
		var buf bytes.Buffer
		if err := (&Printer{W: &buf, Format: OutputFormatYAML}).Print(data); err != nil {
			t.Fatal(err)
		}
		want := "id: job-1\ncost_usd: 1.5\n"
		if buf.String() != want {
			t.Errorf("got %q, want %q", buf.String(), want)
		}
	})

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		if err := (&Printer{W: &buf, Format: OutputFormatJSON}).Print(data); err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(buf.String(), `"cost_usd": 1.5`) {
			t.Errorf("unexpected json: %s", buf.String())
		}
		if strings.Contains(buf.String(), "stage") {
			t.Error("empty field should be omitted")
		}
	})

	t.Run("unknown format", func(t *testing.T) {
		if err := (&Printer{W: &bytes.Buffer{}, Format: "xml"}).Print(data); err == nil {
			t.Error("expected error")
		}
	})
}
