package duedate

import (
	"testing"
	"time"
)

func TestParse(t *testing.T) {
	// Tuesday morning.
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.Local)

	tests := []struct {
		input string
		want  Due
	}{
		{"", Due{}},
		{"2026-04-01", Due{Date: "2026-04-01"}},
		{"  2026-04-01 ", Due{Date: "2026-04-01"}},
		{"today", Due{Date: "2026-03-10"}},
		{"tomorrow", Due{Date: "2026-03-11"}},
		{"tomorrow at 5pm", Due{Date: "2026-03-11", Time: "17:00"}},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := Parse(tt.input, now)
			if err != nil {
				t.Fatalf("Parse(%q) failed: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("Parse(%q) = %+v, want %+v", tt.input, got, tt.want)
			}
		})
	}
}

func TestParse_Unrecognized(t *testing.T) {
	if _, err := Parse("whenever I feel like it", time.Now()); err == nil {
		t.Error("Parse() of nonsense succeeded, want error")
	}
}
