package capture

import (
	"testing"

	"github.com/MrWong99/notetaker/internal/transcript"
)

func TestAdapter_UtteranceComplete(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"plain", "hello", "A: hello", true},
		{"trimmed", "  hi there \n", "A: hi there", true},
		{"blank", "   ", "", false},
		{"empty", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			agg := transcript.NewAggregator()
			a := NewAdapter("A", agg)
			if got := a.UtteranceComplete(tt.in); got != tt.ok {
				t.Errorf("UtteranceComplete = %v, want %v", got, tt.ok)
			}
			if got := agg.Flatten(); got != tt.want {
				t.Errorf("Flatten() = %q, want %q", got, tt.want)
			}
		})
	}
}
