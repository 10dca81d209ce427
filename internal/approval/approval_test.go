package approval

import (
	"bytes"
	"strings"
	"testing"
)

func TestAskFrom(t *testing.T) {
	tests := []struct {
		input    string
		approved bool
		action   string
	}{
		{"g\n", true, "grant_consent"},
		{"YES\n", true, "grant_consent"},
		{"d\n", false, "deny"},
		{"maybe\nn\n", false, "deny"},
		{"", false, "error_reading_input"},
		{"maybe", false, "error_reading_input"},
	}

	for _, tt := range tests {
		var out bytes.Buffer
		res := AskFrom(strings.NewReader(tt.input), &out, Prompt{
			Principal:   "agent-7",
			Action:      "sync contacts to remote",
			ActionClass: "network",
			Reasons:     []string{"consent for network is pending"},
		})
		if res.Approved != tt.approved || res.UserAction != tt.action {
			t.Errorf("input %q: got %+v, want approved=%v action=%s", tt.input, res, tt.approved, tt.action)
		}
		if !strings.Contains(out.String(), "agent-7") {
			t.Errorf("prompt does not name the principal:\n%s", out.String())
		}
	}
}

func TestAskFrom_RepromptsOnInvalidInput(t *testing.T) {
	var out bytes.Buffer
	AskFrom(strings.NewReader("x\ng\n"), &out, Prompt{Principal: "p", ActionClass: "memory"})
	if strings.Count(out.String(), "Your choice") != 2 {
		t.Errorf("expected two prompts:\n%s", out.String())
	}
}
