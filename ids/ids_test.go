package ids

import "testing"

func TestIsWhisperID(t *testing.T) {
	tests := []struct {
		name string
		id   string
		want bool
	}{
		{"valid", "WSP-AAAA-BBBB-CCCC", true},
		{"valid mixed alnum", "WSP-A1B2-C3D4-E5F6", true},
		{"lowercase rejected", "wsp-aaaa-bbbb-cccc", false},
		{"wrong prefix", "GRP-AAAA-BBBB-CCCC", false},
		{"short group", "WSP-AAA-BBBB-CCCC", false},
		{"missing dashes", "WSPAAAABBBBCCCC", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsWhisperID(tt.id); got != tt.want {
				t.Errorf("IsWhisperID(%q) = %v, want %v", tt.id, got, tt.want)
			}
		})
	}
}

func TestIsGroupID(t *testing.T) {
	if !IsGroupID("GRP-1111-2222-3333") {
		t.Error("expected valid group id to pass")
	}
	if IsGroupID("WSP-1111-2222-3333") {
		t.Error("expected whisper id to fail group validation")
	}
}
