package analysis

import (
	"testing"
)

func TestFingerprint_Stable(t *testing.T) {
	bt := []string{"a.rb:1", "b.rb:2"}
	fp1 := Fingerprint("NullPointerException", bt)
	fp2 := Fingerprint("NullPointerException", []string{"a.rb:1", "b.rb:2"})

	if fp1 != fp2 {
		t.Errorf("same input should give same fingerprint: %s vs %s", fp1, fp2)
	}
	if len(fp1) != 64 {
		t.Errorf("expected 64-char hex sha256, got %d chars", len(fp1))
	}
}

func TestFingerprint_Distinct(t *testing.T) {
	base := Fingerprint("boom", []string{"a.rb:1", "b.rb:2"})

	tests := []struct {
		name      string
		message   string
		backtrace []string
	}{
		{"different message", "boom!", []string{"a.rb:1", "b.rb:2"}},
		{"line shift is not normalized", "boom", []string{"a.rb:1", "b.rb:3"}},
		{"frame order matters", "boom", []string{"b.rb:2", "a.rb:1"}},
		{"extra frame", "boom", []string{"a.rb:1", "b.rb:2", "c.rb:3"}},
		{"empty backtrace", "boom", nil},
		{"boundary between message and frame", "booma.rb:1", []string{"b.rb:2"}},
		{"boundary between frames", "boom", []string{"a.rb:1b.rb:2"}},
		{"case is significant", "Boom", []string{"a.rb:1", "b.rb:2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Fingerprint(tt.message, tt.backtrace); got == base {
				t.Errorf("expected a different fingerprint for %q %v", tt.message, tt.backtrace)
			}
		})
	}
}

func TestFingerprint_NilAndEmptyBacktraceAgree(t *testing.T) {
	if Fingerprint("boom", nil) != Fingerprint("boom", []string{}) {
		t.Error("nil and empty backtrace should fingerprint the same")
	}
}

func TestSameSignature(t *testing.T) {
	bt := []string{"a.rb:1", "b.rb:2"}

	if !SameSignature("boom", bt, "boom", []string{"a.rb:1", "b.rb:2"}) {
		t.Error("identical signatures should match")
	}
	if SameSignature("boom", bt, "boom", []string{"a.rb:1"}) {
		t.Error("different length backtraces should not match")
	}
	if SameSignature("boom", bt, "bang", bt) {
		t.Error("different messages should not match")
	}
	if SameSignature("boom", bt, "boom", []string{"b.rb:2", "a.rb:1"}) {
		t.Error("reordered frames should not match")
	}
}
