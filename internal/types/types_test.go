package types

import (
	"errors"
	"fmt"
	"testing"
)

func TestMakeFileKey(t *testing.T) {
	tests := []struct {
		name    string
		repoID  string
		relPath string
		want    string
	}{
		{"Simple", "repoA", "src/x.cpp", "repoA:src/x.cpp"},
		{"Backslashes", "repoA", `src\sub\x.cpp`, "repoA:src/sub/x.cpp"},
		{"DotSlash", "repoB", "./include/u.h", "repoB:include/u.h"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MakeFileKey(tt.repoID, tt.relPath); got != tt.want {
				t.Errorf("MakeFileKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNormalizeFileKeyCaseFolds(t *testing.T) {
	a := NormalizeFileKey("repoA:Src/X.cpp")
	b := NormalizeFileKey("repoa:src/x.cpp")
	if a != b {
		t.Errorf("case-normalised keys differ: %q vs %q", a, b)
	}
}

func TestSplitFileKey(t *testing.T) {
	repo, rel := SplitFileKey("repoA:src/x.cpp")
	if repo != "repoA" || rel != "src/x.cpp" {
		t.Errorf("SplitFileKey = (%q, %q)", repo, rel)
	}
	repo, rel = SplitFileKey("norepo")
	if repo != "norepo" || rel != "" {
		t.Errorf("SplitFileKey without prefix = (%q, %q)", repo, rel)
	}
}

func TestNormalizeSymbolKind(t *testing.T) {
	if NormalizeSymbolKind("CXXMethod") != KindCXXMethod {
		t.Error("known kind should pass through")
	}
	if NormalizeSymbolKind("SomethingNew") != KindUnknown {
		t.Error("unknown kind should map to Unknown")
	}
}

func TestOverlayState(t *testing.T) {
	for state, want := range map[FileState]bool{
		StateAdded:     true,
		StateModified:  true,
		StateRenamed:   true,
		StateDeleted:   false,
		StateUnchanged: false,
	} {
		if got := state.OverlayState(); got != want {
			t.Errorf("%s.OverlayState() = %v, want %v", state, got, want)
		}
	}
}

func TestErrorKindOf(t *testing.T) {
	err := E(KindMissingFlags, "no compile command for %s", "repoA:src/x.cpp")
	if KindOf(err) != KindMissingFlags {
		t.Errorf("KindOf = %s", KindOf(err))
	}

	wrapped := fmt.Errorf("outer: %w", WrapE(KindParseFailed, errors.New("boom"), "extract"))
	if KindOf(wrapped) != KindParseFailed {
		t.Errorf("KindOf through wrap = %s", KindOf(wrapped))
	}

	if KindOf(errors.New("plain")) != KindInternal {
		t.Error("plain errors classify as internal_error")
	}
}
