package editor

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestUnifiedDiffAndStat(t *testing.T) {
	before := "package a\n\nfunc A() {}\n\nfunc B() {}\n"
	after := "package a\n\nfunc A() { return }\n\nfunc B() {}\nfunc C() {}\n"

	unified, err := unifiedDiff("/src/a.go", before, after)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(unified, "--- a/src/a.go\n+++ b/src/a.go\n") {
		t.Errorf("unexpected header:\n%s", unified)
	}

	stat, err := diffStat(unified)
	if err != nil {
		t.Fatal(err)
	}
	if stat.Changed != 1 || stat.Added != 1 || stat.Deleted != 0 {
		t.Errorf("stat = %+v, want 1 changed and 1 added", stat)
	}
}

func TestUnifiedDiffIdentical(t *testing.T) {
	unified, err := unifiedDiff("/src/a.go", "x\n", "x\n")
	if err != nil || unified != "" {
		t.Fatalf("identical input gave %q, %v", unified, err)
	}
	stat, err := diffStat(unified)
	if err != nil || stat.Added+stat.Changed+stat.Deleted != 0 {
		t.Errorf("stat = %+v, %v", stat, err)
	}
}

func TestLocate(t *testing.T) {
	content := "one\ntwo three\nfour\n"
	r, ok := locate(content, "two", "four")
	if !ok {
		t.Fatal("expected a match")
	}
	if r.Start.Line != 1 || r.Start.Character != 0 || r.End.Line != 2 || r.End.Character != 4 {
		t.Errorf("range = %+v", r)
	}
	if _, ok := locate(content, "missing", ""); ok {
		t.Error("missing start text should not match")
	}
	if _, ok := locate(content, "", ""); ok {
		t.Error("empty start text should not match")
	}
}

func TestParseAtMention(t *testing.T) {
	positional := []json.RawMessage{json.RawMessage(`"file:///w/a.ts"`), json.RawMessage(`7`), json.RawMessage(`2`)}
	m, err := parseAtMention(positional)
	if err != nil {
		t.Fatal(err)
	}
	if m.URI != "file:///w/a.ts" || m.LineStart != 2 || m.LineEnd != 7 {
		t.Errorf("mention = %+v", m)
	}

	object := []json.RawMessage{json.RawMessage(`{"filePath":"/w/b.ts","lineStart":4,"lineEnd":6}`)}
	m, err = parseAtMention(object)
	if err != nil {
		t.Fatal(err)
	}
	if m.URI != "file:///w/b.ts" || m.LineStart != 4 || m.LineEnd != 6 {
		t.Errorf("mention = %+v", m)
	}

	if _, err := parseAtMention(nil); err == nil {
		t.Error("no arguments should fail")
	}
	if _, err := parseAtMention([]json.RawMessage{json.RawMessage(`{"lineStart":1}`)}); err == nil {
		t.Error("missing uri should fail")
	}
}
