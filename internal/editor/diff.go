package editor

import (
	"fmt"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/sourcegraph/go-diff/diff"
)

const diffContextLines = 3

// unifiedDiff renders the change from before to after. Identical inputs
// yield an empty string.
func unifiedDiff(path, before, after string) (string, error) {
	if before == after {
		return "", nil
	}
	out, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(before),
		B:        difflib.SplitLines(after),
		FromFile: "a" + path,
		ToFile:   "b" + path,
		Context:  diffContextLines,
	})
	if err != nil {
		return "", fmt.Errorf("diff %s: %w", path, err)
	}
	return out, nil
}

// diffStat counts the lines a unified diff adds, changes and deletes
func diffStat(unified string) (diff.Stat, error) {
	if unified == "" {
		return diff.Stat{}, nil
	}
	fd, err := diff.ParseFileDiff([]byte(unified))
	if err != nil {
		return diff.Stat{}, fmt.Errorf("parse diff: %w", err)
	}
	return fd.Stat(), nil
}
