package contextcache

import (
	"path/filepath"
	"strings"

	"go.lsp.dev/uri"
)

const fileScheme = "file://"

// URIToPath returns the filesystem path of a file URI. Anything else is
// returned unchanged.
func URIToPath(u string) string {
	if !strings.HasPrefix(u, fileScheme) {
		return u
	}
	return uri.URI(u).Filename()
}

// PathToURI returns the file URI of an absolute path. URIs pass through.
func PathToURI(p string) string {
	if strings.Contains(p, "://") {
		return p
	}
	return string(uri.File(filepath.Clean(p)))
}

// SelectionRange is the agent-facing shape of a range
type SelectionRange struct {
	Start   Position `json:"start"`
	End     Position `json:"end"`
	IsEmpty bool     `json:"isEmpty"`
}

// SelectionView is the agent-facing shape of a snapshot
type SelectionView struct {
	Text      string         `json:"text"`
	FilePath  string         `json:"filePath"`
	FileURL   string         `json:"fileUrl"`
	Selection SelectionRange `json:"selection"`
	Seq       uint64         `json:"seq"`
}

// View renders s for the agent using its primary range
func (s Snapshot) View() SelectionView {
	r := s.Primary()
	return SelectionView{
		Text:     s.Text,
		FilePath: URIToPath(s.URI),
		FileURL:  s.URI,
		Selection: SelectionRange{
			Start:   r.Start,
			End:     r.End,
			IsEmpty: r.IsEmpty(),
		},
		Seq: s.Seq,
	}
}
