package agent

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/AltairaLabs/ide-bridge/internal/bridge/config"
	"github.com/AltairaLabs/ide-bridge/internal/types"
)

// toolSchema lists what a tool call must carry before it reaches the editor
type toolSchema struct {
	required []string
	paths    []string
}

var toolSchemas = map[string]toolSchema{
	config.ToolOpenFile:            {required: []string{"filePath"}, paths: []string{"filePath"}},
	config.ToolOpenDiff:            {required: []string{"old_file_path", "new_file_contents"}, paths: []string{"old_file_path", "new_file_path"}},
	config.ToolInsertText:          {required: []string{"filePath", "text"}, paths: []string{"filePath"}},
	config.ToolGetOpenEditors:      {},
	config.ToolGetDiagnostics:      {paths: []string{"uri"}},
	config.ToolGetCurrentSelection: {},
	config.ToolGetLatestSelection:  {},
	config.ToolGetWorkspaceFolders: {},
	config.ToolCheckDocumentDirty:  {required: []string{"filePath"}, paths: []string{"filePath"}},
	config.ToolSaveDocument:        {required: []string{"filePath"}, paths: []string{"filePath"}},
	config.ToolCloseTab:            {required: []string{"tab_name"}},
	config.ToolCloseAllDiffTabs:    {},
}

// Validator checks tool arguments against the tool schema and the
// sensitive path rules
type Validator struct {
	patterns []string
}

// NewValidator compiles the sensitive path globs
func NewValidator(patterns []string) (*Validator, error) {
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid sensitive path pattern %q", p)
		}
	}
	return &Validator{patterns: append([]string(nil), patterns...)}, nil
}

// Validate returns a ProtocolError describing every problem with args
func (v *Validator) Validate(tool string, args map[string]any) error {
	schema, ok := toolSchemas[tool]
	if !ok {
		return types.ProtocolError("validate", fmt.Errorf("unknown tool %q", tool))
	}

	var errs []error
	for _, key := range schema.required {
		val, present := args[key]
		if !present || val == nil {
			errs = append(errs, fmt.Errorf("missing required argument %q", key))
			continue
		}
		if s, isString := val.(string); isString && s == "" && key != "new_file_contents" && key != "text" {
			errs = append(errs, fmt.Errorf("argument %q cannot be empty", key))
		}
	}
	for _, key := range schema.paths {
		raw, present := args[key]
		if !present || raw == nil {
			continue
		}
		s, isString := raw.(string)
		if !isString {
			errs = append(errs, fmt.Errorf("argument %q must be a string", key))
			continue
		}
		if s == "" {
			continue
		}
		path, err := normalizePath(s)
		if err != nil {
			errs = append(errs, fmt.Errorf("argument %q: %w", key, err))
			continue
		}
		if v.Sensitive(path) {
			errs = append(errs, fmt.Errorf(config.ErrSensitivePath, path))
		}
	}
	if len(errs) > 0 {
		return types.ProtocolError("validate "+tool, errors.Join(errs...))
	}
	return nil
}

// Sensitive reports whether path matches a protected glob
func (v *Validator) Sensitive(path string) bool {
	path = filepath.ToSlash(path)
	trimmed := strings.TrimPrefix(path, "/")
	for _, p := range v.patterns {
		if ok, _ := doublestar.PathMatch(p, path); ok {
			return true
		}
		if ok, _ := doublestar.PathMatch(p, trimmed); ok {
			return true
		}
	}
	return false
}

// normalizePath accepts an absolute path or a file URI and returns a clean
// absolute path
func normalizePath(s string) (string, error) {
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return "", fmt.Errorf("malformed uri %q: %w", s, err)
		}
		if u.Scheme != "file" {
			return "", fmt.Errorf("unsupported uri scheme %q", u.Scheme)
		}
		if u.Host != "" && u.Host != "localhost" {
			return "", fmt.Errorf("file uri %q names a remote host", s)
		}
		s = u.Path
	}
	if !filepath.IsAbs(s) {
		return "", fmt.Errorf("path %q is not absolute", s)
	}
	return filepath.Clean(s), nil
}
