package config

// Tool names exposed to the agent over MCP
const (
	// ToolOpenFile opens a file in the editor
	ToolOpenFile = "openFile"
	// ToolOpenDiff proposes a whole-file replacement
	ToolOpenDiff = "openDiff"
	// ToolInsertText inserts text at a position
	ToolInsertText = "insertText"
	// ToolGetOpenEditors lists open documents
	ToolGetOpenEditors = "getOpenEditors"
	// ToolGetDiagnostics returns editor diagnostics
	ToolGetDiagnostics = "getDiagnostics"
	// ToolGetCurrentSelection returns the selection of the active document
	ToolGetCurrentSelection = "getCurrentSelection"
	// ToolGetLatestSelection returns the most recent selection in any document
	ToolGetLatestSelection = "getLatestSelection"
	// ToolGetWorkspaceFolders returns the workspace roots
	ToolGetWorkspaceFolders = "getWorkspaceFolders"
	// ToolCheckDocumentDirty reports unsaved changes
	ToolCheckDocumentDirty = "checkDocumentDirty"
	// ToolSaveDocument saves a document
	ToolSaveDocument = "saveDocument"
	// ToolCloseTab closes an editor tab
	ToolCloseTab = "close_tab"
	// ToolCloseAllDiffTabs closes every diff tab
	ToolCloseAllDiffTabs = "closeAllDiffTabs"
)

// AllTools returns a slice of all available tool names
func AllTools() []string {
	return []string{
		ToolOpenFile,
		ToolOpenDiff,
		ToolInsertText,
		ToolGetOpenEditors,
		ToolGetDiagnostics,
		ToolGetCurrentSelection,
		ToolGetLatestSelection,
		ToolGetWorkspaceFolders,
		ToolCheckDocumentDirty,
		ToolSaveDocument,
		ToolCloseTab,
		ToolCloseAllDiffTabs,
	}
}

// Notification methods pushed to the agent
const (
	NotifySelectionChanged     = "selection_changed"
	NotifyAtMentioned          = "at_mentioned"
	NotifyOpenDocumentsChanged = "open_documents_changed"
)
