// Package message defines the clipkeep IPC protocol.
//
// A client opens the daemon socket, writes one Request and reads one
// Response. Both are single-line JSON documents terminated by '\n'.
package message

import (
	"encoding/json"
	"fmt"
	"time"

	"go.klb.dev/clipkeep/internal/apperr"
	"go.klb.dev/clipkeep/internal/history"
	"go.klb.dev/clipkeep/internal/search"
	"go.klb.dev/clipkeep/internal/settings"
	"go.klb.dev/clipkeep/internal/snippets"
)

// Op names a daemon operation.
type Op string

const (
	OpHistoryList   Op = "history.list"
	OpHistoryRecord Op = "history.record"
	OpHistoryPin    Op = "history.pin"
	OpHistoryUnpin  Op = "history.unpin"
	OpHistoryRemove Op = "history.remove"
	OpHistoryClear  Op = "history.clear"
	OpSearch        Op = "search"
	OpPaste         Op = "paste"

	OpFolderCreate  Op = "folder.create"
	OpSnippetCreate Op = "snippet.create"
	OpSnippetEdit   Op = "snippet.edit"
	OpNodeMove      Op = "node.move"
	OpNodeRename    Op = "node.rename"
	OpNodeDelete    Op = "node.delete"
	OpNodeReorder   Op = "node.reorder"
	OpSnippetsTree  Op = "snippets.tree"
	OpExport        Op = "snippets.export"
	OpImport        Op = "snippets.import"

	OpSettingsGet Op = "settings.get"
	OpSettingsSet Op = "settings.set"
	OpStatus      Op = "status"
)

// Request is the client-to-daemon envelope. Which fields are read depends
// on Op.
type Request struct {
	Op Op `json:"op"`

	// history.pin/unpin/remove, paste, snippet.edit, node.*
	ID  string   `json:"id,omitempty"`
	IDs []string `json:"ids,omitempty"`

	// history.record text
	Text string `json:"text,omitempty"`
	// snippet.create/edit body; nil on edit keeps the current body
	Body *string `json:"body,omitempty"`
	// folder name, snippet title, new name for node.rename
	Name   string `json:"name,omitempty"`
	Parent string `json:"parent,omitempty"`

	// history.list, search
	Query  string `json:"query,omitempty"`
	Scope  string `json:"scope,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`

	// snippets.import
	Mode     string `json:"mode,omitempty"`
	Document string `json:"document,omitempty"`

	// settings.set
	Settings *settings.Patch `json:"settings,omitempty"`
}

// Status describes a running daemon.
type Status struct {
	Version    string    `json:"version"`
	Clipboard  string    `json:"clipboard"`
	Storage    string    `json:"storage"`
	Socket     string    `json:"socket"`
	StartedAt  time.Time `json:"started_at"`
	Entries    int       `json:"entries"`
	Pinned     int       `json:"pinned"`
	MaxHistory int       `json:"max_history"`
	Folders    int       `json:"folders"`
	Snippets   int       `json:"snippets"`
}

// Response is the daemon-to-client envelope.
type Response struct {
	OK    bool        `json:"ok"`
	Error string      `json:"error,omitempty"`
	Code  apperr.Code `json:"code,omitempty"`
	// Warning is set when a mutation succeeded in memory but could not be
	// persisted yet.
	Warning string `json:"warning,omitempty"`

	Entry    *history.Entry         `json:"entry,omitempty"`
	Entries  []history.Entry        `json:"entries,omitempty"`
	Matches  []search.Match         `json:"matches,omitempty"`
	Folder   *snippets.Folder       `json:"folder,omitempty"`
	Snippet  *snippets.Snippet      `json:"snippet,omitempty"`
	Tree     *snippets.Tree         `json:"tree,omitempty"`
	Document string                 `json:"document,omitempty"`
	Import   *snippets.ImportResult `json:"import,omitempty"`
	Settings *settings.Settings     `json:"settings,omitempty"`
	Status   *Status                `json:"status,omitempty"`
	Count    int                    `json:"count,omitempty"`
}

// Err rebuilds the daemon-side error, or returns nil for a successful response.
func (r *Response) Err() error {
	if r.OK {
		return nil
	}
	return apperr.FromCode(r.Code, r.Error)
}

// Fail returns a failed Response for err.
func Fail(err error) *Response {
	return &Response{Error: err.Error(), Code: apperr.CodeOf(err)}
}

// Encode serialises v to JSON without a trailing newline.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// DecodeRequest deserialises a request from raw JSON bytes.
func DecodeRequest(b []byte) (*Request, error) {
	var r Request
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("request decode: %w", err)
	}
	return &r, nil
}

// DecodeResponse deserialises a response from raw JSON bytes.
func DecodeResponse(b []byte) (*Response, error) {
	var r Response
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("response decode: %w", err)
	}
	return &r, nil
}
