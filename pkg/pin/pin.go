// Package pin contains the core domain types for the pin publishing service.
package pin

import (
	"path/filepath"
	"strings"
)

// Strategy selects how pins are pushed to the platform.
type Strategy string

const (
	// StrategyDirect drives the platform's JSON resource endpoints directly.
	StrategyDirect Strategy = "requests"
	// StrategyBrowser drives the pin creation tool through a real browser.
	StrategyBrowser Strategy = "browser"
)

// UploadRequest is one fully normalized publish request. Title and
// description are length-bounded at construction and never re-validated.
type UploadRequest struct {
	FilePath    string // Local asset path; extension decides video vs image
	BoardName   string // Literal board id (digits) or a name to resolve
	Title       string // At most 95 characters
	Description string // Description plus hashtags, at most 495 characters
	Link        string // Optional outbound link
	Mode        string // Ledger bookkeeping field, carried through verbatim
	Keyword     string // Ledger bookkeeping field, carried through verbatim
}

// IsVideo reports whether the request's file is a video asset.
func (r UploadRequest) IsVideo() bool {
	switch strings.ToLower(filepath.Ext(r.FilePath)) {
	case ".mp4", ".mov", ".m4v":
		return true
	}
	return false
}

// Row is one raw ledger row, in ledger column order.
type Row struct {
	Mode        string
	Keyword     string
	Title       string
	Description string
	FilePath    string
	BoardName   string
	PinLink     string
}

// BoardSpec describes a board to be created.
type BoardSpec struct {
	Name        string // At most 50 characters
	Description string // At most 495 characters
}

// Board is one board owned by the account, as reported by the platform.
type Board struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Account holds the externally supplied configuration for one account.
type Account struct {
	Email        string `yaml:"email"`
	Password     string `yaml:"password"`
	Username     string `yaml:"username"`
	Project      string `yaml:"project"`       // Project folder name under the projects root
	UserAgent    string `yaml:"user_agent"`    // Optional browser identity override
	Proxy        string `yaml:"proxy"`         // Optional scheme://[user:pass@]host:port, http or socks5
	RandomBoards string `yaml:"random_boards"` // Optional comma-separated board candidates
	GlobalLink   string `yaml:"global_link"`   // Optional link overriding per-row links
}

// OutcomeKind classifies the result of processing one batch item.
type OutcomeKind string

const (
	OutcomeSuccess       OutcomeKind = "success"
	OutcomeBoardNotFound OutcomeKind = "board_not_found"
	OutcomeUploadFailed  OutcomeKind = "upload_failed"
)

// Outcome records what happened to a single upload request.
type Outcome struct {
	Request UploadRequest
	Kind    OutcomeKind
	PinID   string // Set on success when the strategy reports one
	Err     error  // Set when Kind is OutcomeUploadFailed
}

// Report summarizes a batch run.
type Report struct {
	Outcomes []Outcome
	Clamped  bool // True when the pin limit exceeded the queued rows
}

// Succeeded counts items that published.
func (r Report) Succeeded() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Kind == OutcomeSuccess {
			n++
		}
	}
	return n
}

// Failed counts items that did not publish, for any reason.
func (r Report) Failed() int {
	return len(r.Outcomes) - r.Succeeded()
}
