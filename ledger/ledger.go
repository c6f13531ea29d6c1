// Package ledger manages the per-project CSV bookkeeping files: the queue of
// rows waiting to publish, the archive of published rows, and the board lists.
// Input files may be comma- or semicolon-delimited; everything written back
// uses semicolons.
package ledger

import (
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"pinner/pkg/pin"
)

const (
	pendingFile       = "uploading_data.csv"
	publishedFile     = "uploaded.csv"
	boardsFile        = "boards.csv"
	createdBoardsFile = "created_boards.csv"
	emojiFile         = "emoji.txt"
	pinnedDir         = "pinned"
)

var rowHeader = []string{"mode", "keyword", "title", "description", "file_path", "board_name", "pin_link"}

// Project is one project directory holding the ledgers and the published
// asset folder.
type Project struct {
	logger *slog.Logger
	dir    string
}

// Open binds a project directory under root, creating it and its published
// asset folder when missing.
func Open(root, name string, logger *slog.Logger) (*Project, error) {
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(filepath.Join(dir, pinnedDir), 0o755); err != nil {
		return nil, fmt.Errorf("create project directory: %w", err)
	}
	return &Project{dir: dir, logger: logger}, nil
}

// Dir returns the project directory path.
func (p *Project) Dir() string { return p.dir }

// PendingPath returns the path of the queue ledger.
func (p *Project) PendingPath() string { return filepath.Join(p.dir, pendingFile) }

// PublishedPath returns the path of the published-rows ledger.
func (p *Project) PublishedPath() string { return filepath.Join(p.dir, publishedFile) }

// BoardsPath returns the path of the board specs file.
func (p *Project) BoardsPath() string { return filepath.Join(p.dir, boardsFile) }

// CreatedBoardsPath returns the path of the created-boards record.
func (p *Project) CreatedBoardsPath() string { return filepath.Join(p.dir, createdBoardsFile) }

// Emojis reads the project's decoration emoji list, one or more per line.
// A missing or empty file simply means no decoration.
func (p *Project) Emojis() ([]string, error) {
	data, err := os.ReadFile(filepath.Join(p.dir, emojiFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read emoji list: %w", err)
	}
	return strings.Fields(string(data)), nil
}

// Pending reads the queue of rows waiting to publish. A missing queue file
// yields an empty slice, not an error.
func (p *Project) Pending() ([]pin.Row, error) {
	return readRows(p.PendingPath(), p.logger)
}

// Published reads the archive of already-published rows.
func (p *Project) Published() ([]pin.Row, error) {
	return readRows(p.PublishedPath(), p.logger)
}

// BoardSpecs reads the boards file: one board name and description per row.
func (p *Project) BoardSpecs() ([]pin.BoardSpec, error) {
	records, err := readRecords(p.BoardsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var specs []pin.BoardSpec
	for i, rec := range records {
		if i == 0 && isHeader(rec) {
			continue
		}
		if len(rec) == 0 || strings.TrimSpace(rec[0]) == "" {
			continue
		}
		spec := pin.BoardSpec{Name: strings.TrimSpace(rec[0])}
		if len(rec) > 1 {
			spec.Description = strings.TrimSpace(rec[1])
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// CreatedBoards reads the record of boards this tool already created.
func (p *Project) CreatedBoards() ([]pin.Board, error) {
	records, err := readRecords(p.CreatedBoardsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var boards []pin.Board
	for i, rec := range records {
		if i == 0 && isHeader(rec) {
			continue
		}
		if len(rec) < 2 || strings.TrimSpace(rec[0]) == "" {
			continue
		}
		boards = append(boards, pin.Board{Name: strings.TrimSpace(rec[0]), ID: strings.TrimSpace(rec[1])})
	}
	return boards, nil
}

// RecordCreatedBoard appends one created board to the record file.
func (p *Project) RecordCreatedBoard(board pin.Board) error {
	return appendRecord(p.CreatedBoardsPath(), []string{"board_name", "board_id"}, []string{board.Name, board.ID})
}

// Transition marks one queued row as published: the row is appended to the
// published ledger, removed from the queue, and its asset file is moved to
// the published folder. The ordering is deliberate so a crash mid-way can
// duplicate a row across the two ledgers but never lose it. With keepRow
// set, the queue and asset file are left untouched.
func (p *Project) Transition(row pin.Row, keepRow bool) error {
	if err := appendRow(p.PublishedPath(), row); err != nil {
		return fmt.Errorf("append to published ledger: %w", err)
	}
	if keepRow {
		p.logger.Info("Row recorded as published, queue left untouched", "file", row.FilePath)
		return nil
	}

	pending, err := p.Pending()
	if err != nil {
		return fmt.Errorf("reread pending queue: %w", err)
	}
	remaining := make([]pin.Row, 0, len(pending))
	found := false
	for _, r := range pending {
		if !found && r.FilePath == row.FilePath {
			found = true
			continue
		}
		remaining = append(remaining, r)
	}
	if found {
		if err := writeRows(p.PendingPath(), remaining); err != nil {
			return fmt.Errorf("rewrite pending queue: %w", err)
		}
	} else {
		// A previous run may have crashed between the queue rewrite and the
		// file move; finish the move so reruns converge.
		p.logger.Warn("Row already absent from pending queue", "file", row.FilePath)
	}

	if err := p.moveToPinned(row.FilePath); err != nil {
		return fmt.Errorf("move published asset: %w", err)
	}
	p.logger.Info("Row transitioned to published", "file", row.FilePath, "remaining", len(remaining))
	return nil
}

// moveToPinned relocates an asset into the published folder, replacing any
// file already there with the same name. A missing source is tolerated so a
// rerun after a crash between ledger update and move still converges.
func (p *Project) moveToPinned(path string) error {
	dest := filepath.Join(p.dir, pinnedDir, filepath.Base(path))
	if _, err := os.Stat(path); os.IsNotExist(err) {
		p.logger.Warn("Asset already gone, skipping move", "path", path)
		return nil
	}
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear destination: %w", err)
	}
	if err := os.Rename(path, dest); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// readRows loads one row ledger. The delimiter is sniffed from the first
// line; files written by other tools often arrive comma-delimited.
func readRows(path string, logger *slog.Logger) ([]pin.Row, error) {
	records, err := readRecords(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var rows []pin.Row
	for i, rec := range records {
		if i == 0 && isHeader(rec) {
			continue
		}
		if len(rec) < 5 {
			logger.Warn("Skipping malformed ledger row", "path", path, "line", i+1, "fields", len(rec))
			continue
		}
		row := pin.Row{
			Mode:        strings.TrimSpace(rec[0]),
			Keyword:     strings.TrimSpace(rec[1]),
			Title:       strings.TrimSpace(rec[2]),
			Description: strings.TrimSpace(rec[3]),
			FilePath:    strings.TrimSpace(rec[4]),
		}
		if len(rec) > 5 {
			row.BoardName = strings.TrimSpace(rec[5])
		}
		if len(rec) > 6 {
			row.PinLink = strings.TrimSpace(rec[6])
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func readRecords(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	firstLine, rest, err := peekFirstLine(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	r := csv.NewReader(rest)
	r.Comma = sniffDelimiter(firstLine)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return records, nil
}

// peekFirstLine returns the first line of f plus a reader replaying the
// whole content from the start.
func peekFirstLine(f *os.File) (string, io.Reader, error) {
	data, err := io.ReadAll(f)
	if err != nil {
		return "", nil, err
	}
	line := string(data)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	return line, strings.NewReader(string(data)), nil
}

// sniffDelimiter decides between semicolon and comma based on the first
// line. Semicolon wins whenever present since values routinely contain
// commas; an empty or ambiguous line falls back to comma.
func sniffDelimiter(firstLine string) rune {
	if strings.Contains(firstLine, ";") {
		return ';'
	}
	return ','
}

func isHeader(rec []string) bool {
	if len(rec) == 0 {
		return false
	}
	first := strings.ToLower(strings.TrimSpace(rec[0]))
	return first == rowHeader[0] || first == "board_name"
}

// appendRow adds one row to a ledger, creating the file with a header when
// it does not exist yet.
func appendRow(path string, row pin.Row) error {
	return appendRecord(path, rowHeader, []string{
		row.Mode, row.Keyword, row.Title, row.Description, row.FilePath, row.BoardName, row.PinLink,
	})
}

func appendRecord(path string, header, record []string) error {
	needHeader := true
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		needHeader = false
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}

	w := csv.NewWriter(f)
	w.Comma = ';'
	if needHeader {
		if err := w.Write(header); err != nil {
			f.Close()
			return fmt.Errorf("write header: %w", err)
		}
	}
	if err := w.Write(record); err != nil {
		f.Close()
		return fmt.Errorf("write record: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("flush %s: %w", path, err)
	}
	return f.Close()
}

// writeRows replaces a ledger's content wholesale. The write goes through a
// temp file and rename so a crash never leaves a half-written queue.
func writeRows(path string, rows []pin.Row) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp ledger: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	w.Comma = ';'
	if err := w.Write(rowHeader); err != nil {
		tmp.Close()
		return fmt.Errorf("write header: %w", err)
	}
	for _, row := range rows {
		rec := []string{row.Mode, row.Keyword, row.Title, row.Description, row.FilePath, row.BoardName, row.PinLink}
		if err := w.Write(rec); err != nil {
			tmp.Close()
			return fmt.Errorf("write row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp ledger: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace ledger: %w", err)
	}
	return nil
}
