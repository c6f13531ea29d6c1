package ledger

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pinner/pkg/pin"
)

func testProject(t *testing.T) *Project {
	t.Helper()
	p, err := Open(t.TempDir(), "autumn", slog.Default())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return p
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestPendingReadsSemicolonLedger(t *testing.T) {
	p := testProject(t)
	writeFile(t, p.PendingPath(),
		"mode;keyword;title;description;file_path;board_name;pin_link\n"+
			"video;fall decor;Cozy porch;Warm, inviting, easy;/a/porch.mp4;Autumn;https://example.com/porch\n"+
			"image;desk setup;Minimal desk;Less is more;/a/desk.png;Office;\n")

	rows, err := p.Pending()
	if err != nil {
		t.Fatalf("Pending() error = %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("Pending() returned %d rows, want 2", len(rows))
	}
	want := pin.Row{
		Mode:        "video",
		Keyword:     "fall decor",
		Title:       "Cozy porch",
		Description: "Warm, inviting, easy",
		FilePath:    "/a/porch.mp4",
		BoardName:   "Autumn",
		PinLink:     "https://example.com/porch",
	}
	if rows[0] != want {
		t.Errorf("first row = %+v, want %+v", rows[0], want)
	}
	if rows[1].PinLink != "" {
		t.Errorf("second row link = %q, want empty", rows[1].PinLink)
	}
}

func TestPendingSniffsCommaDelimiter(t *testing.T) {
	p := testProject(t)
	writeFile(t, p.PendingPath(),
		"mode,keyword,title,description,file_path,board_name,pin_link\n"+
			"image,plants,Ferns,Easy care,/a/fern.jpg,Green,\n")

	rows, err := p.Pending()
	if err != nil {
		t.Fatalf("Pending() error = %v", err)
	}
	if len(rows) != 1 || rows[0].Title != "Ferns" {
		t.Fatalf("Pending() = %+v, want the single fern row", rows)
	}
}

func TestSniffDelimiterPrefersSemicolon(t *testing.T) {
	tests := []struct {
		firstLine string
		want      rune
	}{
		{"mode;keyword;title", ';'},
		{"mode,keyword,title", ','},
		// Mixed lines happen when a comma-headed file carries semicolons in
		// values, or vice versa; semicolon wins because values routinely
		// contain commas but never bare semicolons.
		{"mode;keyword,with comma;title", ';'},
		{"", ','},
	}
	for _, tt := range tests {
		if got := sniffDelimiter(tt.firstLine); got != tt.want {
			t.Errorf("sniffDelimiter(%q) = %q, want %q", tt.firstLine, got, tt.want)
		}
	}
}

func TestPendingMissingFile(t *testing.T) {
	p := testProject(t)
	rows, err := p.Pending()
	if err != nil {
		t.Fatalf("Pending() error = %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("Pending() on missing file returned %d rows", len(rows))
	}
}

func TestPendingSkipsMalformedRows(t *testing.T) {
	p := testProject(t)
	writeFile(t, p.PendingPath(),
		"mode;keyword;title;description;file_path;board_name;pin_link\n"+
			"too;short\n"+
			"video;k;T;D;/a/v.mp4;B;\n")

	rows, err := p.Pending()
	if err != nil {
		t.Fatalf("Pending() error = %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("Pending() returned %d rows, want 1", len(rows))
	}
}

func TestTransitionMovesRowAndAsset(t *testing.T) {
	p := testProject(t)
	asset := filepath.Join(p.Dir(), "clip.mp4")
	writeFile(t, asset, "video bytes")

	rows := []pin.Row{
		{Mode: "video", Keyword: "a", Title: "A", Description: "da", FilePath: filepath.Join(p.Dir(), "first.mp4")},
		{Mode: "video", Keyword: "b", Title: "B", Description: "db", FilePath: asset, BoardName: "Autumn"},
		{Mode: "image", Keyword: "c", Title: "C", Description: "dc", FilePath: filepath.Join(p.Dir(), "third.png")},
	}
	if err := writeRows(p.PendingPath(), rows); err != nil {
		t.Fatalf("seed pending: %v", err)
	}

	if err := p.Transition(rows[1], false); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}

	pending, err := p.Pending()
	if err != nil {
		t.Fatalf("Pending() error = %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending has %d rows after transition, want 2", len(pending))
	}
	for _, r := range pending {
		if r.FilePath == asset {
			t.Error("transitioned row still in the pending queue")
		}
	}

	published, err := p.Published()
	if err != nil {
		t.Fatalf("Published() error = %v", err)
	}
	if len(published) != 1 || published[0].Title != "B" {
		t.Fatalf("published = %+v, want the single B row", published)
	}

	moved := filepath.Join(p.Dir(), "pinned", "clip.mp4")
	if _, err := os.Stat(moved); err != nil {
		t.Errorf("asset not moved to pinned folder: %v", err)
	}
	if _, err := os.Stat(asset); !os.IsNotExist(err) {
		t.Errorf("asset still at original location")
	}
}

func TestTransitionOverwritesExistingPinnedAsset(t *testing.T) {
	p := testProject(t)
	asset := filepath.Join(p.Dir(), "clip.mp4")
	writeFile(t, asset, "new bytes")
	writeFile(t, filepath.Join(p.Dir(), "pinned", "clip.mp4"), "old bytes")

	row := pin.Row{Mode: "video", Keyword: "k", Title: "T", Description: "D", FilePath: asset}
	if err := writeRows(p.PendingPath(), []pin.Row{row}); err != nil {
		t.Fatalf("seed pending: %v", err)
	}
	if err := p.Transition(row, false); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(p.Dir(), "pinned", "clip.mp4"))
	if err != nil {
		t.Fatalf("read moved asset: %v", err)
	}
	if string(data) != "new bytes" {
		t.Errorf("pinned asset = %q, want the newer content", data)
	}
}

func TestTransitionKeepRowLeavesQueue(t *testing.T) {
	p := testProject(t)
	asset := filepath.Join(p.Dir(), "clip.mp4")
	writeFile(t, asset, "video bytes")

	row := pin.Row{Mode: "video", Keyword: "k", Title: "T", Description: "D", FilePath: asset}
	if err := writeRows(p.PendingPath(), []pin.Row{row}); err != nil {
		t.Fatalf("seed pending: %v", err)
	}
	if err := p.Transition(row, true); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}

	pending, err := p.Pending()
	if err != nil {
		t.Fatalf("Pending() error = %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("pending has %d rows, want the row kept", len(pending))
	}
	if _, err := os.Stat(asset); err != nil {
		t.Errorf("asset moved despite keepRow: %v", err)
	}
	published, err := p.Published()
	if err != nil {
		t.Fatalf("Published() error = %v", err)
	}
	if len(published) != 1 {
		t.Errorf("published has %d rows, want 1", len(published))
	}
}

func TestTransitionRowAlreadyGoneStillMovesAsset(t *testing.T) {
	p := testProject(t)
	asset := filepath.Join(p.Dir(), "orphan.mp4")
	writeFile(t, asset, "video bytes")
	if err := writeRows(p.PendingPath(), []pin.Row{{Mode: "image", FilePath: "/a/x.png"}}); err != nil {
		t.Fatalf("seed pending: %v", err)
	}

	// Simulates a rerun after a crash between queue rewrite and file move.
	if err := p.Transition(pin.Row{Mode: "video", FilePath: asset}, false); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(p.Dir(), "pinned", "orphan.mp4")); err != nil {
		t.Errorf("asset not moved for an already-transitioned row: %v", err)
	}

	pending, err := p.Pending()
	if err != nil {
		t.Fatalf("Pending() error = %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("unrelated pending rows disturbed: %+v", pending)
	}
}

func TestEmojis(t *testing.T) {
	p := testProject(t)

	emojis, err := p.Emojis()
	if err != nil {
		t.Fatalf("Emojis() error = %v", err)
	}
	if len(emojis) != 0 {
		t.Fatalf("Emojis() without a file = %v", emojis)
	}

	writeFile(t, filepath.Join(p.Dir(), "emoji.txt"), "🌿 🍂\n🔥\n\n")
	emojis, err = p.Emojis()
	if err != nil {
		t.Fatalf("Emojis() error = %v", err)
	}
	if len(emojis) != 3 || emojis[0] != "🌿" || emojis[2] != "🔥" {
		t.Errorf("Emojis() = %v, want the three listed entries", emojis)
	}
}

func TestBoardSpecs(t *testing.T) {
	p := testProject(t)
	writeFile(t, p.BoardsPath(),
		"board_name,board_description\n"+
			"Autumn Decor,Cozy seasonal ideas\n"+
			"Office,\n"+
			",orphan description\n")

	specs, err := p.BoardSpecs()
	if err != nil {
		t.Fatalf("BoardSpecs() error = %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("BoardSpecs() returned %d specs, want 2", len(specs))
	}
	if specs[0].Name != "Autumn Decor" || specs[0].Description != "Cozy seasonal ideas" {
		t.Errorf("first spec = %+v", specs[0])
	}
}

func TestCreatedBoardsRoundTrip(t *testing.T) {
	p := testProject(t)

	boards, err := p.CreatedBoards()
	if err != nil {
		t.Fatalf("CreatedBoards() error = %v", err)
	}
	if len(boards) != 0 {
		t.Fatalf("CreatedBoards() on fresh project = %v", boards)
	}

	if err := p.RecordCreatedBoard(pin.Board{Name: "Autumn Decor", ID: "91234"}); err != nil {
		t.Fatalf("RecordCreatedBoard() error = %v", err)
	}
	if err := p.RecordCreatedBoard(pin.Board{Name: "Office", ID: "91235"}); err != nil {
		t.Fatalf("RecordCreatedBoard() error = %v", err)
	}

	boards, err = p.CreatedBoards()
	if err != nil {
		t.Fatalf("CreatedBoards() error = %v", err)
	}
	if len(boards) != 2 {
		t.Fatalf("CreatedBoards() returned %d boards, want 2", len(boards))
	}
	if boards[0].ID != "91234" || boards[0].Name != "Autumn Decor" {
		t.Errorf("first board = %+v", boards[0])
	}

	// The record file itself must be semicolon-delimited.
	data, err := os.ReadFile(p.CreatedBoardsPath())
	if err != nil {
		t.Fatalf("read record file: %v", err)
	}
	if !strings.Contains(string(data), "Autumn Decor;91234") {
		t.Errorf("record file not semicolon-delimited:\n%s", data)
	}
}

func TestWrittenLedgersUseSemicolons(t *testing.T) {
	p := testProject(t)
	row := pin.Row{Mode: "image", Keyword: "k", Title: "T, with comma", Description: "D", FilePath: "/a/x.png"}
	if err := appendRow(p.PublishedPath(), row); err != nil {
		t.Fatalf("appendRow() error = %v", err)
	}
	data, err := os.ReadFile(p.PublishedPath())
	if err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	if !strings.HasPrefix(string(data), "mode;keyword;title;description;file_path;board_name;pin_link\n") {
		t.Errorf("ledger missing semicolon header:\n%s", data)
	}
	if !strings.Contains(string(data), "image;k;T, with comma;D;/a/x.png;;") {
		t.Errorf("row not written with semicolons:\n%s", data)
	}
}
