package batch

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"pinner/pkg/pin"
)

// passthroughComposer turns rows into requests without rewriting anything,
// keeping the tests focused on batch mechanics.
type passthroughComposer struct{}

func (passthroughComposer) Request(row pin.Row) pin.UploadRequest {
	return pin.UploadRequest{
		FilePath:    row.FilePath,
		BoardName:   row.BoardName,
		Title:       row.Title,
		Description: row.Description,
		Link:        row.PinLink,
		Mode:        row.Mode,
		Keyword:     row.Keyword,
	}
}

type fakeUploader struct {
	videoCalls []string
	imageCalls []string
	boards     []string
	failFiles  map[string]error
}

func (u *fakeUploader) UploadVideo(_ context.Context, req pin.UploadRequest, board string) (string, error) {
	u.videoCalls = append(u.videoCalls, req.FilePath)
	u.boards = append(u.boards, board)
	if err := u.failFiles[req.FilePath]; err != nil {
		return "", err
	}
	return "pin-v", nil
}

func (u *fakeUploader) UploadImage(_ context.Context, req pin.UploadRequest, board string) (string, error) {
	u.imageCalls = append(u.imageCalls, req.FilePath)
	u.boards = append(u.boards, board)
	if err := u.failFiles[req.FilePath]; err != nil {
		return "", err
	}
	return "pin-i", nil
}

type fakeResolver struct {
	byName map[string]string
	err    error
	calls  int
}

func (r *fakeResolver) Resolve(_ context.Context, name string) (string, bool, error) {
	r.calls++
	if r.err != nil {
		return "", false, r.err
	}
	id, ok := r.byName[name]
	return id, ok, nil
}

type fakeLedger struct {
	transitions []pin.Row
	keepRows    []bool
	err         error
}

func (l *fakeLedger) Transition(row pin.Row, keepRow bool) error {
	l.transitions = append(l.transitions, row)
	l.keepRows = append(l.keepRows, keepRow)
	return l.err
}

func testRunner(cfg Config, up *fakeUploader, res BoardResolver, led *fakeLedger) *Runner {
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(1))
	}
	return New(cfg, passthroughComposer{}, up, res, led)
}

func rows(n int) []pin.Row {
	out := make([]pin.Row, n)
	for i := range out {
		out[i] = pin.Row{Mode: "image", FilePath: string(rune('a'+i)) + ".png", BoardName: "101"}
	}
	return out
}

func TestRunTrimsQueueOverPinLimit(t *testing.T) {
	up := &fakeUploader{}
	led := &fakeLedger{}
	r := testRunner(Config{MaxPins: 2}, up, nil, led)

	report := r.Run(context.Background(), rows(5))
	if report.Clamped {
		t.Error("report.Clamped = true when the queue exceeds the limit")
	}
	if len(report.Outcomes) != 2 {
		t.Errorf("processed %d rows, want 2", len(report.Outcomes))
	}
	if len(led.transitions) != 2 {
		t.Errorf("transitioned %d rows, want 2", len(led.transitions))
	}
}

func TestRunNotesLimitAboveQueue(t *testing.T) {
	up := &fakeUploader{}
	r := testRunner(Config{MaxPins: 10}, up, nil, &fakeLedger{})
	report := r.Run(context.Background(), rows(4))
	if !report.Clamped {
		t.Error("report.Clamped = false when the limit of 10 exceeds 4 queued rows")
	}
	if len(report.Outcomes) != 4 {
		t.Errorf("processed %d rows, want all 4", len(report.Outcomes))
	}
}

func TestRunExactLimitIsSilent(t *testing.T) {
	r := testRunner(Config{MaxPins: 3}, &fakeUploader{}, nil, &fakeLedger{})
	report := r.Run(context.Background(), rows(3))
	if report.Clamped {
		t.Error("report.Clamped = true when the limit matches the queue exactly")
	}
	if len(report.Outcomes) != 3 {
		t.Errorf("processed %d rows, want 3", len(report.Outcomes))
	}
}

func TestRunShuffleIsDeterministicPerSeed(t *testing.T) {
	order := func(seed int64) []string {
		up := &fakeUploader{}
		r := testRunner(Config{Shuffle: true, Rand: rand.New(rand.NewSource(seed))}, up, nil, &fakeLedger{})
		r.Run(context.Background(), rows(6))
		return up.imageCalls
	}

	first, second := order(42), order(42)
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("same seed produced different orders: %v vs %v", first, second)
		}
	}

	different := order(7)
	same := true
	for i := range first {
		if first[i] != different[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("distinct seeds produced identical orders; shuffle looks inert")
	}
}

func TestRunDispatchesByFileType(t *testing.T) {
	up := &fakeUploader{}
	r := testRunner(Config{}, up, nil, &fakeLedger{})
	r.Run(context.Background(), []pin.Row{
		{FilePath: "clip.mp4", BoardName: "101"},
		{FilePath: "pic.png", BoardName: "101"},
		{FilePath: "reel.MOV", BoardName: "101"},
	})
	if len(up.videoCalls) != 2 {
		t.Errorf("video uploads = %v, want clip.mp4 and reel.MOV", up.videoCalls)
	}
	if len(up.imageCalls) != 1 || up.imageCalls[0] != "pic.png" {
		t.Errorf("image uploads = %v, want pic.png", up.imageCalls)
	}
}

func TestRunResolvesBoardNames(t *testing.T) {
	up := &fakeUploader{}
	res := &fakeResolver{byName: map[string]string{"Autumn": "9001"}}
	r := testRunner(Config{}, up, res, &fakeLedger{})

	report := r.Run(context.Background(), []pin.Row{
		{FilePath: "a.png", BoardName: "Autumn"},
		{FilePath: "b.png", BoardName: "12345"},
		{FilePath: "c.png", BoardName: "Nope"},
	})

	if up.boards[0] != "9001" {
		t.Errorf("resolved board = %q, want 9001", up.boards[0])
	}
	// Digit strings bypass resolution entirely.
	if up.boards[1] != "12345" {
		t.Errorf("literal id board = %q, want 12345", up.boards[1])
	}
	if res.calls != 2 {
		t.Errorf("resolver consulted %d times, want 2", res.calls)
	}

	if report.Outcomes[2].Kind != pin.OutcomeBoardNotFound {
		t.Errorf("unknown board outcome = %q, want board_not_found", report.Outcomes[2].Kind)
	}
	if len(up.imageCalls) != 2 {
		t.Errorf("unknown board still reached the uploader: %v", up.imageCalls)
	}
	if report.Succeeded() != 2 || report.Failed() != 1 {
		t.Errorf("report counts = %d/%d, want 2 succeeded 1 failed", report.Succeeded(), report.Failed())
	}
}

func TestRunResolverErrorSkipsRow(t *testing.T) {
	up := &fakeUploader{}
	res := &fakeResolver{err: errors.New("api down")}
	r := testRunner(Config{}, up, res, &fakeLedger{})

	report := r.Run(context.Background(), []pin.Row{{FilePath: "a.png", BoardName: "Autumn"}})
	if report.Outcomes[0].Kind != pin.OutcomeBoardNotFound {
		t.Errorf("outcome = %q, want board_not_found when the board list is unreadable", report.Outcomes[0].Kind)
	}
	if report.Outcomes[0].Err == nil {
		t.Error("outcome carries no error")
	}
	if len(up.imageCalls) != 0 {
		t.Errorf("row reached the uploader despite resolver failure: %v", up.imageCalls)
	}
}

func TestRunFailureDoesNotStopBatch(t *testing.T) {
	up := &fakeUploader{failFiles: map[string]error{"b.png": errors.New("boom")}}
	led := &fakeLedger{}
	r := testRunner(Config{}, up, nil, led)

	report := r.Run(context.Background(), []pin.Row{
		{FilePath: "a.png", BoardName: "1"},
		{FilePath: "b.png", BoardName: "1"},
		{FilePath: "c.png", BoardName: "1"},
	})

	if report.Succeeded() != 2 || report.Failed() != 1 {
		t.Errorf("report = %d/%d, want 2 succeeded 1 failed", report.Succeeded(), report.Failed())
	}
	// Only successful rows transition.
	if len(led.transitions) != 2 {
		t.Errorf("transitioned %d rows, want 2", len(led.transitions))
	}
}

func TestRunKeepRowsFlagReachesLedger(t *testing.T) {
	led := &fakeLedger{}
	r := testRunner(Config{KeepRows: true}, &fakeUploader{}, nil, led)
	r.Run(context.Background(), rows(1))
	if len(led.keepRows) != 1 || !led.keepRows[0] {
		t.Errorf("keepRows = %v, want [true]", led.keepRows)
	}
}

func TestRunTransitionFailureKeepsSuccessOutcome(t *testing.T) {
	led := &fakeLedger{err: errors.New("disk full")}
	r := testRunner(Config{}, &fakeUploader{}, nil, led)
	report := r.Run(context.Background(), rows(1))
	if report.Outcomes[0].Kind != pin.OutcomeSuccess {
		t.Errorf("outcome = %q, want success despite ledger failure", report.Outcomes[0].Kind)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	up := &fakeUploader{}
	r := testRunner(Config{}, up, nil, &fakeLedger{})
	report := r.Run(ctx, rows(4))
	if len(report.Outcomes) != 0 {
		t.Errorf("canceled batch still processed %d rows", len(report.Outcomes))
	}
}

type fakeLister struct {
	boards []pin.Board
	calls  int
	err    error
}

func (l *fakeLister) Boards(_ context.Context) ([]pin.Board, error) {
	l.calls++
	return l.boards, l.err
}

func TestDirectoryResolvesCaseInsensitively(t *testing.T) {
	lister := &fakeLister{boards: []pin.Board{{ID: "1", Name: "Autumn Decor"}, {ID: "2", Name: "Office"}}}
	dir := NewDirectory(lister)

	id, ok, err := dir.Resolve(context.Background(), "autumn decor")
	if err != nil || !ok || id != "1" {
		t.Errorf("Resolve() = %q, %v, %v", id, ok, err)
	}
	if _, ok, _ := dir.Resolve(context.Background(), "  OFFICE "); !ok {
		t.Error("Resolve() missed a padded, upper-cased name")
	}
	if _, ok, _ := dir.Resolve(context.Background(), "missing"); ok {
		t.Error("Resolve() found a board that does not exist")
	}
	if lister.calls != 1 {
		t.Errorf("board list fetched %d times, want 1", lister.calls)
	}
}

func TestDirectoryPropagatesListError(t *testing.T) {
	dir := NewDirectory(&fakeLister{err: errors.New("api down")})
	if _, _, err := dir.Resolve(context.Background(), "any"); err == nil {
		t.Error("Resolve() swallowed the list error")
	}
}

type fakeCreator struct {
	created []pin.BoardSpec
	err     error
}

func (c *fakeCreator) CreateBoard(_ context.Context, spec pin.BoardSpec) (pin.Board, error) {
	if c.err != nil {
		return pin.Board{}, c.err
	}
	c.created = append(c.created, spec)
	return pin.Board{ID: "id-" + spec.Name, Name: spec.Name}, nil
}

type fakeRecorder struct{ recorded []pin.Board }

func (r *fakeRecorder) RecordCreatedBoard(b pin.Board) error {
	r.recorded = append(r.recorded, b)
	return nil
}

func TestCreateBoardsSkipsExisting(t *testing.T) {
	creator := &fakeCreator{}
	recorder := &fakeRecorder{}
	r := testRunner(Config{}, &fakeUploader{}, nil, &fakeLedger{})

	specs := []pin.BoardSpec{
		{Name: "Autumn Decor"},
		{Name: "Office"},
		{Name: "Garden"},
	}
	existing := []pin.Board{{ID: "1", Name: "autumn decor"}}

	created := r.CreateBoards(context.Background(), specs, existing, creator, recorder)
	if len(created) != 2 {
		t.Fatalf("created %d boards, want 2: %+v", len(created), created)
	}
	if created[0].Name != "Office" || created[1].Name != "Garden" {
		t.Errorf("created = %+v", created)
	}
	if len(recorder.recorded) != 2 {
		t.Errorf("recorded %d boards, want 2", len(recorder.recorded))
	}
}

func TestCreateBoardsSkipsDuplicateSpecs(t *testing.T) {
	creator := &fakeCreator{}
	r := testRunner(Config{}, &fakeUploader{}, nil, &fakeLedger{})
	created := r.CreateBoards(context.Background(),
		[]pin.BoardSpec{{Name: "Garden"}, {Name: "garden"}}, nil, creator, &fakeRecorder{})
	if len(created) != 1 {
		t.Errorf("created %d boards from duplicate specs, want 1", len(created))
	}
}

func TestCreateBoardsContinuesPastFailures(t *testing.T) {
	creator := &fakeCreator{err: errors.New("quota")}
	r := testRunner(Config{}, &fakeUploader{}, nil, &fakeLedger{})
	created := r.CreateBoards(context.Background(),
		[]pin.BoardSpec{{Name: "A"}, {Name: "B"}}, nil, creator, &fakeRecorder{})
	if len(created) != 0 {
		t.Errorf("created = %+v, want none when every call fails", created)
	}
}
