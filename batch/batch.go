// Package batch turns a queue of ledger rows into a sequence of publish
// attempts, with shuffling, clamping, board resolution and pacing between
// items. One bad row never stops the batch.
package batch

import (
	"context"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"pinner/pkg/pin"
)

// Uploader publishes one normalized request to the platform.
type Uploader interface {
	UploadImage(ctx context.Context, req pin.UploadRequest, board string) (string, error)
	UploadVideo(ctx context.Context, req pin.UploadRequest, board string) (string, error)
}

// BoardResolver maps a board name to the platform's board id. A nil
// resolver means the uploader works with names directly.
type BoardResolver interface {
	Resolve(ctx context.Context, name string) (id string, ok bool, err error)
}

// Transitioner moves a row from the pending queue to the published ledger.
type Transitioner interface {
	Transition(row pin.Row, keepRow bool) error
}

// Composer normalizes a raw row into a publish request.
type Composer interface {
	Request(row pin.Row) pin.UploadRequest
}

// Config tunes one batch run.
type Config struct {
	Logger   *slog.Logger
	Rand     *rand.Rand
	MaxPins  int // 0 means no clamp
	DelayMin time.Duration
	DelayMax time.Duration
	Shuffle  bool
	KeepRows bool
}

// Runner executes batches for one account.
type Runner struct {
	logger   *slog.Logger
	rnd      *rand.Rand
	composer Composer
	uploader Uploader
	resolver BoardResolver
	ledger   Transitioner
	cfg      Config
}

// New assembles a runner. resolver may be nil when the uploader resolves
// boards itself.
func New(cfg Config, composer Composer, uploader Uploader, resolver BoardResolver, ledger Transitioner) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rnd := cfg.Rand
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Runner{
		logger:   logger,
		rnd:      rnd,
		composer: composer,
		uploader: uploader,
		resolver: resolver,
		ledger:   ledger,
		cfg:      cfg,
	}
}

// Run processes the queued rows and reports what happened to each one.
// A canceled context stops the batch between items, never mid-item.
func (r *Runner) Run(ctx context.Context, rows []pin.Row) pin.Report {
	batch := make([]pin.Row, len(rows))
	copy(batch, rows)

	if r.cfg.Shuffle {
		r.rnd.Shuffle(len(batch), func(i, j int) {
			batch[i], batch[j] = batch[j], batch[i]
		})
	}

	report := pin.Report{}
	if r.cfg.MaxPins > 0 {
		switch {
		case r.cfg.MaxPins > len(batch):
			// Asking for more pins than are queued is worth a note; the
			// batch simply runs with everything available.
			r.logger.Info("Pin limit exceeds queued rows, publishing all of them",
				"limit", r.cfg.MaxPins, "queued", len(batch))
			report.Clamped = true
		case len(batch) > r.cfg.MaxPins:
			r.logger.Info("Trimming queue to pin limit", "queued", len(batch), "limit", r.cfg.MaxPins)
			batch = batch[:r.cfg.MaxPins]
		}
	}

	for i, row := range batch {
		if ctx.Err() != nil {
			r.logger.Warn("Batch canceled", "processed", i, "remaining", len(batch)-i)
			break
		}

		report.Outcomes = append(report.Outcomes, r.processRow(ctx, row))

		if i < len(batch)-1 {
			r.pause(ctx)
		}
	}

	r.logger.Info("Batch finished",
		"total", len(report.Outcomes), "succeeded", report.Succeeded(), "failed", report.Failed())
	return report
}

// processRow publishes one row end to end.
func (r *Runner) processRow(ctx context.Context, row pin.Row) pin.Outcome {
	req := r.composer.Request(row)
	outcome := pin.Outcome{Request: req}

	board := req.BoardName
	if r.resolver != nil && !isDigits(board) {
		id, ok, err := r.resolver.Resolve(ctx, board)
		if err != nil {
			// An unreadable board list degrades to "nothing resolves": the
			// row is skipped, not failed, and stays queued for the next run.
			r.logger.Error("Board lookup failed, skipping row", "board", board, "error", err)
			outcome.Kind = pin.OutcomeBoardNotFound
			outcome.Err = err
			return outcome
		}
		if !ok {
			r.logger.Warn("Board not found, skipping row", "board", board, "file", req.FilePath)
			outcome.Kind = pin.OutcomeBoardNotFound
			return outcome
		}
		board = id
	}

	var pinID string
	var err error
	if req.IsVideo() {
		pinID, err = r.uploader.UploadVideo(ctx, req, board)
	} else {
		pinID, err = r.uploader.UploadImage(ctx, req, board)
	}
	if err != nil {
		r.logger.Error("Upload failed", "file", req.FilePath, "board", board, "error", err)
		outcome.Kind = pin.OutcomeUploadFailed
		outcome.Err = err
		return outcome
	}

	outcome.Kind = pin.OutcomeSuccess
	outcome.PinID = pinID

	// The pin exists at this point. A bookkeeping failure is logged loudly
	// but does not turn the outcome into a failure; a rerun will simply
	// retry the transition.
	if err := r.ledger.Transition(row, r.cfg.KeepRows); err != nil {
		r.logger.Error("Ledger transition failed after successful upload", "file", row.FilePath, "error", err)
	}
	return outcome
}

// CreateBoards creates every board spec whose name is not already taken.
// Existing names are matched case-insensitively.
func (r *Runner) CreateBoards(ctx context.Context, specs []pin.BoardSpec, existing []pin.Board, creator BoardCreator, recorder BoardRecorder) []pin.Board {
	taken := make(map[string]bool, len(existing))
	for _, b := range existing {
		taken[strings.ToLower(b.Name)] = true
	}

	var created []pin.Board
	for i, spec := range specs {
		if ctx.Err() != nil {
			r.logger.Warn("Board creation canceled", "created", len(created))
			break
		}
		if taken[strings.ToLower(spec.Name)] {
			r.logger.Debug("Board already exists, skipping", "name", spec.Name)
			continue
		}

		board, err := creator.CreateBoard(ctx, spec)
		if err != nil {
			r.logger.Error("Board creation failed", "name", spec.Name, "error", err)
			continue
		}
		taken[strings.ToLower(board.Name)] = true
		created = append(created, board)
		if err := recorder.RecordCreatedBoard(board); err != nil {
			r.logger.Error("Recording created board failed", "name", board.Name, "error", err)
		}

		if i < len(specs)-1 {
			r.pause(ctx)
		}
	}
	return created
}

// BoardCreator creates one board on the platform.
type BoardCreator interface {
	CreateBoard(ctx context.Context, spec pin.BoardSpec) (pin.Board, error)
}

// BoardRecorder persists the record of a created board.
type BoardRecorder interface {
	RecordCreatedBoard(board pin.Board) error
}

// pause sleeps a uniform random duration inside the configured window,
// returning early on cancellation.
func (r *Runner) pause(ctx context.Context) {
	if r.cfg.DelayMax <= 0 {
		return
	}
	d := r.cfg.DelayMin
	if span := r.cfg.DelayMax - r.cfg.DelayMin; span > 0 {
		d += time.Duration(r.rnd.Int63n(int64(span)))
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// isDigits reports whether s is a non-empty run of ASCII digits, meaning
// the ledger already carries a literal board id.
func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
