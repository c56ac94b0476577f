// Package verify runs the page verification pipeline: persist the upload,
// normalise it, start OCR, look up the reference page while OCR runs, and
// match the extracted text against it. Every scratch file an invocation
// creates is removed before Verify returns, whatever the outcome.
package verify

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/toricodesthings/page-verification-service/internal/extractor"
	"github.com/toricodesthings/page-verification-service/internal/match"
	"github.com/toricodesthings/page-verification-service/internal/ocr"
	"github.com/toricodesthings/page-verification-service/internal/preprocess"
	"github.com/toricodesthings/page-verification-service/internal/quality"
	"github.com/toricodesthings/page-verification-service/internal/scratch"
	"github.com/toricodesthings/page-verification-service/internal/store"
)

// State is a step of one invocation.
type State int

const (
	StateReceived State = iota
	StatePreprocessing
	StateExtracting
	StateLookup
	StateMatching
	StateMatched
	StateNotMatched
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StatePreprocessing:
		return "preprocessing"
	case StateExtracting:
		return "extracting"
	case StateLookup:
		return "lookup"
	case StateMatching:
		return "matching"
	case StateMatched:
		return "matched"
	case StateNotMatched:
		return "not_matched"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Preparer converts an oriented image file into the raster handed to OCR.
type Preparer interface {
	Prepare(src, dst string) error
}

// RasterizeFunc renders a PDF page to extractor.PNGPath(outBase).
type RasterizeFunc func(ctx context.Context, pdfPath, outBase string, page, dpi int) error

// Event is reported to the Observer on every state transition.
type Event struct {
	ISBN    int64
	State   State
	Elapsed time.Duration
	Err     error
}

type Options struct {
	Scratch   *scratch.Manager
	Orienter  preprocess.Orienter
	Preparer  Preparer
	OCR       ocr.Engine
	Store     store.Store
	Matcher   match.Matcher
	Rasterize RasterizeFunc

	Language   string
	OCRTimeout time.Duration
	PDFDPI     int
	// MinWords feeds the legibility report attached to each verdict.
	MinWords int

	Observer func(Event)
}

type Pipeline struct {
	opts Options
}

func New(opts Options) (*Pipeline, error) {
	if opts.Scratch == nil {
		return nil, errors.New("verify: scratch manager required")
	}
	if opts.OCR == nil {
		return nil, errors.New("verify: ocr engine required")
	}
	if opts.Store == nil {
		return nil, errors.New("verify: store required")
	}
	if opts.Orienter == nil {
		opts.Orienter = preprocess.NopOrienter{}
	}
	if opts.Preparer == nil {
		opts.Preparer = preprocess.New(0)
	}
	if opts.Rasterize == nil {
		opts.Rasterize = extractor.RasterizePage
	}
	if opts.Matcher.Threshold <= 0 {
		opts.Matcher = match.New(0)
	}
	if opts.OCRTimeout <= 0 {
		opts.OCRTimeout = 60 * time.Second
	}
	if opts.MinWords <= 0 {
		opts.MinWords = 20
	}
	return &Pipeline{opts: opts}, nil
}

// Result is a completed verification: Matched or NotMatched.
type Result struct {
	ISBN    int64          `json:"isbn"`
	Page    int            `json:"page"`
	State   State          `json:"-"`
	Verdict match.Verdict  `json:"verdict"`
	Quality quality.Report `json:"quality"`
	Elapsed time.Duration  `json:"-"`
}

func (r Result) Matched() bool { return r.State == StateMatched }

// Verify runs one invocation for the publication isbn. A nil error means a
// verdict was reached; otherwise the error is an *Error whose Kind tells why.
// A lookup miss cancels the OCR process instead of waiting for it.
func (p *Pipeline) Verify(ctx context.Context, isbn int64, up Upload) (res Result, err error) {
	start := time.Now()
	res.ISBN = isbn
	scope := p.opts.Scratch.NewScope()
	defer func() {
		relErr := scope.Release()
		res.Elapsed = time.Since(start)
		final := res.State
		if err != nil {
			final = StateFailed
		}
		p.emit(Event{ISBN: isbn, State: final, Elapsed: res.Elapsed, Err: errors.Join(err, relErr)})
	}()

	p.emit(Event{ISBN: isbn, State: StateReceived})

	p.emit(Event{ISBN: isbn, State: StatePreprocessing})
	prepared, err := p.prepare(ctx, scope, up)
	if err != nil {
		return res, err
	}

	p.emit(Event{ISBN: isbn, State: StateExtracting})
	job, err := p.startOCR(ctx, scope, prepared)
	if err != nil {
		return res, err
	}
	// Runs before scope.Release so the process cannot write after cleanup.
	defer job.Cancel()

	p.emit(Event{ISBN: isbn, State: StateLookup})
	ref, err := p.opts.Store.Lookup(ctx, isbn)
	if err != nil {
		_ = job.Cancel()
		if store.IsMiss(err) {
			p.emit(Event{ISBN: isbn, State: StateCancelled, Err: err})
			return res, &Error{Kind: KindLookupMiss, State: StateLookup, Err: err}
		}
		if ctx.Err() != nil {
			return res, &Error{Kind: KindCanceled, State: StateLookup, Err: err}
		}
		return res, &Error{Kind: KindStore, State: StateLookup, Err: err}
	}
	res.Page = ref.Page

	text, err := p.waitOCR(ctx, job)
	if err != nil {
		return res, err
	}

	p.emit(Event{ISBN: isbn, State: StateMatching})
	res.Verdict = p.opts.Matcher.Match(text, ref.Lines)
	res.Quality = quality.Assess(text, p.opts.MinWords)
	if res.Verdict.IsMatch {
		res.State = StateMatched
	} else {
		res.State = StateNotMatched
	}
	return res, nil
}

// prepare writes the upload to scratch, rasterizes PDFs, orients and
// preprocesses it, returning the path of the prepared PNG.
func (p *Pipeline) prepare(ctx context.Context, scope *scratch.Scope, up Upload) (string, error) {
	src, err := scope.Allocate("src_", up.Ext())
	if err != nil {
		return "", &Error{Kind: KindInternal, State: StatePreprocessing, Err: err}
	}
	if err := os.WriteFile(src, up.Data, 0o600); err != nil {
		return "", &Error{Kind: KindInternal, State: StatePreprocessing, Err: fmt.Errorf("persist upload: %w", err)}
	}

	if up.Ext() == ".pdf" {
		outBase := scope.Reserve("page_", "")
		png := extractor.PNGPath(outBase)
		scope.Track(png)
		if err := p.opts.Rasterize(ctx, src, outBase, 1, p.opts.PDFDPI); err != nil {
			if ctx.Err() != nil {
				return "", &Error{Kind: KindCanceled, State: StatePreprocessing, Err: err}
			}
			return "", &Error{Kind: KindPreprocess, State: StatePreprocessing, Err: fmt.Errorf("rasterize pdf: %w", err)}
		}
		src = png
	}

	if err := p.opts.Orienter.Orient(src); err != nil {
		return "", &Error{Kind: KindPreprocess, State: StatePreprocessing, Err: fmt.Errorf("orient: %w", err)}
	}

	img, err := scope.Allocate("img_", ".png")
	if err != nil {
		return "", &Error{Kind: KindInternal, State: StatePreprocessing, Err: err}
	}
	if err := p.opts.Preparer.Prepare(src, img); err != nil {
		kind := KindInternal
		if errors.Is(err, preprocess.ErrDecode) || errors.Is(err, preprocess.ErrTooLarge) {
			kind = KindPreprocess
		}
		return "", &Error{Kind: kind, State: StatePreprocessing, Err: err}
	}
	return img, nil
}

func (p *Pipeline) startOCR(ctx context.Context, scope *scratch.Scope, image string) (ocr.Job, error) {
	outBase := scope.Reserve("tess_", "")
	scope.Track(ocr.ArtifactPath(outBase))

	job, err := p.opts.OCR.Start(ctx, image, outBase, p.opts.Language)
	switch {
	case err == nil:
		return job, nil
	case errors.Is(err, ocr.ErrUnavailable):
		return nil, &Error{Kind: KindOCRUnavailable, State: StateExtracting, Err: err}
	case ctx.Err() != nil:
		return nil, &Error{Kind: KindCanceled, State: StateExtracting, Err: err}
	default:
		return nil, &Error{Kind: KindOCRFailed, State: StateExtracting, Err: err}
	}
}

func (p *Pipeline) waitOCR(ctx context.Context, job ocr.Job) (ocr.Text, error) {
	waitCtx, cancel := context.WithTimeout(ctx, p.opts.OCRTimeout)
	defer cancel()

	text, err := job.Wait(waitCtx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &Error{Kind: KindCanceled, State: StateExtracting, Err: err}
		}
		return nil, &Error{Kind: KindOCRFailed, State: StateExtracting, Err: err}
	}
	return text, nil
}

func (p *Pipeline) emit(e Event) {
	if p.opts.Observer != nil {
		p.opts.Observer(e)
	}
}
