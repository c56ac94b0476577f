package verify

import (
	"context"
	"errors"
	"time"

	"github.com/toricodesthings/page-verification-service/internal/store"
)

// CreateReference OCRs a photo of the reference page and stores its text as
// the ground truth for isbn. It shares the preprocessing and OCR steps with
// Verify and cleans up the same way.
func (p *Pipeline) CreateReference(ctx context.Context, isbn int64, page int, up Upload) (ref store.Reference, err error) {
	if isbn <= 0 || page <= 0 {
		return store.Reference{}, ErrMissingFields
	}
	start := time.Now()
	scope := p.opts.Scratch.NewScope()
	defer func() {
		relErr := scope.Release()
		state := StateMatched
		if err != nil {
			state = StateFailed
		}
		p.emit(Event{ISBN: isbn, State: state, Elapsed: time.Since(start), Err: errors.Join(err, relErr)})
	}()

	p.emit(Event{ISBN: isbn, State: StatePreprocessing})
	prepared, err := p.prepare(ctx, scope, up)
	if err != nil {
		return store.Reference{}, err
	}

	p.emit(Event{ISBN: isbn, State: StateExtracting})
	job, err := p.startOCR(ctx, scope, prepared)
	if err != nil {
		return store.Reference{}, err
	}
	defer job.Cancel()

	text, err := p.waitOCR(ctx, job)
	if err != nil {
		return store.Reference{}, err
	}
	if text.Empty() {
		return store.Reference{}, &Error{Kind: KindOCRFailed, State: StateExtracting, Err: errors.New("no text extracted from reference photo")}
	}

	ref, err = p.opts.Store.InsertReferencePage(ctx, isbn, page, text)
	if err != nil {
		return store.Reference{}, &Error{Kind: KindStore, State: StateLookup, Err: err}
	}
	return ref, nil
}
