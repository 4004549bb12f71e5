package replicator

import (
	"context"

	"github.com/azmodb/branchdb"
)

// stageCapacity bounds how many items may sit buffered between pipeline
// stages, directly generalizing the teacher's defaultNotifierCapacity
// from "one watcher's queue" to "one replication stage's queue".
const stageCapacity = 64

// queue relays every value from in to out, buffering up to stageCapacity
// pending items in memory instead of blocking the producer the moment
// the consumer falls behind — the same bounded-pending-buffer shape the
// teacher's queue() function gives one Notifier, generalized to any
// stage's item type.
func queue[T any](in <-chan T, out chan<- T) {
	pending := make([]T, 0, stageCapacity)
	defer func() {
		for _, v := range pending {
			out <- v
		}
		close(out)
	}()

	for {
		if len(pending) == 0 {
			v, ok := <-in
			if !ok {
				return
			}
			pending = append(pending, v)
		}

		// Stop receiving while the buffer is full, so at most
		// stageCapacity items are held here.
		recv := in
		if len(pending) >= stageCapacity {
			recv = nil
		}
		select {
		case v, ok := <-recv:
			if !ok {
				return
			}
			pending = append(pending, v)
		case out <- pending[0]:
			pending = pending[1:]
		}
	}
}

// pipeline runs the four-stage replication flow of spec.md §4.F step 5
// between two peers.
type pipeline struct {
	source, target branchdb.Peer
	sessionID       string
}

type diffResult struct {
	change  branchdb.Change
	missing branchdb.Missing
}

// run drives the four stages to completion (one-shot) or until ctx is
// cancelled (continuous), returning the highest seq whose write was
// attempted and the aggregated per-document write/diff/read failures.
// Only the final select loop touches errs, so stage goroutines report
// failures over errCh instead of a shared variable.
func (p *pipeline) run(ctx context.Context, since int64, opts Options) (lastSeq int64, errs error) {
	changes, stop, err := p.source.Changes(ctx, since, branchdb.ChangesOptions{Continuous: opts.Continuous})
	if err != nil {
		return since, err
	}
	defer stop()

	errCh := make(chan error, stageCapacity)

	rawDiffs := make(chan diffResult)
	diffs := make(chan diffResult)
	go p.diffStage(ctx, changes, rawDiffs, errCh)
	go queue(rawDiffs, diffs)

	rawDocs := make(chan branchdb.Document)
	rawSeqs := make(chan int64)
	docs := make(chan branchdb.Document)
	seqs := make(chan int64)
	go p.readStage(ctx, diffs, rawDocs, rawSeqs, errCh)
	go queue(rawDocs, docs)
	go queue(rawSeqs, seqs)

	for docs != nil || seqs != nil {
		select {
		case doc, ok := <-docs:
			if !ok {
				docs = nil
				continue
			}
			if err := retry(ctx, func() error {
				return p.target.Write(ctx, doc, false)
			}); err != nil {
				errs = aggregate(errs, err)
			}
		case seq, ok := <-seqs:
			if !ok {
				seqs = nil
				continue
			}
			if seq > lastSeq {
				lastSeq = seq
			}
		case err := <-errCh:
			errs = aggregate(errs, err)
		case <-ctx.Done():
			return lastSeq, aggregate(errs, ctx.Err())
		}
	}

	// drain any errors reported after the last doc/seq, up to the
	// stages' own shutdown (both producer goroutines close their
	// output channels before returning, so errCh has stopped growing).
	close(errCh)
	for err := range errCh {
		errs = aggregate(errs, err)
	}
	return lastSeq, errs
}

// diffStage computes a revs_diff against target for every incoming
// change (spec.md §4.F step 5, stage 2).
func (p *pipeline) diffStage(ctx context.Context, changes <-chan branchdb.Change, out chan<- diffResult, errCh chan<- error) {
	defer close(out)
	for ch := range changes {
		var missing branchdb.Missing
		err := retry(ctx, func() error {
			var rerr error
			missing, rerr = p.target.RevsDiff(ctx, ch.ID, ch.LeafRevs)
			return rerr
		})
		if err != nil {
			select {
			case errCh <- err:
			case <-ctx.Done():
				return
			}
			continue
		}
		select {
		case out <- diffResult{change: ch, missing: missing}:
		case <-ctx.Done():
			return
		}
	}
}

// readStage fetches every missing revision from source and forwards it
// to the write stage, emitting the originating change's seq on seqs
// once its diff has been fully handled (spec.md §4.F step 5, stage 3).
func (p *pipeline) readStage(ctx context.Context, diffs <-chan diffResult, docs chan<- branchdb.Document, seqs chan<- int64, errCh chan<- error) {
	defer close(docs)
	defer close(seqs)

	for d := range diffs {
		if len(d.missing.MissingRevs) > 0 {
			var fetched []branchdb.Document
			err := retry(ctx, func() error {
				var rerr error
				fetched, rerr = p.source.Read(ctx, d.change.ID,
					branchdb.RevsQuery{Mode: branchdb.RevsExplicit, Explicit: d.missing.MissingRevs},
					branchdb.ReadOptions{Body: true, Atts: branchdb.AttachmentSelector{SinceRevs: d.missing.PossibleAncestors}})
				return rerr
			})
			if err != nil {
				select {
				case errCh <- err:
				case <-ctx.Done():
					return
				}
			} else {
				for _, doc := range fetched {
					select {
					case docs <- doc:
					case <-ctx.Done():
						return
					}
				}
			}
		}
		select {
		case seqs <- d.change.Seq:
		case <-ctx.Done():
			return
		}
	}
}
