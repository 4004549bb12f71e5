// Package replicator implements the bidirectional replication protocol
// of spec.md §4.F atop two branchdb.Peers. It is written once against
// Peer, so a branchdb.Database and a branchdb/remote.Client are
// interchangeable as source or target.
//
// The four pipeline stages are goroutines joined by bounded channels,
// generalizing the teacher's queue() bounded-pending-buffer idiom in
// notify.go from "one watcher's event queue" to "one replication
// stage's work queue".
package replicator

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"

	"github.com/azmodb/branchdb"
)

// Options configures one replication run.
type Options struct {
	CreateTarget bool
	Continuous   bool
}

// HistoryEntry is one prior session recorded in a checkpoint.
type HistoryEntry struct {
	SessionID    string `json:"session_id"`
	RecordedSeq  int64  `json:"recorded_seq"`
	StartLastSeq int64  `json:"start_last_seq"`
}

// Checkpoint is the "_local/<repl_id>" document both peers keep,
// recording replication progress (spec.md §4.F step 6).
type Checkpoint struct {
	ReplicationIDVersion int            `json:"replication_id_version"`
	SessionID            string         `json:"session_id"`
	SourceLastSeq        int64          `json:"source_last_seq"`
	History              []HistoryEntry `json:"history"`
}

// replicationIDVersion is bumped whenever the checkpoint document shape
// changes incompatibly; a mismatch forces replication to restart from
// seq 0 (spec.md §4.F step 3).
const replicationIDVersion = 1

// maxHistory is the number of prior sessions kept alongside the current
// one (spec.md §4.F step 6: "keep the most recent 4 prior entries").
const maxHistory = 4

// ReplicationID computes repl_id = md5(source.id ++ target.id ++
// str(create_target) ++ str(continuous)) (spec.md §4.F step 2).
func ReplicationID(source, target branchdb.Peer, opts Options) string {
	h := md5.New()
	h.Write([]byte(source.ID()))
	h.Write([]byte(target.ID()))
	h.Write([]byte(strconv.FormatBool(opts.CreateTarget)))
	h.Write([]byte(strconv.FormatBool(opts.Continuous)))
	return hex.EncodeToString(h.Sum(nil))
}

// Replicate runs one replication session from source to target and
// returns the resulting checkpoint history. One-shot mode returns once
// source's changes feed drains; continuous mode runs until ctx is
// cancelled.
func Replicate(ctx context.Context, source, target branchdb.Peer, sessionID string, opts Options) (Checkpoint, error) {
	if err := verifyPeers(ctx, source, target, opts); err != nil {
		return Checkpoint{}, err
	}

	replID := ReplicationID(source, target, opts)
	since, sourceCkpt, targetCkpt, err := findCommonSeq(ctx, source, target, replID)
	if err != nil {
		return Checkpoint{}, err
	}

	p := &pipeline{source: source, target: target, sessionID: sessionID}
	lastSeq, writeErrs := p.run(ctx, since, opts)

	newCkpt := Checkpoint{
		ReplicationIDVersion: replicationIDVersion,
		SessionID:            sessionID,
		SourceLastSeq:        lastSeq,
		History:              prependHistory(sourceCkpt.History, targetCkpt.History, sessionID, lastSeq),
	}

	if lastSeq > since {
		if err := target.EnsureFullCommit(ctx); err != nil {
			return Checkpoint{}, err
		}
		if err := writeCheckpoint(ctx, source, replID, newCkpt); err != nil {
			return Checkpoint{}, err
		}
		if err := writeCheckpoint(ctx, target, replID, newCkpt); err != nil {
			return Checkpoint{}, err
		}
	}
	return newCkpt, writeErrs
}

// verifyPeers reads source/target update_seq and, if the target is
// missing and CreateTarget was requested, creates it and retries
// (spec.md §4.F step 1).
func verifyPeers(ctx context.Context, source, target branchdb.Peer, opts Options) error {
	if _, err := source.UpdateSeq(ctx); err != nil {
		return err
	}
	_, err := target.UpdateSeq(ctx)
	if err == nil {
		return nil
	}
	if !branchdb.NotFound(err) || !opts.CreateTarget {
		return err
	}
	if err := target.Create(ctx); err != nil {
		return err
	}
	_, err = target.UpdateSeq(ctx)
	return err
}

// findCommonSeq resolves the checkpoint both peers agree on (spec.md
// §4.F steps 3-4): if session ids match, resume from source's
// source_last_seq; otherwise walk target's history for the first
// session id also present in source's history.
func findCommonSeq(ctx context.Context, source, target branchdb.Peer, replID string) (since int64, sourceCkpt, targetCkpt Checkpoint, err error) {
	sourceCkpt, sourceOK := readCheckpoint(ctx, source, replID)
	targetCkpt, targetOK := readCheckpoint(ctx, target, replID)
	if !sourceOK || !targetOK {
		return 0, Checkpoint{}, Checkpoint{}, nil
	}
	if sourceCkpt.ReplicationIDVersion != replicationIDVersion || targetCkpt.ReplicationIDVersion != replicationIDVersion {
		return 0, Checkpoint{}, Checkpoint{}, nil
	}
	if sourceCkpt.SessionID == targetCkpt.SessionID {
		return sourceCkpt.SourceLastSeq, sourceCkpt, targetCkpt, nil
	}

	sourceSessions := map[string]bool{sourceCkpt.SessionID: true}
	for _, h := range sourceCkpt.History {
		sourceSessions[h.SessionID] = true
	}
	if sourceSessions[targetCkpt.SessionID] {
		return targetCkpt.SourceLastSeq, sourceCkpt, targetCkpt, nil
	}
	for _, h := range targetCkpt.History {
		if sourceSessions[h.SessionID] {
			return h.RecordedSeq, sourceCkpt, targetCkpt, nil
		}
	}
	return 0, Checkpoint{}, Checkpoint{}, nil
}

func readCheckpoint(ctx context.Context, peer branchdb.Peer, replID string) (Checkpoint, bool) {
	data, ok, err := peer.ReadLocal(ctx, "_local/"+replID)
	if err != nil || !ok {
		return Checkpoint{}, false
	}
	var ckpt Checkpoint
	if err := json.Unmarshal(data, &ckpt); err != nil {
		return Checkpoint{}, false
	}
	return ckpt, true
}

func writeCheckpoint(ctx context.Context, peer branchdb.Peer, replID string, ckpt Checkpoint) error {
	data, err := json.Marshal(ckpt)
	if err != nil {
		return err
	}
	return peer.WriteLocal(ctx, "_local/"+replID, data)
}

// prependHistory builds the new history list: the current session first,
// then up to maxHistory prior entries drawn from whichever side's
// history is longer (both sides converge to the same list once written
// back to both peers).
func prependHistory(a, b []HistoryEntry, sessionID string, recordedSeq int64) []HistoryEntry {
	prior := a
	if len(b) > len(prior) {
		prior = b
	}
	out := make([]HistoryEntry, 0, maxHistory+1)
	out = append(out, HistoryEntry{SessionID: sessionID, RecordedSeq: recordedSeq})
	for i := 0; i < len(prior) && i < maxHistory; i++ {
		out = append(out, prior[i])
	}
	return out
}

// retry wraps op with exponential backoff, for transient connectivity
// failures to either peer (spec.md §4.F; grounded on the retry idiom
// used elsewhere in the pack for transient RPC failures). A branchdb
// error of any Kind other than KindTransport is not retried.
func retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 30 * time.Second
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if branchdb.IsKind(err, branchdb.KindTransport) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(b, ctx))
}

// aggregate folds per-item write failures into a single
// *multierror.Error without aborting the batch (spec.md §4.F step 5:
// "failures are counted, not fatal").
func aggregate(errs error, err error) error {
	if err == nil {
		return errs
	}
	return multierror.Append(errs, err)
}
