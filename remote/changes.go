package remote

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"

	"github.com/azmodb/branchdb"
)

// changeRow is one row of the changes feed JSON (spec.md §6), shared by
// the one-shot envelope and the continuous line-delimited variant.
type changeRow struct {
	Seq     int64  `json:"seq"`
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
	Changes []struct {
		Rev string `json:"rev"`
	} `json:"changes"`
}

func (r changeRow) toChange() (branchdb.Change, error) {
	ch := branchdb.Change{ID: r.ID, Seq: r.Seq, Deleted: r.Deleted}
	ch.LeafRevs = make([]branchdb.Rev, 0, len(r.Changes))
	for _, c := range r.Changes {
		rev, err := branchdb.ParseRev(c.Rev)
		if err != nil {
			return branchdb.Change{}, err
		}
		ch.LeafRevs = append(ch.LeafRevs, rev)
	}
	return ch, nil
}

// changesEnvelope is the one-shot (non-continuous) response body.
type changesEnvelope struct {
	Results []changeRow `json:"results"`
	LastSeq int64       `json:"last_seq"`
}

// Changes issues GET /_changes?style=all_docs&since=…, streaming rows
// over the returned channel. One-shot requests close the channel once
// the envelope is drained; continuous requests keep the connection open
// and close the channel only when ctx is cancelled or stop is called.
func (c *Client) Changes(ctx context.Context, since int64, opts branchdb.ChangesOptions) (<-chan branchdb.Change, func(), error) {
	ctx, cancel := context.WithCancel(ctx)

	q := url.Values{"style": {"all_docs"}}
	if since > 0 {
		q.Set("since", itoa(since))
	}
	if opts.Continuous {
		q.Set("feed", "continuous")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("_changes", q), nil)
	if err != nil {
		cancel()
		return nil, nil, branchdb.E("changes", branchdb.KindTransport, err)
	}
	httpResp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, nil, branchdb.E("changes", branchdb.KindTransport, err)
	}
	if err := statusToError("changes", httpResp.StatusCode); err != nil {
		httpResp.Body.Close()
		cancel()
		return nil, nil, err
	}

	out := make(chan branchdb.Change)
	stop := func() {
		cancel()
		httpResp.Body.Close()
	}

	if opts.Continuous {
		go c.streamContinuous(ctx, httpResp.Body, out)
	} else {
		go c.streamOneShot(ctx, httpResp.Body, out)
	}
	return out, stop, nil
}

func (c *Client) streamOneShot(ctx context.Context, body io.ReadCloser, out chan<- branchdb.Change) {
	defer close(out)
	defer body.Close()

	var env changesEnvelope
	if err := json.NewDecoder(body).Decode(&env); err != nil {
		c.log.Debug().Err(err).Msg("remote: changes decode failed")
		return
	}
	for _, row := range env.Results {
		ch, err := row.toChange()
		if err != nil {
			c.log.Debug().Err(err).Msg("remote: changes row malformed")
			continue
		}
		select {
		case out <- ch:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) streamContinuous(ctx context.Context, body io.ReadCloser, out chan<- branchdb.Change) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var row changeRow
		if err := json.Unmarshal(line, &row); err != nil {
			c.log.Debug().Err(err).Msg("remote: continuous changes row malformed")
			continue
		}
		ch, err := row.toChange()
		if err != nil {
			continue
		}
		select {
		case out <- ch:
		case <-ctx.Done():
			return
		}
	}
}
