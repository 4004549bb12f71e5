// Package remote is the HTTP client facade of spec.md §4.E: a
// branchdb.Peer that speaks the wire protocol of spec.md §6 to a
// CouchDB-compatible server instead of a local branchdb.Store.
//
// Grounded on arangodb-go-driver's connection layering (a pluggable
// *http.Client, structured request logging, pkg/errors-wrapped
// failures) generalized from ArangoDB's VelocyPack/REST surface to
// spec.md's couch-style endpoints.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/azmodb/branchdb"
)

// DefaultFanOut bounds the number of in-flight reads a Client issues
// concurrently (spec.md §4.E).
const DefaultFanOut = 10

// Client is a branchdb.Peer backed by an HTTP connection to a single
// CouchDB-compatible database endpoint.
type Client struct {
	base   *url.URL
	http   *http.Client
	log    zerolog.Logger
	fanOut *semaphore.Weighted

	// id is derived once, in New, from the endpoint URL itself
	// (derivedID); no request is made for it, since the remote
	// database's "instance_start_time"-derived identity is not
	// reliable across restarts.
	id string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the *http.Client used for every request.
// Use it to install a custom Transport (TLS, proxies, retries).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger installs a structured logger for request/response tracing.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithFanOut overrides DefaultFanOut.
func WithFanOut(n int64) Option {
	return func(c *Client) { c.fanOut = semaphore.NewWeighted(n) }
}

// New returns a Client targeting the database at baseURL (e.g.
// "https://peer.example.com/mydb").
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "remote: parse base url")
	}
	c := &Client{
		base:   u,
		http:   http.DefaultClient,
		log:    zerolog.Nop(),
		fanOut: semaphore.NewWeighted(DefaultFanOut),
		id:     derivedID(u),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// derivedID turns a database URL into a stable replication identity:
// scheme, host and path, without query or credentials.
func derivedID(u *url.URL) string {
	clean := *u
	clean.User = nil
	clean.RawQuery = ""
	clean.Fragment = ""
	return clean.String()
}

var _ branchdb.Peer = (*Client)(nil)

// ID is this peer's stable identifier, derived from its URL.
func (c *Client) ID() string { return c.id }

func (c *Client) url(rawPath string, query url.Values) string {
	u := *c.base
	u.Path = joinPath(u.Path, rawPath)
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func joinPath(base, add string) string {
	if base == "" {
		return add
	}
	if base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	if add == "" {
		return base
	}
	if add[0] != '/' {
		add = "/" + add
	}
	return base + add
}

// do issues an HTTP request and translates a non-2xx status into the
// branchdb error taxonomy (spec.md §7). body, if non-nil, is JSON
// encoded; resp, if non-nil, receives the JSON-decoded response body
// on success.
func (c *Client) do(ctx context.Context, op, method, rawURL string, body, resp interface{}) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return branchdb.E(op, branchdb.KindOther, err)
		}
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, rdr)
	if err != nil {
		return branchdb.E(op, branchdb.KindTransport, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	c.log.Debug().Str("method", method).Str("url", rawURL).Msg("remote: request")
	httpResp, err := c.http.Do(req)
	if err != nil {
		return branchdb.E(op, branchdb.KindTransport, err)
	}
	defer httpResp.Body.Close()

	if err := statusToError(op, httpResp.StatusCode); err != nil {
		return err
	}
	if resp == nil {
		io.Copy(io.Discard, httpResp.Body)
		return nil
	}
	if err := json.NewDecoder(httpResp.Body).Decode(resp); err != nil {
		return branchdb.E(op, branchdb.KindOther, err)
	}
	return nil
}

// statusToError translates an HTTP status code per spec.md §4.E/§7.
func statusToError(op string, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized:
		return branchdb.E(op, branchdb.KindUnauthorized, errors.New("unauthorized"))
	case status == http.StatusForbidden:
		return branchdb.E(op, branchdb.KindForbidden, errors.New("forbidden"))
	case status == http.StatusNotFound:
		return branchdb.E(op, branchdb.KindNotFound, errors.New("not found"))
	case status == http.StatusPreconditionFailed:
		return branchdb.E(op, branchdb.KindPreconditionFailed, errors.New("precondition failed"))
	case status == http.StatusConflict:
		return branchdb.E(op, branchdb.KindConflict, errors.New("conflict"))
	default:
		return branchdb.E(op, branchdb.KindTransport, fmt.Errorf("unexpected status %d", status))
	}
}

// Create issues PUT /, returning PreconditionFailed if the database
// already exists (Peer.Create's contract).
func (c *Client) Create(ctx context.Context) error {
	return c.do(ctx, "create", http.MethodPut, c.url("", nil), nil, nil)
}

type rootResponse struct {
	UpdateSeq int64 `json:"update_seq"`
}

// UpdateSeq issues GET / and reads its update_seq field.
func (c *Client) UpdateSeq(ctx context.Context) (int64, error) {
	var resp rootResponse
	if err := c.do(ctx, "update_seq", http.MethodGet, c.url("", nil), nil, &resp); err != nil {
		return 0, err
	}
	return resp.UpdateSeq, nil
}

// EnsureFullCommit issues POST /_ensure_full_commit.
func (c *Client) EnsureFullCommit(ctx context.Context) error {
	return c.do(ctx, "ensure_full_commit", http.MethodPost, c.url("_ensure_full_commit", nil), struct{}{}, nil)
}

// ReadLocal issues GET /_local/{id}.
func (c *Client) ReadLocal(ctx context.Context, id string) ([]byte, bool, error) {
	var raw json.RawMessage
	err := c.do(ctx, "read_local", http.MethodGet, c.url("_local/"+url.PathEscape(localName(id)), nil), nil, &raw)
	if branchdb.NotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []byte(raw), true, nil
}

// WriteLocal issues PUT /_local/{id} (value != nil) or DELETE
// /_local/{id} (value == nil).
func (c *Client) WriteLocal(ctx context.Context, id string, value []byte) error {
	path := c.url("_local/"+url.PathEscape(localName(id)), nil)
	if value == nil {
		return c.do(ctx, "write_local", http.MethodDelete, path, nil, nil)
	}
	var body json.RawMessage = value
	return c.do(ctx, "write_local", http.MethodPut, path, body, nil)
}

// localName strips the "_local/" prefix Peer.ReadLocal/WriteLocal
// callers pass, since the endpoint already roots at /_local/.
func localName(id string) string {
	const prefix = "_local/"
	if len(id) >= len(prefix) && id[:len(prefix)] == prefix {
		return id[len(prefix):]
	}
	return id
}

// RevsDiff issues POST /_revs_diff.
func (c *Client) RevsDiff(ctx context.Context, id string, revs []branchdb.Rev) (branchdb.Missing, error) {
	revStrs := make([]string, len(revs))
	for i, r := range revs {
		revStrs[i] = r.String()
	}
	req := map[string][]string{id: revStrs}

	var resp map[string]struct {
		Missing   []string `json:"missing"`
		Ancestors []string `json:"possible_ancestors"`
	}
	if err := c.do(ctx, "revs_diff", http.MethodPost, c.url("_revs_diff", nil), req, &resp); err != nil {
		return branchdb.Missing{}, err
	}

	out := branchdb.Missing{ID: id}
	row, ok := resp[id]
	if !ok {
		return out, nil
	}
	for _, s := range row.Missing {
		r, err := branchdb.ParseRev(s)
		if err != nil {
			return branchdb.Missing{}, branchdb.E("revs_diff", branchdb.KindOther, err)
		}
		out.MissingRevs = append(out.MissingRevs, r)
	}
	for _, s := range row.Ancestors {
		r, err := branchdb.ParseRev(s)
		if err != nil {
			return branchdb.Missing{}, branchdb.E("revs_diff", branchdb.KindOther, err)
		}
		out.PossibleAncestors = append(out.PossibleAncestors, r)
	}
	return out, nil
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }
