package remote

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"

	"github.com/pkg/errors"

	"github.com/azmodb/branchdb"
)

// Read issues GET /{id}?latest=true&revs=true, selecting open_revs per
// q and inlining attachments per opts. Responses are parsed
// incrementally: a single JSON object (the winner, no inline
// attachments), a multipart/related body (the winner, attachments
// inlined), or — for RevsAllLeaves/RevsExplicit — a JSON array or a
// multipart/mixed body, one part per open revision.
func (c *Client) Read(ctx context.Context, id string, q branchdb.RevsQuery, opts branchdb.ReadOptions) ([]branchdb.Document, error) {
	query := url.Values{"latest": {"true"}, "revs": {"true"}}
	switch q.Mode {
	case branchdb.RevsAllLeaves:
		query.Set("open_revs", "all")
	case branchdb.RevsExplicit:
		revs := make([]string, len(q.Explicit))
		for i, r := range q.Explicit {
			revs[i] = r.String()
		}
		data, err := json.Marshal(revs)
		if err != nil {
			return nil, branchdb.E("read", branchdb.KindOther, err)
		}
		query.Set("open_revs", string(data))
	}
	if len(opts.Atts.Names) > 0 {
		query.Set("attachments", "true")
	}
	if len(opts.Atts.SinceRevs) > 0 {
		revs := make([]string, len(opts.Atts.SinceRevs))
		for i, r := range opts.Atts.SinceRevs {
			revs[i] = r.String()
		}
		data, err := json.Marshal(revs)
		if err != nil {
			return nil, branchdb.E("read", branchdb.KindOther, err)
		}
		query.Set("atts_since", string(data))
	}

	if err := c.fanOut.Acquire(ctx, 1); err != nil {
		return nil, branchdb.E("read", branchdb.KindOther, err)
	}
	defer c.fanOut.Release(1)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(url.PathEscape(id), query), nil)
	if err != nil {
		return nil, branchdb.E("read", branchdb.KindTransport, err)
	}
	req.Header.Set("Accept", "application/json, multipart/related, multipart/mixed")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, branchdb.E("read", branchdb.KindTransport, err)
	}
	defer resp.Body.Close()

	if err := statusToError("read", resp.StatusCode); err != nil {
		return nil, err
	}

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		mediaType = "application/json"
	}

	switch mediaType {
	case "multipart/related":
		doc, err := readMultipartRelated(multipart.NewReader(resp.Body, params["boundary"]))
		if err != nil {
			return nil, branchdb.E("read", branchdb.KindOther, err)
		}
		return []branchdb.Document{doc}, nil
	case "multipart/mixed":
		return readMultipartMixed(multipart.NewReader(resp.Body, params["boundary"]))
	default:
		return readJSONBody(resp.Body, q.Mode)
	}
}

func readJSONBody(body io.Reader, mode branchdb.RevsMode) ([]branchdb.Document, error) {
	if mode == branchdb.RevsWinner {
		var doc branchdb.Document
		if err := json.NewDecoder(body).Decode(&doc); err != nil {
			return nil, branchdb.E("read", branchdb.KindOther, err)
		}
		return []branchdb.Document{doc}, nil
	}

	var rows []struct {
		OK      *branchdb.Document `json:"ok"`
		Missing string             `json:"missing"`
	}
	if err := json.NewDecoder(body).Decode(&rows); err != nil {
		return nil, branchdb.E("read", branchdb.KindOther, err)
	}
	docs := make([]branchdb.Document, 0, len(rows))
	for _, row := range rows {
		if row.OK != nil {
			docs = append(docs, *row.OK)
		}
	}
	return docs, nil
}

// readMultipartRelated parses one open-revision response: a leading
// application/json part (the document minus attachment bytes) followed
// by one part per "follows" attachment, keyed by its Content-Disposition
// filename.
func readMultipartRelated(r *multipart.Reader) (branchdb.Document, error) {
	part, err := r.NextPart()
	if err != nil {
		return branchdb.Document{}, err
	}
	var doc branchdb.Document
	if err := json.NewDecoder(part).Decode(&doc); err != nil {
		return branchdb.Document{}, err
	}

	for {
		part, err := r.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return branchdb.Document{}, err
		}

		name, err := attachmentPartName(part)
		if err != nil {
			return branchdb.Document{}, err
		}
		data, err := readAttachmentPart(part)
		if err != nil {
			return branchdb.Document{}, err
		}

		att := doc.Attachments[name]
		att.Follows = false
		att.Data = data
		doc.Attachments[name] = att
	}
	return doc, nil
}

// readMultipartMixed parses an open_revs=all/[...] response where each
// part is itself either a plain JSON document or a nested
// multipart/related part.
func readMultipartMixed(r *multipart.Reader) ([]branchdb.Document, error) {
	var docs []branchdb.Document
	for {
		part, err := r.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		mediaType, params, err := mime.ParseMediaType(part.Header.Get("Content-Type"))
		if err != nil {
			mediaType = "application/json"
		}

		if mediaType == "multipart/related" {
			doc, err := readMultipartRelated(multipart.NewReader(part, params["boundary"]))
			if err != nil {
				return nil, err
			}
			docs = append(docs, doc)
			continue
		}

		var row struct {
			OK *branchdb.Document `json:"ok"`
		}
		if err := json.NewDecoder(part).Decode(&row); err != nil {
			return nil, err
		}
		if row.OK != nil {
			docs = append(docs, *row.OK)
		}
	}
	return docs, nil
}

func attachmentPartName(part *multipart.Part) (string, error) {
	name := part.FileName()
	if name == "" {
		return "", errors.New("remote: attachment part missing filename")
	}
	return name, nil
}

// readAttachmentPart reads one attachment part fully, transparently
// undoing Content-Encoding: gzip per spec.md §6.
func readAttachmentPart(part *multipart.Part) ([]byte, error) {
	var r io.Reader = part
	if part.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(part)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		r = gz
	}
	return io.ReadAll(r)
}
