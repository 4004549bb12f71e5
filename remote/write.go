package remote

import (
	"context"
	"net/http"

	"github.com/pkg/errors"

	"github.com/azmodb/branchdb"
)

// bulkDocsRequest is the POST /_bulk_docs body (spec.md §6). Attachments
// carrying inline "data" are already base64-friendly: Document's
// WireAttachment.Data is a []byte, and encoding/json base64-encodes
// []byte fields automatically, so a single-document bulk request is
// enough to cover both plain and inline-attachment writes without a
// multipart encoder on the write path.
type bulkDocsRequest struct {
	NewEdits bool                `json:"new_edits"`
	Docs     []branchdb.Document `json:"docs"`
}

// bulkDocsResult is one element of the POST /_bulk_docs response array.
type bulkDocsResult struct {
	ID     string `json:"id"`
	Rev    string `json:"rev"`
	OK     bool   `json:"ok"`
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// Write issues POST /_bulk_docs with a single-document batch.
// checkConflict=false sends new_edits=false (replication's trusted-path
// write); checkConflict=true sends new_edits=true (interactive-edit
// semantics), and a "conflict" result is translated to KindConflict.
func (c *Client) Write(ctx context.Context, doc branchdb.Document, checkConflict bool) error {
	req := bulkDocsRequest{NewEdits: checkConflict, Docs: []branchdb.Document{doc}}

	var results []bulkDocsResult
	if err := c.do(ctx, "write", http.MethodPost, c.url("_bulk_docs", nil), req, &results); err != nil {
		return err
	}
	if len(results) == 0 {
		// new_edits=false only reports failures: an empty array means the
		// document was accepted. new_edits=true always echoes a result per
		// document, so an empty array there is a peer anomaly.
		if !req.NewEdits {
			return nil
		}
		return branchdb.E("write", branchdb.KindOther, errors.New("empty _bulk_docs response"))
	}
	res := results[0]
	if res.OK {
		return nil
	}
	switch res.Error {
	case "conflict":
		return branchdb.E("write", branchdb.KindConflict, errors.New(res.Reason))
	case "forbidden":
		return branchdb.E("write", branchdb.KindForbidden, errors.New(res.Reason))
	default:
		return branchdb.E("write", branchdb.KindOther, errors.Errorf("%s: %s", res.Error, res.Reason))
	}
}
