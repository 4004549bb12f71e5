package branchdb

import "encoding/json"

// WireAttachment is the "_attachments" member format from spec.md §6: a
// stub (meta only), an inline record ("data"), or a multipart record
// ("follows").
type WireAttachment struct {
	ContentType string `json:"content_type,omitempty"`
	Digest      string `json:"digest,omitempty"`
	Length      int64  `json:"length,omitempty"`
	RevPos      int64  `json:"revpos,omitempty"`
	Stub        bool   `json:"stub,omitempty"`
	Follows     bool   `json:"follows,omitempty"`
	Data        []byte `json:"data,omitempty"` // base64, present only for inline records
}

// Document is the in-memory form of the wire JSON document encoding
// (spec.md §6): identity and revision metadata alongside arbitrary user
// fields.
type Document struct {
	ID          string
	Rev         Rev
	Revisions   *Revisions
	Deleted     bool
	Attachments map[string]WireAttachment
	Body        map[string]interface{} // user fields only; never the special "_*" keys
}

// IsLocal reports whether this document lives in the "_local/"
// namespace (no history, never replicated).
func (d Document) IsLocal() bool { return isLocalID(d.ID) }

func isLocalID(id string) bool {
	return len(id) >= len("_local/") && id[:len("_local/")] == "_local/"
}

// Path returns the newest-first ancestor path carried by "_revisions",
// or nil if absent.
func (d Document) Path() []string {
	if d.Revisions == nil {
		return nil
	}
	return d.Revisions.IDs
}

// reservedKeys are the special top-level members that never belong in
// Body.
var reservedKeys = map[string]bool{
	"_id": true, "_rev": true, "_revisions": true, "_deleted": true,
	"_attachments": true,
}

// MarshalJSON implements the wire encoding of spec.md §6: the special
// "_*" members alongside the document's arbitrary user fields, flattened
// into one JSON object.
func (d Document) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(d.Body)+5)
	for k, v := range d.Body {
		out[k] = v
	}
	out["_id"] = d.ID
	if d.Rev.Hash != "" {
		out["_rev"] = d.Rev.String()
	}
	if d.Revisions != nil {
		out["_revisions"] = d.Revisions
	}
	if d.Deleted {
		out["_deleted"] = true
	}
	if len(d.Attachments) > 0 {
		out["_attachments"] = d.Attachments
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements the inverse of MarshalJSON: special members
// are split out, everything else becomes Body. Round-tripping through
// Marshal/Unmarshal is the identity transform required by P5.
func (d *Document) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if v, ok := raw["_id"]; ok {
		if err := json.Unmarshal(v, &d.ID); err != nil {
			return err
		}
	}
	if v, ok := raw["_rev"]; ok {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return err
		}
		rev, err := ParseRev(s)
		if err != nil {
			return err
		}
		d.Rev = rev
	}
	if v, ok := raw["_revisions"]; ok {
		d.Revisions = &Revisions{}
		if err := json.Unmarshal(v, d.Revisions); err != nil {
			return err
		}
	}
	if v, ok := raw["_deleted"]; ok {
		if err := json.Unmarshal(v, &d.Deleted); err != nil {
			return err
		}
	}
	if v, ok := raw["_attachments"]; ok {
		d.Attachments = map[string]WireAttachment{}
		if err := json.Unmarshal(v, &d.Attachments); err != nil {
			return err
		}
	}

	d.Body = make(map[string]interface{}, len(raw))
	for k, v := range raw {
		if reservedKeys[k] {
			continue
		}
		var val interface{}
		if err := json.Unmarshal(v, &val); err != nil {
			return err
		}
		d.Body[k] = val
	}
	return nil
}
