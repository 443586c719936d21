package stitch

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/johndauphine/shopify-bulk-ingest/internal/store"
)

// Kind is the closed set of record shapes in a bulk export.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindProduct
	KindVariant
	KindMetafield
	KindInventoryItem
	KindInventoryLevel

	numKinds
)

// ChildKinds lists the child collections in composite order.
var ChildKinds = []Kind{KindVariant, KindMetafield, KindInventoryItem, KindInventoryLevel}

// String returns the kind name shared with the store's entity kinds.
func (k Kind) String() string {
	switch k {
	case KindProduct:
		return store.KindProduct
	case KindVariant:
		return store.KindVariant
	case KindMetafield:
		return store.KindMetafield
	case KindInventoryItem:
		return store.KindInventoryItem
	case KindInventoryLevel:
		return store.KindInventoryLevel
	default:
		return "unknown"
	}
}

// Position locates a line in the decoded stream.
type Position struct {
	Line   int64 `json:"line"`   // zero-based line index
	Offset int64 `json:"offset"` // byte offset of the start of the line
}

// Record is one classified export line.
type Record struct {
	Kind     Kind
	ID       string
	ParentID string
	Raw      json.RawMessage
	Pos      Position
}

var (
	errNotObject   = errors.New("line is not a JSON object")
	errInvalidUTF8 = errors.New("line is not valid UTF-8")
	errNULEscape   = errors.New("line contains a \\u0000 escape")
)

type recordHeader struct {
	ID       string `json:"id"`
	ParentID string `json:"__parentId"`
	Typename string `json:"__typename"`
}

// Classify decodes a line into a tagged record. Lines without __parentId
// are products; children are typed by their gid or __typename. Raw must be
// storable as jsonb, so invalid UTF-8 and \u0000 escapes are rejected.
func Classify(line []byte) (Record, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Record{}, errNotObject
	}
	if !utf8.Valid(trimmed) {
		return Record{}, errInvalidUTF8
	}
	if hasNULEscape(trimmed) {
		return Record{}, errNULEscape
	}
	var h recordHeader
	if err := json.Unmarshal(trimmed, &h); err != nil {
		return Record{}, err
	}

	rec := Record{ID: h.ID, ParentID: h.ParentID, Raw: json.RawMessage(trimmed)}
	if h.ParentID == "" {
		rec.Kind = KindProduct
		return rec, nil
	}

	typename := h.Typename
	if typename == "" {
		typename = gidType(h.ID)
	}
	switch typename {
	case "ProductVariant":
		rec.Kind = KindVariant
	case "Metafield":
		rec.Kind = KindMetafield
	case "InventoryItem":
		rec.Kind = KindInventoryItem
	case "InventoryLevel":
		rec.Kind = KindInventoryLevel
	default:
		rec.Kind = KindUnknown
	}
	return rec, nil
}

// hasNULEscape reports whether b contains a JSON \u0000 escape. An escaped
// backslash followed by "u0000" is literal text and does not count.
func hasNULEscape(b []byte) bool {
	for i := 0; i < len(b)-1; i++ {
		if b[i] != '\\' {
			continue
		}
		if b[i+1] == 'u' && i+6 <= len(b) && string(b[i+2:i+6]) == "0000" {
			return true
		}
		i++ // skip the escaped character
	}
	return false
}

// gidType returns the type segment of "gid://shopify/<Type>/<id>".
func gidType(id string) string {
	rest, ok := strings.CutPrefix(id, "gid://")
	if !ok {
		return ""
	}
	parts := strings.Split(rest, "/")
	if len(parts) < 3 {
		return ""
	}
	return parts[1]
}
