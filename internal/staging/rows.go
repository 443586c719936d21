package staging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/johndauphine/shopify-bulk-ingest/internal/stitch"
)

// Validation and merge states written with each staged row.
const (
	StatusValid   = "valid"
	StatusInvalid = "invalid"
	MergePending  = "pending"
	MergeMerged   = "merged"
)

type productPayload struct {
	Title       string          `json:"title"`
	Handle      string          `json:"handle"`
	Vendor      string          `json:"vendor"`
	ProductType string          `json:"productType"`
	Status      string          `json:"status"`
	Tags        json.RawMessage `json:"tags"`
	UpdatedAt   string          `json:"updatedAt"`
}

type variantPayload struct {
	SKU               string          `json:"sku"`
	Title             string          `json:"title"`
	Price             json.RawMessage `json:"price"`
	InventoryQuantity *int64          `json:"inventoryQuantity"`
}

type metafieldPayload struct {
	Namespace string          `json:"namespace"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Type      string          `json:"type"`
}

type inventoryItemPayload struct {
	SKU     string `json:"sku"`
	Tracked *bool  `json:"tracked"`
}

type inventoryLevelPayload struct {
	LocationID string `json:"locationId"`
	Location   *struct {
		ID string `json:"id"`
	} `json:"location"`
	Available  *int64 `json:"available"`
	Quantities []struct {
		Name     string `json:"name"`
		Quantity int64  `json:"quantity"`
	} `json:"quantities"`
}

// productColumns extracts the typed product columns and reports validation
// problems. The column order matches store.Products.Columns.
func productColumns(raw []byte) ([]any, []string) {
	var p productPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return make([]any, 7), []string{fmt.Sprintf("payload: %v", err)}
	}
	var problems []string
	if strings.TrimSpace(p.Title) == "" {
		problems = append(problems, "missing title")
	}
	if strings.TrimSpace(p.Handle) == "" {
		problems = append(problems, "missing handle")
	}
	return []any{
		nullable(p.Title), nullable(p.Handle), nullable(p.Vendor), nullable(p.ProductType),
		nullable(p.Status), nullable(joinTags(p.Tags)), nullable(p.UpdatedAt),
	}, problems
}

// childColumns extracts the typed columns of a child record in the order of
// its entity's Columns.
func childColumns(rec stitch.Record) ([]any, error) {
	switch rec.Kind {
	case stitch.KindVariant:
		var v variantPayload
		if err := json.Unmarshal(rec.Raw, &v); err != nil {
			return nil, err
		}
		return []any{nullable(v.SKU), nullable(v.Title), nullable(scalarText(v.Price)), int64OrNil(v.InventoryQuantity)}, nil
	case stitch.KindMetafield:
		var m metafieldPayload
		if err := json.Unmarshal(rec.Raw, &m); err != nil {
			return nil, err
		}
		return []any{nullable(m.Namespace), nullable(m.Key), nullable(scalarText(m.Value)), nullable(m.Type)}, nil
	case stitch.KindInventoryItem:
		var it inventoryItemPayload
		if err := json.Unmarshal(rec.Raw, &it); err != nil {
			return nil, err
		}
		var tracked any
		if it.Tracked != nil {
			tracked = *it.Tracked
		}
		return []any{nullable(it.SKU), tracked}, nil
	case stitch.KindInventoryLevel:
		var l inventoryLevelPayload
		if err := json.Unmarshal(rec.Raw, &l); err != nil {
			return nil, err
		}
		loc := l.LocationID
		if loc == "" && l.Location != nil {
			loc = l.Location.ID
		}
		available := l.Available
		if available == nil {
			for _, q := range l.Quantities {
				if q.Name == "available" {
					n := q.Quantity
					available = &n
					break
				}
			}
		}
		return []any{nullable(loc), int64OrNil(available)}, nil
	default:
		return nil, fmt.Errorf("unsupported record kind %s", rec.Kind)
	}
}

// joinTags accepts either a JSON array of strings or a comma separated string.
func joinTags(raw json.RawMessage) string {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return strings.Join(list, ",")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

// scalarText renders a JSON string, number or bool as text. Objects and
// arrays are kept as their JSON encoding.
func scalarText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return string(raw)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func int64OrNil(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}
