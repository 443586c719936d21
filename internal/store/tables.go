package store

// Entity describes one record kind: its staging table, its canonical table
// and the typed columns carried between them.
type Entity struct {
	Kind           string
	StagingTable   string
	CanonicalTable string
	// Columns are the typed columns shared by staging and canonical tables,
	// excluding tenant_id, external_id, product_id and payload.
	Columns []string
	// Required must be non-empty for a staged row to be merged.
	Required []string
	// Child entities reference a product through parent_external_id.
	Child bool
}

// Record kinds.
const (
	KindProduct        = "product"
	KindVariant        = "variant"
	KindMetafield      = "metafield"
	KindInventoryItem  = "inventory_item"
	KindInventoryLevel = "inventory_level"
)

var (
	Products = Entity{
		Kind:           KindProduct,
		StagingTable:   "staging_products",
		CanonicalTable: "products",
		Columns:        []string{"title", "handle", "vendor", "product_type", "status", "tags", "remote_updated_at"},
		Required:       []string{"title", "handle"},
	}
	Variants = Entity{
		Kind:           KindVariant,
		StagingTable:   "staging_variants",
		CanonicalTable: "product_variants",
		Columns:        []string{"sku", "title", "price", "inventory_quantity"},
		Child:          true,
	}
	Metafields = Entity{
		Kind:           KindMetafield,
		StagingTable:   "staging_metafields",
		CanonicalTable: "product_metafields",
		Columns:        []string{"namespace", "metafield_key", "value", "value_type"},
		Child:          true,
	}
	InventoryItems = Entity{
		Kind:           KindInventoryItem,
		StagingTable:   "staging_inventory_items",
		CanonicalTable: "inventory_items",
		Columns:        []string{"sku", "tracked"},
		Child:          true,
	}
	InventoryLevels = Entity{
		Kind:           KindInventoryLevel,
		StagingTable:   "staging_inventory_levels",
		CanonicalTable: "inventory_levels",
		Columns:        []string{"location_id", "available"},
		Child:          true,
	}
)

// Children lists child entities in merge order.
var Children = []Entity{Variants, Metafields, InventoryItems, InventoryLevels}

// Entities lists every entity, parent first.
var Entities = []Entity{Products, Variants, Metafields, InventoryItems, InventoryLevels}

// EntityFor returns the entity for a record kind.
func EntityFor(kind string) (Entity, bool) {
	for _, e := range Entities {
		if e.Kind == kind {
			return e, true
		}
	}
	return Entity{}, false
}

// StagingColumns are the columns written by the staging COPY for e.
func (e Entity) StagingColumns() []string {
	cols := []string{"run_id", "tenant_id", "external_id"}
	if e.Child {
		cols = append(cols, "parent_external_id")
	}
	cols = append(cols, e.Columns...)
	return append(cols, "payload", "validation_status", "validation_errors", "merge_status", "staged_at")
}
