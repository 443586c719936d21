package stitch

// Summary is the stitching report for one pass over the stream.
type Summary struct {
	ProductsSeen    int64 `json:"productsSeen"`
	ProductsEmitted int64 `json:"productsEmitted"`

	VariantsSeen          int64 `json:"variantsSeen"`
	VariantsEmitted       int64 `json:"variantsEmitted"`
	VariantsSpilledToDisk int64 `json:"variantsSpilledToDisk"`
	VariantsQuarantined   int64 `json:"variantsQuarantined"`

	MetafieldsSeen          int64 `json:"metafieldsSeen"`
	MetafieldsEmitted       int64 `json:"metafieldsEmitted"`
	MetafieldsSpilledToDisk int64 `json:"metafieldsSpilledToDisk"`
	MetafieldsQuarantined   int64 `json:"metafieldsQuarantined"`

	InventoryItemsSeen          int64 `json:"inventoryItemsSeen"`
	InventoryItemsEmitted       int64 `json:"inventoryItemsEmitted"`
	InventoryItemsSpilledToDisk int64 `json:"inventoryItemsSpilledToDisk"`
	InventoryItemsQuarantined   int64 `json:"inventoryItemsQuarantined"`

	InventoryLevelsSeen          int64 `json:"inventoryLevelsSeen"`
	InventoryLevelsEmitted       int64 `json:"inventoryLevelsEmitted"`
	InventoryLevelsSpilledToDisk int64 `json:"inventoryLevelsSpilledToDisk"`
	InventoryLevelsQuarantined   int64 `json:"inventoryLevelsQuarantined"`

	TotalLines   int64 `json:"totalLines"`
	ValidLines   int64 `json:"validLines"`
	InvalidLines int64 `json:"invalidLines"`
	BlankLines   int64 `json:"blankLines"`

	LateChildren         int64 `json:"lateChildren"`
	OrphanGroups         int64 `json:"orphanGroups"`
	ChildrenUnclassified int64 `json:"childrenUnclassified"`
	ChildrenBufferedPeak int64 `json:"childrenBufferedPeak"`
	BytesProcessed       int64 `json:"bytesProcessed"`
	EndOfStream          bool  `json:"endOfStream"`
}

// counts is the per-kind tally kept while stitching.
type counts struct {
	seen, emitted, spilled, quarantined [numKinds]int64
}

func (s *Summary) fill(c *counts) {
	s.ProductsSeen = c.seen[KindProduct]
	s.ProductsEmitted = c.emitted[KindProduct]

	s.VariantsSeen = c.seen[KindVariant]
	s.VariantsEmitted = c.emitted[KindVariant]
	s.VariantsSpilledToDisk = c.spilled[KindVariant]
	s.VariantsQuarantined = c.quarantined[KindVariant]

	s.MetafieldsSeen = c.seen[KindMetafield]
	s.MetafieldsEmitted = c.emitted[KindMetafield]
	s.MetafieldsSpilledToDisk = c.spilled[KindMetafield]
	s.MetafieldsQuarantined = c.quarantined[KindMetafield]

	s.InventoryItemsSeen = c.seen[KindInventoryItem]
	s.InventoryItemsEmitted = c.emitted[KindInventoryItem]
	s.InventoryItemsSpilledToDisk = c.spilled[KindInventoryItem]
	s.InventoryItemsQuarantined = c.quarantined[KindInventoryItem]

	s.InventoryLevelsSeen = c.seen[KindInventoryLevel]
	s.InventoryLevelsEmitted = c.emitted[KindInventoryLevel]
	s.InventoryLevelsSpilledToDisk = c.spilled[KindInventoryLevel]
	s.InventoryLevelsQuarantined = c.quarantined[KindInventoryLevel]
}

// Quarantined is the total number of children that were never emitted.
func (s Summary) Quarantined() int64 {
	return s.VariantsQuarantined + s.MetafieldsQuarantined + s.InventoryItemsQuarantined + s.InventoryLevelsQuarantined
}
