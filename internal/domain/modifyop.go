package domain

// ModifyOpKind enumerates the kernel's command language: the only
// mutations the modify engine ever applies to a session's items/data.
type ModifyOpKind string

const (
	OpAddLine    ModifyOpKind = "add_line"
	OpRemoveLine ModifyOpKind = "remove_line"
	OpSetQty     ModifyOpKind = "set_qty"
	OpReplaceSKU ModifyOpKind = "replace_sku"
	OpSetData    ModifyOpKind = "set_data"
	OpMergeLines ModifyOpKind = "merge_lines"
)

// ModifyOp is a sum type over the six op variants. Only the fields
// relevant to Op are populated; the engine dispatches on Op and reads
// the matching fields, never decoding an untyped map.
type ModifyOp struct {
	Op ModifyOpKind `json:"op"`

	// add_line / replace_sku
	SKU        string                 `json:"sku,omitempty"`
	UnitPriceQ *int64                 `json:"unit_price_q,omitempty"`
	Meta       map[string]interface{} `json:"meta,omitempty"`
	Name       string                 `json:"name,omitempty"`

	// add_line / set_qty / remove_line / replace_sku share Qty + LineID
	Qty    string `json:"qty,omitempty"`
	LineID string `json:"line_id,omitempty"`

	// set_data
	Path  string      `json:"path,omitempty"`
	Value interface{} `json:"value,omitempty"`

	// merge_lines
	FromLineID string `json:"from_line_id,omitempty"`
	IntoLineID string `json:"into_line_id,omitempty"`
}
