package composer

// Taxonomy groups factory tools into functional categories so the
// composer can suggest sibling tools when one keeps failing.
type Taxonomy struct {
	categories map[string][]string
	toolIndex  map[string]string
}

// defaultCategories covers the factory-operations tool surface. Category
// membership, not tool order, is what matters here.
var defaultCategories = map[string][]string{
	"material": {
		"query_material_stock", "query_material_batch",
		"query_material_consumption", "query_supplier_deliveries",
	},
	"production": {
		"query_production_orders", "query_production_batch",
		"query_work_center_schedule", "query_production_yield",
	},
	"quality": {
		"query_inspection_results", "query_defect_records",
		"query_quality_holds",
	},
	"equipment": {
		"query_equipment_status", "query_maintenance_orders",
		"query_equipment_downtime", "query_sensor_readings",
	},
	"report": {
		"generate_daily_report", "generate_yield_report",
		"generate_oee_report",
	},
	"alert": {
		"query_active_alerts", "query_alert_history",
		"acknowledge_alert",
	},
	"shipment": {
		"query_shipment_status", "query_delivery_schedule",
		"query_packing_lists",
	},
	"trace": {
		"trace_batch_genealogy", "trace_serial_number",
		"query_batch_usage",
	},
	"crm": {
		"query_customer_orders", "query_customer_complaints",
		"query_customer_forecast",
	},
	"hr": {
		"query_shift_roster", "query_operator_certifications",
		"query_attendance_records",
	},
}

// NewTaxonomy builds the built-in tool taxonomy.
func NewTaxonomy() *Taxonomy {
	t := &Taxonomy{
		categories: make(map[string][]string, len(defaultCategories)),
		toolIndex:  make(map[string]string),
	}
	for category, tools := range defaultCategories {
		t.categories[category] = append([]string(nil), tools...)
		for _, tool := range tools {
			t.toolIndex[tool] = category
		}
	}
	return t
}

// Merge overlays category definitions loaded from configuration. A
// category present in the overlay replaces the built-in list entirely.
func (t *Taxonomy) Merge(overrides map[string][]string) {
	for category, tools := range overrides {
		if len(tools) == 0 {
			continue
		}
		for _, old := range t.categories[category] {
			if t.toolIndex[old] == category {
				delete(t.toolIndex, old)
			}
		}
		t.categories[category] = append([]string(nil), tools...)
		for _, tool := range tools {
			t.toolIndex[tool] = category
		}
	}
}

// CategoryOf returns the category of a tool, empty when unindexed.
func (t *Taxonomy) CategoryOf(toolName string) string {
	return t.toolIndex[toolName]
}

// Alternatives returns up to max sibling tools from the failed tool's
// category, excluding the failed tool itself. Unindexed tools get none.
func (t *Taxonomy) Alternatives(toolName string, max int) []string {
	category := t.toolIndex[toolName]
	if category == "" || max <= 0 {
		return nil
	}
	var out []string
	for _, tool := range t.categories[category] {
		if tool == toolName {
			continue
		}
		out = append(out, tool)
		if len(out) == max {
			break
		}
	}
	return out
}
