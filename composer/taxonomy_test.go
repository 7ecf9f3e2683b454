package composer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTaxonomyAlternatives(t *testing.T) {
	tax := NewTaxonomy()

	alts := tax.Alternatives("query_material_stock", 3)
	assert.LessOrEqual(t, len(alts), 3)
	assert.NotContains(t, alts, "query_material_stock", "never suggest the failed tool")
	for _, alt := range alts {
		assert.Equal(t, "material", tax.CategoryOf(alt))
	}
}

func TestTaxonomyUnknownTool(t *testing.T) {
	tax := NewTaxonomy()
	assert.Empty(t, tax.Alternatives("totally_unknown_tool", 3))
	assert.Empty(t, tax.CategoryOf("totally_unknown_tool"))
}

func TestTaxonomyMerge(t *testing.T) {
	tax := NewTaxonomy()
	tax.Merge(map[string][]string{
		"material": {"query_material_stock", "custom_material_lookup"},
	})

	assert.Equal(t, "material", tax.CategoryOf("custom_material_lookup"))
	assert.Empty(t, tax.CategoryOf("query_material_batch"), "replaced tools drop out of the index")
	assert.Equal(t, []string{"custom_material_lookup"}, tax.Alternatives("query_material_stock", 3))

	// Other categories untouched.
	assert.Equal(t, "quality", tax.CategoryOf("query_defect_records"))
}
