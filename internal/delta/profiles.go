package delta

import "sort"

// profileModels fixes the model set each app profile cares about. A pull
// without an explicit model filter is scoped to its profile's set.
var profileModels = map[string][]string{
	"sales_app": {
		"sale.order", "sale.order.line", "res.partner",
		"product.template", "product.product", "product.category",
	},
	"delivery_app": {
		"stock.picking", "stock.move", "stock.move.line", "res.partner",
	},
	"warehouse_app": {
		"stock.picking", "stock.move", "stock.move.line",
		"stock.quant", "product.product", "stock.location",
	},
	"manager_app": {
		"sale.order", "purchase.order", "account.move",
		"res.partner", "hr.expense", "project.project",
	},
	"mobile_app": {
		"sale.order", "res.partner", "product.template", "product.product",
	},
}

// Profiles returns all known profile names, sorted.
func Profiles() []string {
	out := make([]string, 0, len(profileModels))
	for p := range profileModels {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// KnownProfile reports whether profile has a model set.
func KnownProfile(profile string) bool {
	_, ok := profileModels[profile]
	return ok
}

// ModelsForProfile returns the profile's model set (copy).
func ModelsForProfile(profile string) []string {
	models := profileModels[profile]
	out := make([]string, len(models))
	copy(out, models)
	return out
}
