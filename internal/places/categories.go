package places

import "strings"

// DefaultBuckets maps the category label Google Maps shows for a place to the
// saved list it belongs in. Anything not listed goes to the default bucket.
var DefaultBuckets = map[string]string{
	"Cafe":                       "Coffee",
	"Coffee shop":                "Coffee",
	"Coffee":                     "Coffee",
	"Espresso bar":               "Coffee",
	"Tea house":                  "Tea",
	"Tea shop":                   "Tea",
	"Tea store":                  "Tea",
	"Chinese tea house":          "Tea",
	"Bakery":                     "Bakery",
	"Pastry shop":                "Bakery",
	"Dessert":                    "Dessert",
	"Dessert shop":               "Dessert",
	"Dessert restaurant":         "Dessert",
	"Japanese sweets restaurant": "Dessert",
}

// Categorizer resolves category labels to target lists.
type Categorizer struct {
	Buckets       map[string]string
	DefaultBucket string
	// ClosedMarker in a label means the place shut down; it is not filed.
	ClosedMarker string
}

// CleanLabel trims the label and drops the "· " separator the list view puts
// in front of it.
func CleanLabel(raw string) string {
	return strings.Replace(strings.TrimSpace(raw), "· ", "", 1)
}

// Bucket returns the target list for a cleaned label and whether the place
// should be skipped altogether.
func (c Categorizer) Bucket(label string) (bucket string, skip bool) {
	if c.ClosedMarker != "" && strings.Contains(label, c.ClosedMarker) {
		return "", true
	}
	if b, ok := c.Buckets[label]; ok {
		return b, false
	}
	return c.DefaultBucket, false
}
