package extract

// Kind classifies the outcome of extracting one page.
type Kind string

// Extraction outcomes. Every page yields exactly one.
const (
	// KindSuccess means at least one record was decoded.
	KindSuccess Kind = "success"
	// KindNoResults means the site rendered its "no results" marker.
	KindNoResults Kind = "no_results"
	// KindEmpty means the page loaded but yielded zero records.
	KindEmpty Kind = "empty"
	// KindFetchError means loading or the extraction call failed.
	KindFetchError Kind = "fetch_error"
	// KindDecodeError means the extraction output was not valid record JSON.
	KindDecodeError Kind = "decode_error"
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	return string(k)
}
