package tap

// DefaultPageSize is the page size used when none is configured.
const DefaultPageSize = 100

// OffsetPaginator walks skip/limit pages. Next depends only on the previous
// cursor and the record count of the page just fetched.
type OffsetPaginator struct {
	Limit int
}

// NewOffsetPaginator returns a paginator with the given page size, falling
// back to DefaultPageSize for non-positive values.
func NewOffsetPaginator(limit int) OffsetPaginator {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	return OffsetPaginator{Limit: limit}
}

// Next returns the cursor following prev. A short page ends pagination.
func (p OffsetPaginator) Next(prev, count int) (int, bool) {
	if count < p.Limit {
		return 0, false
	}
	return prev + p.Limit, true
}
