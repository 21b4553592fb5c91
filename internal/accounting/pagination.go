package accounting

const (
	// DefaultPageSize applies when the caller omits page_size.
	DefaultPageSize = 10
	// MaxPageSize is the largest accepted page_size.
	MaxPageSize = 500
)

// PageRequest selects a 1-based page.
type PageRequest struct {
	Page     int
	PageSize int
}

// Normalize fills defaults. A page size above MaxPageSize is rejected rather than
// clamped, so a full page always means more rows may follow.
func (p PageRequest) Normalize() (PageRequest, error) {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize < 1 {
		p.PageSize = DefaultPageSize
	}
	if p.PageSize > MaxPageSize {
		return p, invalidArgument("page_size must be <= %d", MaxPageSize)
	}
	return p, nil
}

func (p PageRequest) offset() int {
	return (p.Page - 1) * p.PageSize
}

// PageInfo describes the returned page. HasNext is computed by reading one row past the page.
type PageInfo struct {
	Page     int  `json:"page"`
	PageSize int  `json:"page_size"`
	HasNext  bool `json:"has_next"`
}

// trimPage drops the look-ahead row and reports whether it existed.
func trimPage[T any](rows []T, req PageRequest) ([]T, PageInfo) {
	info := PageInfo{Page: req.Page, PageSize: req.PageSize}
	if len(rows) > req.PageSize {
		info.HasNext = true
		rows = rows[:req.PageSize]
	}
	return rows, info
}
