package utils

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const maxPageSize = 100

// PaginationParams represents limit/offset paging taken from a request.
type PaginationParams struct {
	Limit  int
	Offset int
}

// GetPaginationParams reads ?limit= and ?offset=, falling back to defaultLimit.
func GetPaginationParams(c echo.Context, defaultLimit int) PaginationParams {
	limit := defaultLimit
	offset := 0

	if parsed, err := strconv.Atoi(c.QueryParam("limit")); err == nil && parsed > 0 {
		limit = parsed
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	if parsed, err := strconv.Atoi(c.QueryParam("offset")); err == nil && parsed >= 0 {
		offset = parsed
	}

	return PaginationParams{
		Limit:  limit,
		Offset: offset,
	}
}

// Window returns the [start, end) bounds of a page over n items.
func Window(n, limit, offset int) (int, int) {
	start := offset
	if start > n {
		start = n
	}
	end := n
	if limit > 0 && start+limit < n {
		end = start + limit
	}
	return start, end
}
