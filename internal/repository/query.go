package repository

import (
	"errors"
	"strings"

	"github.com/lib/pq"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// ErrDuplicate is returned when an insert collides with a unique constraint.
var ErrDuplicate = errors.New("duplicate record")

func sanitizeSort(requested, fallback string, allowed ...string) string {
	for _, column := range allowed {
		if requested == column {
			return column
		}
	}
	return fallback
}

func sanitizeOrder(order string) string {
	order = strings.ToUpper(order)
	if order != "ASC" && order != "DESC" {
		return "DESC"
	}
	return order
}

func pageWindow(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size <= 0 || size > maxPageSize {
		size = defaultPageSize
	}
	return size, (page - 1) * size
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
