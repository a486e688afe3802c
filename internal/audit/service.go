package audit

import (
	"context"
	"fmt"
)

const (
	defaultPerPage = 20
	maxPerPage     = 50
)

// Service coordinates audit timeline reads.
type Service struct {
	repo Repository
}

// NewService constructs an audit timeline service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Timeline fetches one page of the audit trail. The page size is clamped and
// one extra row is fetched to decide whether a next page exists.
func (s *Service) Timeline(ctx context.Context, filters TimelineFilters) (Result, error) {
	if s.repo == nil {
		return Result{}, fmt.Errorf("audit: repository not configured")
	}
	perPage := filters.PerPage
	if perPage <= 0 {
		perPage = defaultPerPage
	}
	if perPage > maxPerPage {
		perPage = maxPerPage
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * perPage

	rows, err := s.repo.TimelineWindow(ctx, filters, offset, perPage+1)
	if err != nil {
		return Result{}, err
	}
	hasNext := len(rows) > perPage
	if hasNext {
		rows = rows[:perPage]
	}

	paging := PagingInfo{Page: page, PerPage: perPage, HasNext: hasNext}
	if page > 1 {
		paging.PrevPage = page - 1
	}
	if hasNext {
		paging.NextPage = page + 1
	}
	return Result{Rows: rows, Paging: paging}, nil
}

// Export fetches every matching event without paging.
func (s *Service) Export(ctx context.Context, filters TimelineFilters) ([]TimelineRow, error) {
	if s.repo == nil {
		return nil, fmt.Errorf("audit: repository not configured")
	}
	return s.repo.TimelineAll(ctx, filters)
}
