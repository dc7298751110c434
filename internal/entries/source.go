package entries

//go:generate mockgen -destination=mocks/mock_source.go -package=mocks github.com/mattjoyce/mot-plugin/internal/entries Source

import "context"

// Source produces the entries for a date range, in display order.
type Source interface {
	Entries(ctx context.Context, r Range) ([]TimeEntry, error)
	Close() error
}
