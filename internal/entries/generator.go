package entries

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Generator fabricates demo entries and ignores the requested range: entry i
// starts i hours after now and lasts one hour.
type Generator struct {
	Count      int
	Source     string
	PluginName string
	// SourceURL is a link template; "{id}" is replaced by the entry id.
	SourceURL string
	Now       func() time.Time
}

// Entries returns Count synthetic entries.
func (g *Generator) Entries(ctx context.Context, _ Range) ([]TimeEntry, error) {
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	base := now().UTC().Truncate(time.Second)

	out := make([]TimeEntry, 0, g.Count)
	for i := 0; i < g.Count; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n := i + 1
		start := base.Add(time.Duration(i) * time.Hour)
		id := fmt.Sprintf("go-%d", n)

		out = append(out, TimeEntry{
			ID:           id,
			Description:  fmt.Sprintf("Go task #%d", n),
			ProjectID:    strPtr("go-proj-1"),
			ProjectName:  strPtr("Go Project"),
			CustomerID:   strPtr("go-cust-1"),
			CustomerName: strPtr("Go Customer"),
			StartedAt:    start,
			EndedAt:      start.Add(time.Hour),
			Tags:         []string{"go", "example", fmt.Sprintf("task-%d", n)},
			Source:       g.Source,
			SourceURL:    expandURL(g.SourceURL, id),
			PluginName:   optional(g.PluginName),
			Billable:     true,
		})
	}
	return out, nil
}

// Close is a no-op.
func (g *Generator) Close() error { return nil }

func expandURL(template, id string) *string {
	if template == "" {
		return nil
	}
	return strPtr(strings.ReplaceAll(template, "{id}", id))
}
