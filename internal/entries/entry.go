// Package entries holds the TimeEntry record returned by get_time_entries and
// the sources that produce it.
package entries

import (
	"encoding/json"
	"fmt"
	"time"
)

// TimeEntry is one unit of tracked work as the host expects it.
// Nullable fields are pointers so they encode as JSON null.
type TimeEntry struct {
	ID           string    `json:"id"`
	Description  string    `json:"description"`
	ProjectID    *string   `json:"project_id"`
	ProjectName  *string   `json:"project_name"`
	CustomerID   *string   `json:"customer_id"`
	CustomerName *string   `json:"customer_name"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at"`
	Tags         []string  `json:"tags"`
	Source       string    `json:"source"`
	SourceURL    *string   `json:"source_url"`
	PluginName   *string   `json:"plugin_name,omitempty"`
	Billable     bool      `json:"billable"`
}

// MarshalJSON normalizes timestamps to second-precision UTC and never emits
// null tags.
func (e TimeEntry) MarshalJSON() ([]byte, error) {
	type plain TimeEntry
	out := plain(e)
	out.StartedAt = e.StartedAt.UTC().Truncate(time.Second)
	out.EndedAt = e.EndedAt.UTC().Truncate(time.Second)
	if out.Tags == nil {
		out.Tags = []string{}
	}
	return json.Marshal(out)
}

// Duration is EndedAt minus StartedAt.
func (e TimeEntry) Duration() time.Duration {
	return e.EndedAt.Sub(e.StartedAt)
}

// Validate checks a single entry.
func (e TimeEntry) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("entry has empty id")
	}
	if e.StartedAt.IsZero() || e.EndedAt.IsZero() {
		return fmt.Errorf("entry %s: started_at and ended_at are required", e.ID)
	}
	if e.EndedAt.Before(e.StartedAt) {
		return fmt.Errorf("entry %s: ended_at %s precedes started_at %s",
			e.ID, e.EndedAt.Format(time.RFC3339), e.StartedAt.Format(time.RFC3339))
	}
	return nil
}

// ValidateBatch checks every entry and that ids are unique within the batch.
func ValidateBatch(batch []TimeEntry) error {
	seen := make(map[string]struct{}, len(batch))
	for _, e := range batch {
		if err := e.Validate(); err != nil {
			return err
		}
		if _, dup := seen[e.ID]; dup {
			return fmt.Errorf("duplicate entry id %q", e.ID)
		}
		seen[e.ID] = struct{}{}
	}
	return nil
}

func strPtr(s string) *string {
	return &s
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
