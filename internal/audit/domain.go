package audit

import (
	"encoding/json"
	"time"
)

// TimelineFilters narrows the audit trail view. Zero values mean "no filter".
type TimelineFilters struct {
	From    time.Time
	To      time.Time
	ActorID int64
	Entity  string
	Action  string
	Page    int
	PerPage int
}

// TimelineRow is one resolved audit event.
type TimelineRow struct {
	At       time.Time       `json:"at"`
	ActorID  int64           `json:"actor_id"`
	Action   string          `json:"action"`
	Entity   string          `json:"entity"`
	EntityID string          `json:"entity_id"`
	IP       string          `json:"ip,omitempty"`
	Meta     json.RawMessage `json:"meta,omitempty"`
}

// PagingInfo carries cursor-free paging metadata. HasNext is derived from an
// over-fetch of one row, so no COUNT(*) runs against the append-only table.
type PagingInfo struct {
	Page     int  `json:"page"`
	PerPage  int  `json:"per_page"`
	HasNext  bool `json:"has_next"`
	PrevPage int  `json:"prev_page,omitempty"`
	NextPage int  `json:"next_page,omitempty"`
}

// Result bundles one timeline page with its paging metadata.
type Result struct {
	Rows   []TimelineRow `json:"rows"`
	Paging PagingInfo    `json:"paging"`
}
