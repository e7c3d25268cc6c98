package domain

// StatusCounts is the per-status tally of the queue.
type StatusCounts struct {
	Total          int `json:"total"`
	Pending        int `json:"pending"`
	Downloading    int `json:"downloading"`
	Done           int `json:"done"`
	Failed         int `json:"failed"`
	Skipped        int `json:"skipped"`
	QualityBlocked int `json:"quality_blocked"`
	AgeRestricted  int `json:"age_restricted"`
}

// Add counts one item.
func (c *StatusCounts) Add(status ItemStatus) {
	c.Total++
	switch status {
	case StatusPending:
		c.Pending++
	case StatusDownloading:
		c.Downloading++
	case StatusDone:
		c.Done++
	case StatusFailed:
		c.Failed++
	case StatusSkipped:
		c.Skipped++
	case StatusQualityBlocked:
		c.QualityBlocked++
	case StatusAgeRestricted:
		c.AgeRestricted++
	}
}

type EventType string

const (
	EventItemStatusChanged     EventType = "item_status_changed"
	EventQueueSummaryChanged   EventType = "queue_summary_changed"
	EventBatchQualityRewritten EventType = "batch_quality_rewritten"
	EventRunFinished           EventType = "run_finished"
)

// Event is one entry on the orchestrator's event stream. Events for a given
// item are delivered in production order.
type Event struct {
	Type EventType

	// ItemStatusChanged
	ItemKey         string
	ItemID          string
	Status          ItemStatus
	ResolvedQuality Quality
	ErrorMessage    string

	// QueueSummaryChanged
	Counts StatusCounts

	// BatchQualityRewritten
	ItemKeys   []string
	NewQuality Quality

	// RunFinished
	Stopped bool
}
