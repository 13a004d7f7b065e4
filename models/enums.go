package models

// BottleSource records where a bottle entered the catalog.
type BottleSource string

const (
	BottleSourceUser    BottleSource = "U"
	BottleSourceCatalog BottleSource = "C"
)

func (s BottleSource) Label() string {
	switch s {
	case BottleSourceUser:
		return "user"
	case BottleSourceCatalog:
		return "catalog"
	}
	return string(s)
}

// ReviewQueueKind selects the "needs attention" predicate for the review queue.
type ReviewQueueKind string

const (
	// ReviewQueueNeedsCode serves bottles without any identifier code (UPC backfill).
	ReviewQueueNeedsCode ReviewQueueKind = "NeedsCode"
	// ReviewQueueNeedsMatch serves user-created bottles not yet checked against the catalog.
	ReviewQueueNeedsMatch ReviewQueueKind = "NeedsMatch"
)

// Outbox publish states for merge events.
const (
	MergePublishStatusPending = "PENDING"
	MergePublishStatusSent    = "SENT"
	MergePublishStatusFailed  = "FAILED"
)
