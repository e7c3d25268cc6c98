package domain

import "time"

type ItemStatus string

const (
	StatusPending        ItemStatus = "Pending"
	StatusDownloading    ItemStatus = "Downloading"
	StatusDone           ItemStatus = "Done"
	StatusFailed         ItemStatus = "Failed"
	StatusSkipped        ItemStatus = "Skipped"
	StatusQualityBlocked ItemStatus = "QualityBlocked"
	StatusAgeRestricted  ItemStatus = "AgeRestricted"
)

// IsTerminal reports whether the status ends an item's processing for the
// current run. Terminal items are skipped by the worker and are the only
// ones eligible for reset.
func (s ItemStatus) IsTerminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusSkipped, StatusQualityBlocked, StatusAgeRestricted:
		return true
	}
	return false
}

// QueueItem is one user-requested download. Position is implicit: the queue
// is an ordered sequence and items carry no position field of their own.
type QueueItem struct {
	// Key is the stable internal identity of the row. It equals ID when the
	// platform id is known, otherwise a generated value.
	Key string

	// ID is the external platform identifier, empty for not-yet-resolved
	// entries.
	ID string

	Title           string
	DurationSeconds int
	SourceURL       string

	// RequestedQuality is the user's original intent and is never mutated
	// by the system. ResolvedQuality is what was actually negotiated or
	// downgraded to.
	RequestedQuality Quality
	ResolvedQuality  Quality

	Status       ItemStatus
	ErrorMessage string

	// ArtifactPath is the produced media file, set once Done.
	ArtifactPath string

	// probeHandle is a borrowed reference into the probe cache; never
	// persisted and never copied out.
	probeHandle *ProbeHandle

	CreatedAt time.Time
	UpdatedAt time.Time
}

// LedgerEntry is one row of the fetched-media ledger, the cross-session
// record of completed fetches.
type LedgerEntry struct {
	MediaID   string
	Title     string
	FetchedAt time.Time
}

// StreamInfo describes one available stream from a probe.
type StreamInfo struct {
	Height      int
	Width       int
	Bitrate     float64
	Codec       string
	HasVideo    bool
	HasAudio    bool
	// DirectURL reports whether the stream can be fetched directly
	// (an https URL without a signature cipher indirection).
	DirectURL bool
}

// MediaInfo is the result of a metadata probe.
type MediaInfo struct {
	ID              string
	Title           string
	DurationSeconds int
	SourceURL       string
	Streams         []StreamInfo
	RawWarnings     []string

	// Entries is non-nil when the probed URL expanded to a playlist or
	// channel; each entry is itself probe-shaped metadata.
	Entries []MediaInfo
}

// ProbeHandle is a borrowed reference to cached probe metadata. The cache
// owns the MediaInfo; holders must not retain it past entry expiry.
type ProbeHandle struct {
	Info      *MediaInfo
	FetchedAt time.Time
}

// SetProbeHandle attaches cached probe metadata to the item.
func (it *QueueItem) SetProbeHandle(h *ProbeHandle) { it.probeHandle = h }

// ProbeHandle returns the attached metadata reference, nil if never probed.
func (it *QueueItem) ProbeHandle() *ProbeHandle { return it.probeHandle }

// Clone returns a copy safe to hand across goroutine boundaries. The probe
// handle is carried as the same borrowed reference, per the cache contract.
func (it *QueueItem) Clone() *QueueItem {
	cp := *it
	return &cp
}
