package extractor

import (
	"context"
	"errors"

	"fetchqueue/internal/domain"
)

// ErrCancelled is raised by a fetch progress callback to abort the
// operation early, and returned by the port when it observed the abort.
var ErrCancelled = errors.New("fetch cancelled")

// ClientProfile selects the upstream access profile used for a probe. The
// alternate profile is the control used by restriction detection.
type ClientProfile string

const (
	ProfileDefault   ClientProfile = "default"
	ProfileAlternate ClientProfile = "alternate"
)

// ProbeOptions hints how a metadata probe should behave.
type ProbeOptions struct {
	Profile ClientProfile
	// FlatPlaylist requests shallow entry listing for playlists/channels
	// instead of a full per-entry extraction.
	FlatPlaylist bool
}

// FormatRequest is a concrete format query produced by the quality
// resolution engine.
type FormatRequest struct {
	// Selector is the format selection expression handed to the tool,
	// including its fallback chain.
	Selector string
	// MergeContainer forces the output container for merged video streams.
	MergeContainer string
	// ExtractAudio requests a pure audio artifact via postprocessing.
	ExtractAudio bool
	// AudioCodec and AudioBitrate parameterize audio extraction.
	AudioCodec   string
	AudioBitrate string
	// Quality records the quality this request was resolved from.
	Quality domain.Quality
}

// Progress reports fetch advancement.
type Progress struct {
	Percent float64
	Speed   string
	ETA     string
}

// ProgressFunc receives fetch progress. Returning a non-nil error aborts
// the fetch; returning ErrCancelled marks the abort as a cancellation.
type ProgressFunc func(Progress) error

// Port is the extraction/download engine boundary. Implementations resolve
// a URL into stream metadata (Probe) or write a media artifact to disk
// (Fetch).
type Port interface {
	Probe(ctx context.Context, url string, opts ProbeOptions) (*domain.MediaInfo, error)
	Fetch(ctx context.Context, url string, req FormatRequest, outputDir string, progress ProgressFunc) (string, error)
}
