// Package quality maps user-facing quality requests onto concrete format
// queries against probed stream metadata, and implements the downgrade
// policy used after blocked-quality failures.
package quality

import (
	"fetchqueue/internal/domain"
	"fetchqueue/internal/extractor"
)

// AdjustSingle returns the quality actually achievable for the request
// given probed streams. Video picks the lowest available tier that is at
// least the requested tier; if none qualifies, the highest available tier.
// Audio profiles match exactly and are returned unchanged.
func AdjustSingle(requested domain.Quality, streams []domain.StreamInfo) domain.Quality {
	if requested.IsAudio() {
		return requested
	}
	if requested.Tier == domain.TierBest {
		return requested
	}

	heights := availableHeights(streams)
	if len(heights) == 0 {
		return requested
	}

	if requested.Tier == domain.TierLowest {
		return domain.VideoQuality(domain.TierForHeight(minOf(heights)))
	}

	target := requested.Tier.Height()
	best := 0
	for _, h := range heights {
		if h < target {
			continue
		}
		if best == 0 || h < best {
			best = h
		}
	}
	if best == 0 {
		// Nothing at or above the request: serve the highest available.
		best = maxOf(heights)
	}
	return domain.VideoQuality(domain.TierForHeight(best))
}

// Resolve produces the concrete format request for an item, adjusting the
// requested quality against probed streams first.
func Resolve(requested domain.Quality, streams []domain.StreamInfo) (extractor.FormatRequest, domain.Quality) {
	achieved := AdjustSingle(requested, streams)
	return BuildRequest(achieved), achieved
}

// Downgrade returns the next quality to try after a blocked-quality
// failure, or ok=false when the hierarchy is exhausted. Video steps down
// one tier at a time and terminates in the default audio profile; audio
// has a single best→default fallback.
func Downgrade(current domain.Quality) (domain.Quality, bool) {
	if current.IsAudio() {
		if current.Profile == domain.AudioBest {
			return domain.AudioQuality(domain.AudioDefault), true
		}
		return domain.Quality{}, false
	}

	switch current.Tier {
	case domain.TierBest:
		return domain.VideoQuality(domain.Tier1080p), true
	case domain.Tier2160p:
		return domain.VideoQuality(domain.Tier1440p), true
	case domain.Tier1440p:
		return domain.VideoQuality(domain.Tier1080p), true
	case domain.Tier1080p:
		return domain.VideoQuality(domain.Tier720p), true
	case domain.Tier720p:
		return domain.VideoQuality(domain.Tier480p), true
	case domain.Tier480p:
		return domain.VideoQuality(domain.Tier360p), true
	case domain.Tier360p, domain.Tier240p, domain.Tier144p, domain.TierLowest:
		// Terminal fallback: give up on video entirely.
		return domain.AudioQuality(domain.AudioDefault), true
	}
	return domain.Quality{}, false
}

// videoSelectors carry a progressive fallback chain per tier so a single
// fetch can degrade gracefully inside the tool.
var videoSelectors = map[domain.VideoTier]string{
	domain.TierBest:   "best[height<=1080]/best[height<=720]/best",
	domain.Tier2160p:  "best[height<=2160]/best[height<=1440]/best",
	domain.Tier1440p:  "best[height<=1440]/best[height<=1080]/best",
	domain.Tier1080p:  "best[height<=1080]/best[height<=720]/best",
	domain.Tier720p:   "best[height<=720]/best[height<=1080]/best",
	domain.Tier480p:   "best[height<=480]/best[height<=720]/best",
	domain.Tier360p:   "best[height<=360]/best[height<=480]/best",
	domain.Tier240p:   "best[height<=240]/best[height<=360]/best",
	domain.Tier144p:   "best[height<=144]/best[height<=240]/best[height<=360]/best",
	domain.TierLowest: "worst[height>=144]/worst[height>=240]/worst[height>=360]/worst",
}

var audioSelectors = map[domain.AudioProfile]string{
	domain.AudioDefault:    "bestaudio/best[height<=480]/best",
	domain.AudioBest:       "bestaudio/best[height<=720]/best",
	domain.AudioLowest:     "worstaudio/bestaudio/best[height<=360]/best",
	domain.AudioLowWebm:    "bestaudio[ext=webm]/bestaudio/best[height<=360]/best",
	domain.AudioMediumWebm: "bestaudio[ext=webm]/bestaudio/best[height<=480]/best",
	domain.AudioStdWebm:    "bestaudio[ext=webm]/bestaudio/best[height<=480]/best",
	domain.AudioStdM4a:     "bestaudio[ext=m4a]/bestaudio/best[height<=480]/best",
	domain.AudioStdMp3:     "bestaudio/best[height<=480]/best",
	domain.AudioHighM4a:    "bestaudio[ext=m4a]/bestaudio/best[height<=720]/best",
}

// BuildRequest translates a quality into the tool-facing format request.
func BuildRequest(q domain.Quality) extractor.FormatRequest {
	req := extractor.FormatRequest{Quality: q}

	if q.IsVideo() {
		req.Selector = videoSelectors[q.Tier]
		if req.Selector == "" {
			req.Selector = videoSelectors[domain.TierBest]
		}
		req.MergeContainer = "mp4"
		return req
	}

	req.Selector = audioSelectors[q.Profile]
	if req.Selector == "" {
		req.Selector = audioSelectors[domain.AudioDefault]
	}
	req.ExtractAudio = true
	switch q.Profile {
	case domain.AudioStdMp3:
		req.AudioCodec = "mp3"
		req.AudioBitrate = "192K"
	case domain.AudioHighM4a:
		req.AudioCodec = "aac"
		req.AudioBitrate = "160K"
	}
	return req
}

func availableHeights(streams []domain.StreamInfo) []int {
	seen := make(map[int]bool)
	var heights []int
	for _, s := range streams {
		if !s.HasVideo || s.Height == 0 {
			continue
		}
		if !seen[s.Height] {
			seen[s.Height] = true
			heights = append(heights, s.Height)
		}
	}
	return heights
}

func minOf(xs []int) int {
	m := xs[0]
	for _, x := range xs[1:] {
		if x < m {
			m = x
		}
	}
	return m
}

func maxOf(xs []int) int {
	m := xs[0]
	for _, x := range xs[1:] {
		if x > m {
			m = x
		}
	}
	return m
}
