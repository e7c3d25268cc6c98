package domain

import (
	"fmt"
	"strings"
)

// VideoTier is a discrete, ordered video quality level. Lower rank means
// higher quality; TierBest has rank 0.
type VideoTier int

const (
	TierBest VideoTier = iota
	Tier2160p
	Tier1440p
	Tier1080p
	Tier720p
	Tier480p
	Tier360p
	Tier240p
	Tier144p
	TierLowest
)

var tierNames = map[VideoTier]string{
	TierBest:   "Best",
	Tier2160p:  "2160p",
	Tier1440p:  "1440p",
	Tier1080p:  "1080p",
	Tier720p:   "720p",
	Tier480p:   "480p",
	Tier360p:   "360p",
	Tier240p:   "240p",
	Tier144p:   "144p",
	TierLowest: "Lowest",
}

var tierHeights = map[VideoTier]int{
	Tier2160p: 2160,
	Tier1440p: 1440,
	Tier1080p: 1080,
	Tier720p:  720,
	Tier480p:  480,
	Tier360p:  360,
	Tier240p:  240,
	Tier144p:  144,
}

func (t VideoTier) String() string {
	if name, ok := tierNames[t]; ok {
		return name
	}
	return fmt.Sprintf("VideoTier(%d)", int(t))
}

// Height returns the pixel height of the tier, or 0 for the open-ended
// Best/Lowest tiers.
func (t VideoTier) Height() int {
	return tierHeights[t]
}

// TierForHeight maps a stream height to the tier that covers it.
func TierForHeight(height int) VideoTier {
	switch {
	case height >= 2160:
		return Tier2160p
	case height >= 1440:
		return Tier1440p
	case height >= 1080:
		return Tier1080p
	case height >= 720:
		return Tier720p
	case height >= 480:
		return Tier480p
	case height >= 360:
		return Tier360p
	case height >= 240:
		return Tier240p
	default:
		return Tier144p
	}
}

// ParseVideoTier parses a tier name like "1080p" or "Best".
func ParseVideoTier(s string) (VideoTier, error) {
	for tier, name := range tierNames {
		if strings.EqualFold(name, s) {
			return tier, nil
		}
	}
	return TierBest, fmt.Errorf("unknown video tier %q", s)
}

// AudioProfile is a named audio quality/codec configuration. Profiles are
// not linearly ordered; selection is by exact match only.
type AudioProfile string

const (
	AudioDefault    AudioProfile = "default"
	AudioBest       AudioProfile = "best"
	AudioLowest     AudioProfile = "lowest"
	AudioLowWebm    AudioProfile = "low_webm"
	AudioMediumWebm AudioProfile = "medium_webm"
	AudioStdWebm    AudioProfile = "standard_webm"
	AudioStdM4a     AudioProfile = "standard_m4a"
	AudioStdMp3     AudioProfile = "standard_mp3"
	AudioHighM4a    AudioProfile = "high_m4a"
)

// AudioProfiles lists every selectable profile.
func AudioProfiles() []AudioProfile {
	return []AudioProfile{
		AudioDefault, AudioBest, AudioLowest,
		AudioLowWebm, AudioMediumWebm, AudioStdWebm,
		AudioStdM4a, AudioStdMp3, AudioHighM4a,
	}
}

// ParseAudioProfile validates a profile tag.
func ParseAudioProfile(s string) (AudioProfile, error) {
	for _, p := range AudioProfiles() {
		if string(p) == s {
			return p, nil
		}
	}
	return AudioDefault, fmt.Errorf("unknown audio profile %q", s)
}

// QualityKind discriminates the Quality union.
type QualityKind int

const (
	QualityVideo QualityKind = iota
	QualityAudio
)

// Quality is a tagged union: either a video resolution tier or an audio
// profile. The zero value is Video(Best).
type Quality struct {
	Kind    QualityKind
	Tier    VideoTier
	Profile AudioProfile
}

func VideoQuality(tier VideoTier) Quality {
	return Quality{Kind: QualityVideo, Tier: tier}
}

func AudioQuality(profile AudioProfile) Quality {
	return Quality{Kind: QualityAudio, Profile: profile}
}

func (q Quality) IsVideo() bool { return q.Kind == QualityVideo }
func (q Quality) IsAudio() bool { return q.Kind == QualityAudio }

func (q Quality) String() string {
	if q.Kind == QualityAudio {
		return "audio:" + string(q.Profile)
	}
	return q.Tier.String()
}

// ParseQuality parses the wire form produced by String: a tier name, or
// "audio:<profile>".
func ParseQuality(s string) (Quality, error) {
	if rest, ok := strings.CutPrefix(s, "audio:"); ok {
		profile, err := ParseAudioProfile(rest)
		if err != nil {
			return Quality{}, err
		}
		return AudioQuality(profile), nil
	}
	tier, err := ParseVideoTier(s)
	if err != nil {
		return Quality{}, err
	}
	return VideoQuality(tier), nil
}

// Equal reports whether two qualities denote the same request.
func (q Quality) Equal(other Quality) bool {
	if q.Kind != other.Kind {
		return false
	}
	if q.Kind == QualityAudio {
		return q.Profile == other.Profile
	}
	return q.Tier == other.Tier
}

// RequestClass is the cache-key class of a quality: probes for any video
// tier are interchangeable (the probe enumerates all streams), audio probes
// are keyed per profile family.
func (q Quality) RequestClass() string {
	if q.Kind == QualityAudio {
		return "audio"
	}
	return "video"
}
