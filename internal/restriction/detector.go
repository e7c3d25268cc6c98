package restriction

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"fetchqueue/internal/domain"
	"fetchqueue/internal/extractor"
)

// State names the two service modes.
type State string

const (
	StateNormal     State = "normal"
	StateRestricted State = "restricted"
)

// Warning fragments that identify the upstream format restriction. Matching
// is case-insensitive substring matching against probe warnings.
var warningPatterns = []string{
	"po token",
	"gvs po token",
	"sabr formats require",
	"forcing sabr",
	"missing a url",
}

// Safe request subset honored while restricted. Anything outside gets
// clamped to the subset's representative member.
var (
	safeVideoTiers = map[domain.VideoTier]bool{
		domain.Tier360p: true,
	}
	safeAudioProfiles = map[domain.AudioProfile]bool{
		domain.AudioStdMp3:  true,
		domain.AudioHighM4a: true,
	}
)

// Options configures a Detector.
type Options struct {
	// TestURL is the well-known media URL probed during an explicit check.
	TestURL string
	// RecheckInterval rate-limits automatic checks. Zero means one hour.
	RecheckInterval time.Duration
}

// Status is a read-only snapshot of the detector.
type Status struct {
	State     State     `json:"state"`
	Forced    bool      `json:"forced"`
	Armed     bool      `json:"armed"`
	Since     time.Time `json:"since,omitempty"`
	LastCheck time.Time `json:"lastCheck,omitempty"`
}

// Detector tracks whether the upstream service is degraded and clamps
// quality requests to the safe subset while it is.
type Detector struct {
	port   extractor.Port
	opts   Options
	logger *logrus.Logger

	mu        sync.Mutex
	active    bool
	forced    bool
	armed     bool
	since     time.Time
	lastCheck time.Time

	// onActivate runs on every Normal->Restricted transition, after the
	// state flip, outside the detector lock.
	onActivate func()

	now func() time.Time
}

func New(port extractor.Port, opts Options, logger *logrus.Logger) *Detector {
	if opts.RecheckInterval <= 0 {
		opts.RecheckInterval = time.Hour
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Detector{port: port, opts: opts, logger: logger, now: time.Now}
}

// OnActivate registers a hook invoked whenever the detector enters
// restricted mode, whatever the trigger. Set once, before the detector is
// shared across goroutines.
func (d *Detector) OnActivate(fn func()) {
	d.onActivate = fn
}

func (d *Detector) fireActivate() {
	if d.onActivate != nil {
		d.onActivate()
	}
}

// Active reports whether the restricted mode is in effect.
func (d *Detector) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// Snapshot returns the current detector status.
func (d *Detector) Snapshot() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := Status{State: StateNormal, Forced: d.forced, Armed: d.armed, LastCheck: d.lastCheck}
	if d.active {
		s.State = StateRestricted
		s.Since = d.since
	}
	return s
}

// ArmRecheck flags that the next ShouldAutoCheck may bypass the rate limit.
// Called when a quality block survived a downgrade retry.
func (d *Detector) ArmRecheck() {
	d.mu.Lock()
	d.armed = true
	d.mu.Unlock()
}

// ShouldAutoCheck reports whether an automatic check is due, consuming the
// armed flag if set.
func (d *Detector) ShouldAutoCheck() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.forced {
		return false
	}
	if d.armed {
		d.armed = false
		return true
	}
	return d.now().Sub(d.lastCheck) >= d.opts.RecheckInterval
}

// ForceActive pins the detector in restricted mode until Clear.
func (d *Detector) ForceActive() {
	d.mu.Lock()
	activated := !d.active
	if activated {
		d.since = d.now()
	}
	d.active = true
	d.forced = true
	d.mu.Unlock()
	d.logger.Warn("restriction mode forced on")
	if activated {
		d.fireActivate()
	}
}

// Clear returns the detector to normal mode and drops any forced pin.
func (d *Detector) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active = false
	d.forced = false
	d.armed = false
	d.since = time.Time{}
	d.logger.Info("restriction mode cleared")
}

// Observe inspects warnings from a regular probe. A structured restriction
// warning flips the detector to restricted immediately; there is no
// inference in the other direction.
func (d *Detector) Observe(warnings []string) {
	if !matchWarnings(warnings) {
		return
	}
	d.mu.Lock()
	if d.active {
		d.mu.Unlock()
		return
	}
	d.active = true
	d.since = d.now()
	d.mu.Unlock()
	d.logger.Warn("restriction warning observed in probe output, entering restricted mode")
	d.fireActivate()
}

// Check probes the test URL and transitions the detector. With force set
// the rate limit is bypassed; a forced-on detector never transitions off
// except through Clear.
func (d *Detector) Check(ctx context.Context, force bool) (Status, error) {
	d.mu.Lock()
	if d.forced {
		d.mu.Unlock()
		return d.Snapshot(), nil
	}
	if !force && d.now().Sub(d.lastCheck) < d.opts.RecheckInterval {
		d.mu.Unlock()
		return d.Snapshot(), nil
	}
	d.lastCheck = d.now()
	d.mu.Unlock()

	restricted, err := d.probe(ctx)
	if err != nil {
		return d.Snapshot(), err
	}

	d.mu.Lock()
	activated := false
	switch {
	case restricted && !d.active:
		d.active = true
		d.since = d.now()
		activated = true
	case !restricted && d.active:
		d.active = false
		d.since = time.Time{}
		d.logger.Info("restriction check negative, returning to normal mode")
	}
	d.armed = false
	d.mu.Unlock()
	if activated {
		d.logger.Warn("restriction check positive, entering restricted mode")
		d.fireActivate()
	}
	return d.Snapshot(), nil
}

// probe decides restriction from a default-profile probe, confirmed by an
// alternate-profile control probe. Evidence is a structured warning match
// or a complete absence of directly fetchable streams; the control probe
// separates a selective restriction from a general outage.
func (d *Detector) probe(ctx context.Context) (bool, error) {
	info, err := d.port.Probe(ctx, d.opts.TestURL, extractor.ProbeOptions{Profile: extractor.ProfileDefault})
	if err != nil {
		return false, err
	}
	if matchWarnings(info.RawWarnings) {
		return true, nil
	}
	if countDirect(info) > 0 {
		return false, nil
	}
	control, err := d.port.Probe(ctx, d.opts.TestURL, extractor.ProbeOptions{Profile: extractor.ProfileAlternate})
	if err != nil {
		// Control failed too: can't separate restriction from outage,
		// keep the current state.
		d.logger.WithError(err).Warn("restriction control probe failed")
		return d.Active(), nil
	}
	if countDirect(control) > 0 {
		return true, nil
	}
	// Neither profile yields direct streams. That is an outage, not a
	// selective restriction.
	return false, nil
}

// ClampQuality maps a request onto the safe subset while restricted. The
// second return reports whether the request was changed.
func (d *Detector) ClampQuality(q domain.Quality) (domain.Quality, bool) {
	if !d.Active() {
		return q, false
	}
	if q.IsAudio() {
		if safeAudioProfiles[q.Profile] {
			return q, false
		}
		return domain.AudioQuality(domain.AudioStdMp3), true
	}
	if safeVideoTiers[q.Tier] {
		return q, false
	}
	return domain.VideoQuality(domain.Tier360p), true
}

// AllowedVideoTiers lists the tiers accepted while restricted.
func (d *Detector) AllowedVideoTiers() []domain.VideoTier {
	return []domain.VideoTier{domain.Tier360p}
}

// AllowedAudioProfiles lists the profiles accepted while restricted.
func (d *Detector) AllowedAudioProfiles() []domain.AudioProfile {
	return []domain.AudioProfile{domain.AudioStdMp3, domain.AudioHighM4a}
}

func matchWarnings(warnings []string) bool {
	for _, w := range warnings {
		lw := strings.ToLower(w)
		for _, pat := range warningPatterns {
			if strings.Contains(lw, pat) {
				return true
			}
		}
	}
	return false
}

func countDirect(info *domain.MediaInfo) int {
	n := 0
	for _, s := range info.Streams {
		if s.DirectURL {
			n++
		}
	}
	return n
}
