package extractor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"fetchqueue/internal/domain"
)

// YtDlp invokes the yt-dlp binary as the extraction engine.
type YtDlp struct {
	binary  string
	logger  *logrus.Logger
	verbose bool
}

func NewYtDlp(binary string, logger *logrus.Logger, verbose bool) *YtDlp {
	if binary == "" {
		binary = "yt-dlp"
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &YtDlp{binary: binary, logger: logger, verbose: verbose}
}

var _ Port = (*YtDlp)(nil)

// probe JSON shapes, trimmed to the fields we consume.
type probeFormat struct {
	URL             string  `json:"url"`
	Height          int     `json:"height"`
	Width           int     `json:"width"`
	TBR             float64 `json:"tbr"`
	ABR             float64 `json:"abr"`
	VCodec          string  `json:"vcodec"`
	ACodec          string  `json:"acodec"`
	SignatureCipher string  `json:"signatureCipher"`
}

type probeEntry struct {
	ID         string        `json:"id"`
	Title      string        `json:"title"`
	Duration   float64       `json:"duration"`
	WebpageURL string        `json:"webpage_url"`
	Formats    []probeFormat `json:"formats"`
	Entries    []probeEntry  `json:"entries"`
}

func (y *YtDlp) Probe(ctx context.Context, url string, opts ProbeOptions) (*domain.MediaInfo, error) {
	args := []string{"-J", "--skip-download"}
	if opts.FlatPlaylist {
		args = append(args, "--flat-playlist")
	}
	switch opts.Profile {
	case ProfileAlternate:
		args = append(args, "--extractor-args", "youtube:player_client=tv")
	default:
		args = append(args, "--extractor-args", "youtube:player_client=android,ios,tv")
	}
	args = append(args, url)

	cmd := exec.CommandContext(ctx, y.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("probe %s: %w: %s", url, err, firstLine(stderr.String()))
	}

	var entry probeEntry
	if err := json.Unmarshal(stdout.Bytes(), &entry); err != nil {
		return nil, fmt.Errorf("parse probe output: %w", err)
	}

	info := entryToMediaInfo(entry, url)
	info.RawWarnings = collectWarnings(stderr.String())
	if y.verbose {
		for _, w := range info.RawWarnings {
			y.logger.WithField("url", url).Debugf("extractor warning: %s", w)
		}
	}
	return info, nil
}

func entryToMediaInfo(entry probeEntry, fallbackURL string) *domain.MediaInfo {
	info := &domain.MediaInfo{
		ID:              entry.ID,
		Title:           entry.Title,
		DurationSeconds: int(entry.Duration),
		SourceURL:       entry.WebpageURL,
	}
	if info.SourceURL == "" {
		info.SourceURL = fallbackURL
	}
	for _, f := range entry.Formats {
		bitrate := f.TBR
		if bitrate == 0 {
			bitrate = f.ABR
		}
		info.Streams = append(info.Streams, domain.StreamInfo{
			Height:    f.Height,
			Width:     f.Width,
			Bitrate:   bitrate,
			Codec:     pickCodec(f),
			HasVideo:  f.VCodec != "" && f.VCodec != "none",
			HasAudio:  f.ACodec != "" && f.ACodec != "none",
			DirectURL: strings.HasPrefix(f.URL, "https://") && f.SignatureCipher == "",
		})
	}
	for _, sub := range entry.Entries {
		if sub.ID == "" {
			continue
		}
		child := entryToMediaInfo(sub, "")
		if child.SourceURL == "" {
			child.SourceURL = "https://www.youtube.com/watch?v=" + sub.ID
		}
		info.Entries = append(info.Entries, *child)
	}
	return info
}

func pickCodec(f probeFormat) string {
	if f.VCodec != "" && f.VCodec != "none" {
		return f.VCodec
	}
	if f.ACodec != "" && f.ACodec != "none" {
		return f.ACodec
	}
	return ""
}

func collectWarnings(stderr string) []string {
	var warnings []string
	scanner := bufio.NewScanner(strings.NewReader(stderr))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if rest, ok := strings.CutPrefix(line, "WARNING:"); ok {
			warnings = append(warnings, strings.TrimSpace(rest))
		}
	}
	return warnings
}

func (y *YtDlp) Fetch(ctx context.Context, url string, req FormatRequest, outputDir string, progress ProgressFunc) (string, error) {
	args := []string{
		"--newline",
		"--no-playlist",
		"--retries", "5",
		"--fragment-retries", "5",
		"--socket-timeout", "10",
		"--extractor-args", "youtube:player_client=android,ios,tv",
		"-P", outputDir,
		"-o", "%(title)s.%(ext)s",
	}
	if req.Selector != "" {
		args = append(args, "-f", req.Selector)
	}
	if req.MergeContainer != "" {
		args = append(args, "--merge-output-format", req.MergeContainer)
	}
	if req.ExtractAudio {
		args = append(args, "-x")
		if req.AudioCodec != "" {
			args = append(args, "--audio-format", req.AudioCodec)
		}
		if req.AudioBitrate != "" {
			args = append(args, "--audio-quality", req.AudioBitrate)
		}
	}
	args = append(args, url)

	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(fetchCtx, y.binary, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start %s: %w", y.binary, err)
	}

	var artifact string
	cancelled := false

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if path, ok := parseDestination(line); ok {
			artifact = path
		}
		if y.verbose {
			y.logger.Debug(line)
		}
		p, ok := parseProgressLine(line)
		if !ok || progress == nil {
			continue
		}
		if cbErr := progress(p); cbErr != nil {
			cancelled = true
			cancel() // kills the subprocess
			break
		}
	}

	waitErr := cmd.Wait()
	if cancelled {
		return "", ErrCancelled
	}
	if ctx.Err() != nil {
		return "", ErrCancelled
	}
	if waitErr != nil {
		return "", fmt.Errorf("fetch %s: %w: %s", url, waitErr, firstLine(stderr.String()))
	}
	if artifact == "" {
		return "", fmt.Errorf("fetch %s: no output artifact reported", url)
	}
	return artifact, nil
}

// parseDestination recognizes the tool's output-path announcements.
func parseDestination(line string) (string, bool) {
	for _, prefix := range []string{"[download] Destination: ", "[ExtractAudio] Destination: "} {
		if rest, ok := strings.CutPrefix(line, prefix); ok {
			return strings.TrimSpace(rest), true
		}
	}
	if rest, ok := strings.CutPrefix(line, "[Merger] Merging formats into "); ok {
		return strings.Trim(strings.TrimSpace(rest), `"`), true
	}
	if rest, ok := strings.CutPrefix(line, "[download] "); ok {
		if trimmed, found := strings.CutSuffix(rest, " has already been downloaded"); found {
			return strings.TrimSpace(trimmed), true
		}
	}
	return "", false
}

// parseProgressLine parses "[download]  42.3% of 10.00MiB at 1.10MiB/s ETA 00:05".
func parseProgressLine(line string) (Progress, bool) {
	rest, ok := strings.CutPrefix(line, "[download] ")
	if !ok || !strings.Contains(rest, "%") {
		return Progress{}, false
	}
	fields := strings.Fields(rest)
	if len(fields) == 0 || !strings.HasSuffix(fields[0], "%") {
		return Progress{}, false
	}
	pct, err := strconv.ParseFloat(strings.TrimSuffix(fields[0], "%"), 64)
	if err != nil {
		return Progress{}, false
	}
	p := Progress{Percent: pct}
	for i, f := range fields {
		switch f {
		case "at":
			if i+1 < len(fields) {
				p.Speed = fields[i+1]
			}
		case "ETA":
			if i+1 < len(fields) {
				p.ETA = fields[i+1]
			}
		}
	}
	return p, true
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
