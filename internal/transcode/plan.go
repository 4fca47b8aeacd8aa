package transcode

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	ManifestName = "manifest.mpd"

	initSegmentTemplate  = "init-stream$RepresentationID$.m4s"
	mediaSegmentTemplate = "chunk-stream$RepresentationID$-$Number%05d$.m4s"
	adaptationSets       = "id=0,streams=v id=1,streams=a"

	DefaultSegmentDuration = 4 * time.Second
	DefaultPreset          = "veryfast"
	DefaultFrameRate       = 30
	DefaultAudioBitrate    = "128k"
)

type PlanOptions struct {
	SegmentDuration time.Duration
	Preset          string
	// FrameRate sizes the GOP so keyframes land on segment boundaries.
	FrameRate    int
	AudioBitrate string
}

func (o PlanOptions) withDefaults() PlanOptions {
	if o.SegmentDuration <= 0 {
		o.SegmentDuration = DefaultSegmentDuration
	}
	if strings.TrimSpace(o.Preset) == "" {
		o.Preset = DefaultPreset
	}
	if o.FrameRate <= 0 {
		o.FrameRate = DefaultFrameRate
	}
	if strings.TrimSpace(o.AudioBitrate) == "" {
		o.AudioBitrate = DefaultAudioBitrate
	}
	return o
}

// Plan is a fully resolved encoder invocation.
type Plan struct {
	Args         []string
	Input        string
	OutputDir    string
	ManifestPath string
	Ladder       Ladder
}

// BuildPlan produces the argument vector for a multi-rung DASH encode of input
// into outputDir. The manifest and segment names are relative; the encoder is
// expected to run with outputDir as its working directory.
func BuildPlan(input, outputDir string, ladder Ladder, opts PlanOptions) (*Plan, error) {
	if strings.TrimSpace(input) == "" {
		return nil, fmt.Errorf("input source is required")
	}
	if !filepath.IsAbs(input) {
		return nil, fmt.Errorf("input path %q must be absolute", input)
	}
	if strings.TrimSpace(outputDir) == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	if err := ladder.Validate(); err != nil {
		return nil, err
	}
	absDir, err := filepath.Abs(outputDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		return nil, &IOError{Op: "create output dir", Err: err}
	}

	opts = opts.withDefaults()
	segmentSeconds := opts.SegmentDuration.Seconds()
	gop := strconv.Itoa(int(float64(opts.FrameRate) * segmentSeconds))

	args := []string{"-hide_banner", "-y", "-i", input}
	for range ladder {
		args = append(args, "-map", "0:v:0")
	}
	args = append(args, "-map", "0:a:0?")
	args = append(args,
		"-c:v", "libx264",
		"-preset", opts.Preset,
		"-sc_threshold", "0",
		"-keyint_min", gop,
		"-g", gop,
	)
	for i, rung := range ladder {
		idx := strconv.Itoa(i)
		args = append(args,
			"-filter:v:"+idx, fmt.Sprintf("scale=%d:%d", rung.Width, rung.Height),
			"-b:v:"+idx, fmt.Sprintf("%dk", rung.Bitrate),
			"-maxrate:v:"+idx, fmt.Sprintf("%dk", rung.Bitrate*107/100),
			"-bufsize:v:"+idx, fmt.Sprintf("%dk", rung.Bitrate*3/2),
		)
	}
	args = append(args,
		"-c:a", "aac",
		"-b:a", opts.AudioBitrate,
		"-ac", "2",
		"-f", "dash",
		"-seg_duration", strconv.FormatFloat(segmentSeconds, 'f', -1, 64),
		"-use_template", "1",
		"-use_timeline", "1",
		"-init_seg_name", initSegmentTemplate,
		"-media_seg_name", mediaSegmentTemplate,
		"-adaptation_sets", adaptationSets,
		ManifestName,
	)

	return &Plan{
		Args:         args,
		Input:        input,
		OutputDir:    absDir,
		ManifestPath: filepath.Join(absDir, ManifestName),
		Ladder:       ladder.clone(),
	}, nil
}
