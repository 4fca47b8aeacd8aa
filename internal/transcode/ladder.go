package transcode

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rung is one representation of the adaptive ladder. Bitrate is in kbit/s.
type Rung struct {
	Name    string `yaml:"name" json:"name"`
	Width   int    `yaml:"width" json:"width"`
	Height  int    `yaml:"height" json:"height"`
	Bitrate int    `yaml:"bitrate" json:"bitrate"`
}

type Ladder []Rung

// DefaultLadder spans 360p through 8K.
func DefaultLadder() Ladder {
	return Ladder{
		{Name: "360p", Width: 640, Height: 360, Bitrate: 800},
		{Name: "480p", Width: 854, Height: 480, Bitrate: 1400},
		{Name: "720p", Width: 1280, Height: 720, Bitrate: 2800},
		{Name: "1080p", Width: 1920, Height: 1080, Bitrate: 5000},
		{Name: "1440p", Width: 2560, Height: 1440, Bitrate: 9000},
		{Name: "2160p", Width: 3840, Height: 2160, Bitrate: 16000},
		{Name: "4320p", Width: 7680, Height: 4320, Bitrate: 45000},
	}
}

// Validate rejects ladders the encoder cannot honour. libx264 requires even
// dimensions for 4:2:0 output.
func (l Ladder) Validate() error {
	if len(l) == 0 {
		return errors.New("ladder must contain at least one rung")
	}
	seen := make(map[string]struct{}, len(l))
	for i, rung := range l {
		name := strings.TrimSpace(rung.Name)
		if name == "" {
			return fmt.Errorf("rung %d: name is required", i)
		}
		key := strings.ToLower(name)
		if _, ok := seen[key]; ok {
			return fmt.Errorf("rung %d: duplicate name %q", i, name)
		}
		seen[key] = struct{}{}
		if rung.Width <= 0 || rung.Height <= 0 {
			return fmt.Errorf("rung %q: dimensions must be positive", name)
		}
		if rung.Width%2 != 0 || rung.Height%2 != 0 {
			return fmt.Errorf("rung %q: dimensions must be even", name)
		}
		if rung.Bitrate <= 0 {
			return fmt.Errorf("rung %q: bitrate must be positive", name)
		}
	}
	return nil
}

// Names returns the rung names in ladder order.
func (l Ladder) Names() []string {
	names := make([]string, len(l))
	for i, rung := range l {
		names[i] = rung.Name
	}
	return names
}

func (l Ladder) clone() Ladder {
	out := make(Ladder, len(l))
	copy(out, l)
	return out
}

// LoadLadder reads a YAML ladder. The document may be a bare list of rungs or
// a mapping with a "rungs" key.
func LoadLadder(path string) (Ladder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ladder: %w", err)
	}
	return ParseLadder(data)
}

func ParseLadder(data []byte) (Ladder, error) {
	trimmed := bytes.TrimSpace(data)
	var ladder Ladder
	if bytes.HasPrefix(trimmed, []byte("-")) {
		if err := yaml.Unmarshal(trimmed, &ladder); err != nil {
			return nil, fmt.Errorf("parse ladder: %w", err)
		}
	} else {
		var doc struct {
			Rungs Ladder `yaml:"rungs"`
		}
		if err := yaml.Unmarshal(trimmed, &doc); err != nil {
			return nil, fmt.Errorf("parse ladder: %w", err)
		}
		ladder = doc.Rungs
	}
	if err := ladder.Validate(); err != nil {
		return nil, err
	}
	return ladder, nil
}
