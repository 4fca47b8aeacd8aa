package transcode

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultLadderIsValid(t *testing.T) {
	ladder := DefaultLadder()
	if err := ladder.Validate(); err != nil {
		t.Fatalf("default ladder invalid: %v", err)
	}
	if ladder[0].Height != 360 || ladder[len(ladder)-1].Height != 4320 {
		t.Fatalf("expected ladder from 360p to 4320p, got %v", ladder.Names())
	}
	bitrates := make(map[int]struct{})
	for _, rung := range ladder {
		bitrates[rung.Bitrate] = struct{}{}
	}
	if len(bitrates) != len(ladder) {
		t.Fatalf("expected distinct bitrates per rung")
	}
}

func TestLadderValidate(t *testing.T) {
	cases := []struct {
		name   string
		ladder Ladder
		errSub string
	}{
		{name: "empty", ladder: Ladder{}, errSub: "at least one"},
		{name: "missing name", ladder: Ladder{{Width: 2, Height: 2, Bitrate: 1}}, errSub: "name is required"},
		{name: "duplicate", ladder: Ladder{{Name: "a", Width: 2, Height: 2, Bitrate: 1}, {Name: "A", Width: 4, Height: 4, Bitrate: 2}}, errSub: "duplicate"},
		{name: "odd width", ladder: Ladder{{Name: "a", Width: 3, Height: 2, Bitrate: 1}}, errSub: "even"},
		{name: "zero height", ladder: Ladder{{Name: "a", Width: 2, Height: 0, Bitrate: 1}}, errSub: "positive"},
		{name: "zero bitrate", ladder: Ladder{{Name: "a", Width: 2, Height: 2}}, errSub: "bitrate"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			err := tc.ladder.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.errSub) {
				t.Fatalf("expected error containing %q, got %v", tc.errSub, err)
			}
		})
	}
}

func TestLoadLadderFormats(t *testing.T) {
	dir := t.TempDir()
	list := filepath.Join(dir, "list.yaml")
	if err := os.WriteFile(list, []byte(`
- name: 360p
  width: 640
  height: 360
  bitrate: 700
- name: 720p
  width: 1280
  height: 720
  bitrate: 2500
`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	ladder, err := LoadLadder(list)
	if err != nil {
		t.Fatalf("LoadLadder list: %v", err)
	}
	if len(ladder) != 2 || ladder[1].Bitrate != 2500 {
		t.Fatalf("unexpected ladder %+v", ladder)
	}

	mapping := filepath.Join(dir, "mapping.yaml")
	if err := os.WriteFile(mapping, []byte("rungs:\n  - {name: low, width: 320, height: 180, bitrate: 300}\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	ladder, err = LoadLadder(mapping)
	if err != nil {
		t.Fatalf("LoadLadder mapping: %v", err)
	}
	if len(ladder) != 1 || ladder[0].Name != "low" {
		t.Fatalf("unexpected ladder %+v", ladder)
	}

	if _, err := ParseLadder([]byte("rungs: []")); err == nil {
		t.Fatalf("expected empty ladder to be rejected")
	}
	if _, err := LoadLadder(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatalf("expected missing file error")
	}
}
