package testutil

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// TranscriptDataset represents the structure of runner/testdata/transcripts.json.
type TranscriptDataset struct {
	Transcripts []Transcript `json:"transcripts"`
}

// Transcript is one recorded supervisor run: what went in on stdin and the
// exact bytes expected on stdout.
type Transcript struct {
	Name       string `json:"name"`
	Engine     string `json:"engine"`
	Unbounded  bool   `json:"unbounded"`
	Input      string `json:"input"`
	Output     string `json:"output"`
	Iterations int    `json:"iterations"`
}

// LoadTranscripts loads the transcript dataset. The path is resolved
// relative to this source file: runner/internal/testutil/ → runner/testdata/.
func LoadTranscripts(t *testing.T) *TranscriptDataset {
	t.Helper()

	_, thisFile, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("Failed to get current file path")
	}
	path := filepath.Join(filepath.Dir(thisFile), "..", "..", "testdata", "transcripts.json")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read transcripts: %v", err)
	}

	var dataset TranscriptDataset
	if err := json.Unmarshal(data, &dataset); err != nil {
		t.Fatalf("Failed to parse transcripts: %v", err)
	}
	return &dataset
}

// ParseKind maps a Kind's String form back to the Kind.
func ParseKind(name string) (Kind, error) {
	for _, k := range []Kind{Echo, Slow, Crash, FailStart, Silent} {
		if k.String() == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown fake engine kind %q", name)
}
