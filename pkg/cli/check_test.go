package cli

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tether/pkg/compatibility"
)

func writeSchema(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// colorFiles writes two baselines and a candidate. The candidate reads the
// newest baseline but not the oldest.
func colorFiles(t *testing.T) (candidate, v1, v2 string) {
	dir := t.TempDir()
	v1 = writeSchema(t, dir, "v1.json", `{"type":"string","title":"v1","enum":["a","c"]}`)
	v2 = writeSchema(t, dir, "v2.json", `{"type":"string","title":"v2","enum":["a"]}`)
	candidate = writeSchema(t, dir, "v3.json", `{"type":"string","title":"v3","enum":["a"]}`)
	return candidate, v1, v2
}

func TestRunCheck(t *testing.T) {
	candidate, v1, v2 := colorFiles(t)

	tests := []struct {
		name    string
		args    []string
		wantErr error
		output  string
	}{
		{
			name:   "backward checks the newest baseline",
			args:   []string{"--candidate", candidate, "--baseline", v1, "--baseline", v2, "--mode", "BACKWARD"},
			output: "COMPATIBLE",
		},
		{
			name:    "transitive reaches the oldest baseline",
			args:    []string{"--candidate", candidate, "--baseline", v1, "--baseline", v2, "--mode", "backward-transitive"},
			wantErr: ErrIncompatible,
			output:  "INCOMPATIBLE: ENUM_ARRAY_NARROWED (backward) against baseline 1",
		},
		{
			name:   "positional baselines",
			args:   []string{"--candidate", candidate, "--mode", "BACKWARD_TILL", "--till", "2", v1, v2},
			output: "COMPATIBLE",
		},
		{
			name:    "till bound includes the oldest",
			args:    []string{"--candidate", candidate, "--mode", "BACKWARD_TILL", "--till", "1", v1, v2},
			wantErr: ErrIncompatible,
			output:  "ENUM_ARRAY_NARROWED",
		},
		{
			name:    "deny all",
			args:    []string{"--candidate", candidate, "--mode", "DENY_ALL", v1},
			wantErr: ErrIncompatible,
			output:  "policy denies all changes",
		},
		{
			name:   "no baselines",
			args:   []string{"--candidate", candidate, "--mode", "FULL_TRANSITIVE"},
			output: "COMPATIBLE",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := captureStdout(t)
			err := runCheck(tt.args)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Contains(t, out.String(), tt.output)
		})
	}
}

func TestRunCheck_JSONOutput(t *testing.T) {
	candidate, v1, v2 := colorFiles(t)
	out := captureStdout(t)

	err := runCheck([]string{"--candidate", candidate, "--mode", "BACKWARD_TRANSITIVE", "--output", "json", v1, v2})
	require.ErrorIs(t, err, ErrIncompatible)

	var verdict compatibility.Verdict
	require.NoError(t, json.Unmarshal(out.Bytes(), &verdict))
	assert.False(t, verdict.Admitted)
	assert.Equal(t, compatibility.EnumArrayNarrowed, verdict.Reason)
	require.NotNil(t, verdict.FailingVersion)
	assert.Equal(t, 1, verdict.FailingVersion.Ordinal)
}

func TestRunCheck_Errors(t *testing.T) {
	candidate, v1, _ := colorFiles(t)
	captureStdout(t)

	tests := []struct {
		name string
		args []string
		msg  string
	}{
		{"missing candidate", []string{v1}, "--candidate is required"},
		{"unknown mode", []string{"--candidate", candidate, "--mode", "sideways"}, "invalid compatibility mode"},
		{"unknown format", []string{"--candidate", candidate, "--format", "xml"}, "unknown serialization format"},
		{"till mode without bound", []string{"--candidate", candidate, "--mode", "FORWARD_TILL", v1}, "till"},
		{"till beyond baselines", []string{"--candidate", candidate, "--mode", "FORWARD_TILL", "--till", "3", v1}, "beyond"},
		{"missing file", []string{"--candidate", candidate, filepath.Join(t.TempDir(), "nope.json")}, "nope.json"},
		{"unknown output", []string{"--candidate", candidate, "--output", "yaml"}, "unknown output format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := runCheck(tt.args)
			require.Error(t, err)
			assert.NotErrorIs(t, err, ErrIncompatible)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestRunCheck_MalformedCandidate(t *testing.T) {
	dir := t.TempDir()
	base := writeSchema(t, dir, "base.json", `{"type":"string"}`)
	candidate := writeSchema(t, dir, "candidate.json", `{"type":`)

	err := runCheck([]string{"--candidate", candidate, base})
	assert.ErrorIs(t, err, compatibility.ErrMalformedSchema)
}

func TestWatchFiles(t *testing.T) {
	dir := t.TempDir()
	path := writeSchema(t, dir, "watched.json", `{"type":"string"}`)
	writeSchema(t, dir, "ignored.json", `{"type":"string"}`)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	ctx, cancel := context.WithCancel(context.Background())
	runs := make(chan struct{}, 16)
	done := make(chan error, 1)
	go func() {
		done <- watchFiles(ctx, logger, []string{path}, 20*time.Millisecond, func() { runs <- struct{}{} })
	}()

	select {
	case <-runs:
	case <-time.After(5 * time.Second):
		t.Fatal("initial run did not happen")
	}

	writeSchema(t, dir, "ignored.json", `{"type":"integer"}`)
	writeSchema(t, dir, "watched.json", `{"type":"integer"}`)
	select {
	case <-runs:
	case <-time.After(5 * time.Second):
		t.Fatal("change did not trigger a run")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
