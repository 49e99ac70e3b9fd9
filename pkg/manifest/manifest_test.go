package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// validSubmissionYAML returns a minimal valid manifest in YAML format.
func validSubmissionYAML() string {
	return `version: "1.0"
submitted_at: 2026-02-01T10:00:00Z
primary:
  name: study.zip
  size: 10
files:
  - path: /data/study.zip
    size: 10
`
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name        string
		content     string
		filename    string
		wantErr     bool
		errContains string
		validate    func(t *testing.T, s *Submission)
	}{
		{
			name:     "valid YAML manifest",
			content:  validSubmissionYAML(),
			filename: "submission.yaml",
			validate: func(t *testing.T, s *Submission) {
				assert.Equal(t, "1.0", s.Version)
				assert.Equal(t, "study.zip", s.Primary.Name)
				require.Len(t, s.Files, 1)
				assert.Equal(t, "/data/study.zip", s.Files[0].Path)
				assert.Equal(t, 2026, s.SubmittedAt.Year())
			},
		},
		{
			name: "valid JSON manifest",
			content: `{"version": "1.0", "job_id": "42", "submitted_at": "2026-02-01T10:00:00Z",
  "primary": {"name": "bundle.zip", "size": 3, "bundled": true},
  "files": [{"path": "a.dcm", "size": 1}, {"path": "b.dcm", "size": 2}]}`,
			filename: "submission.json",
			validate: func(t *testing.T, s *Submission) {
				assert.Equal(t, "42", s.JobID)
				assert.True(t, s.Primary.Bundled)
				assert.Len(t, s.Files, 2)
			},
		},
		{
			name:        "empty file",
			content:     "",
			filename:    "empty.yaml",
			wantErr:     true,
			errContains: "empty",
		},
		{
			name:        "invalid YAML syntax",
			content:     "version: [invalid yaml",
			filename:    "bad.yaml",
			wantErr:     true,
			errContains: "invalid YAML",
		},
		{
			name:        "invalid JSON syntax",
			content:     `{"version": "1.0"`,
			filename:    "bad.json",
			wantErr:     true,
			errContains: "invalid JSON",
		},
		{
			name: "wrong version",
			content: `version: "2.0"
submitted_at: 2026-02-01T10:00:00Z
primary: {name: a.dcm, size: 1}
files: [{path: a.dcm, size: 1}]
`,
			filename: "v2.yaml",
			wantErr:  true,
		},
		{
			name: "no files",
			content: `version: "1.0"
submitted_at: 2026-02-01T10:00:00Z
primary: {name: a.dcm, size: 1}
files: []
`,
			filename: "nofiles.yaml",
			wantErr:  true,
		},
		{
			name: "bundle with a single file",
			content: `version: "1.0"
submitted_at: 2026-02-01T10:00:00Z
primary: {name: bundle.zip, size: 1, bundled: true}
files: [{path: a.dcm, size: 1}]
`,
			filename:    "bundle1.yaml",
			wantErr:     true,
			errContains: "at least 2 files",
		},
		{
			name: "primary name differs from file",
			content: `version: "1.0"
submitted_at: 2026-02-01T10:00:00Z
primary: {name: other.dcm, size: 1}
files: [{path: /data/a.dcm, size: 1}]
`,
			filename:    "mismatch.yaml",
			wantErr:     true,
			errContains: "/primary/name",
		},
		{
			name: "malformed digest",
			content: `version: "1.0"
submitted_at: 2026-02-01T10:00:00Z
primary: {name: a.dcm, size: 1}
files: [{path: a.dcm, size: 1, sha256: NOTHEX}]
`,
			filename: "digest.yaml",
			wantErr:  true,
		},
		{
			name:     "unknown field rejected",
			content:  validSubmissionYAML() + "extra: true\n",
			filename: "extra.yaml",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.filename)
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0644))

			s, err := Load(path)
			if tt.wantErr {
				require.Error(t, err)
				if tt.errContains != "" {
					assert.Contains(t, err.Error(), tt.errContains)
				}
				return
			}
			require.NoError(t, err)
			if tt.validate != nil {
				tt.validate(t, s)
			}
		})
	}
}

func TestLoad_NotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestProblems_Unwrap(t *testing.T) {
	_, err := LoadFromBytes([]byte("version: \"1.0\"\n"), "partial.yaml")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidationFailed))
}

func TestValidate_PrimaryConsistency(t *testing.T) {
	at := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	two := []FileEntry{{Path: "/x/a.dcm", Size: 1}, {Path: "/x/b.dcm", Size: 2}}

	tests := []struct {
		name      string
		primary   PrimaryFile
		files     []FileEntry
		wantPaths []string
	}{
		{
			name:    "single file sent as-is",
			primary: PrimaryFile{Name: "a.dcm", Size: 1},
			files:   []FileEntry{{Path: `C:\scans\a.dcm`, Size: 1}},
		},
		{
			name:    "bundle of two",
			primary: PrimaryFile{Name: "bundle.zip", Size: 9, Bundled: true},
			files:   two,
		},
		{
			name:      "two files not bundled",
			primary:   PrimaryFile{Name: "a.dcm", Size: 1},
			files:     two,
			wantPaths: []string{"/primary/bundled"},
		},
		{
			name:      "bundle is not a zip",
			primary:   PrimaryFile{Name: "bundle.tar", Size: 9, Bundled: true},
			files:     two,
			wantPaths: []string{"/primary/name"},
		},
		{
			name:      "size and name mismatch",
			primary:   PrimaryFile{Name: "b.dcm", Size: 5},
			files:     []FileEntry{{Path: "/x/a.dcm", Size: 1}},
			wantPaths: []string{"/primary/name", "/primary/size"},
		},
		{
			name:      "primary name is a path",
			primary:   PrimaryFile{Name: "x/a.dcm", Size: 1},
			files:     []FileEntry{{Path: "x/a.dcm", Size: 1}},
			wantPaths: []string{"/primary/name", "/primary/name"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(&Submission{Version: DefaultVersion, SubmittedAt: at, Primary: tt.primary, Files: tt.files})
			if len(tt.wantPaths) == 0 {
				require.NoError(t, err)
				return
			}
			var ps Problems
			require.ErrorAs(t, err, &ps)
			assert.ErrorIs(t, err, ErrValidationFailed)
			got := make([]string, len(ps))
			for i, p := range ps {
				got[i] = p.Path
			}
			assert.Equal(t, tt.wantPaths, got)
		})
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	data := []byte("dicom bytes")
	s := &Submission{
		JobID:        "42",
		SubmittedAt:  time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
		Title:        "Head CT",
		PatientLabel: "P-001",
		Tags:         []string{"ct", "urgent"},
		Primary:      PrimaryFile{Name: "a.dcm", Size: int64(len(data))},
		Files:        []FileEntry{Entry("/data/a.dcm", data)},
	}

	path := filepath.Join(t.TempDir(), "jobs", "42", "submission.yaml")
	require.NoError(t, Save(path, s))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultVersion, got.Version)
	assert.Equal(t, "42", got.JobID)
	assert.True(t, s.SubmittedAt.Equal(got.SubmittedAt))
	assert.Equal(t, []string{"ct", "urgent"}, got.Tags)
	require.Len(t, got.Files, 1)
	assert.Equal(t, Digest(data), got.Files[0].SHA256)
	assert.Len(t, got.Files[0].SHA256, 64)
}

func TestSave_RejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "submission.yaml")
	err := Save(path, &Submission{SubmittedAt: time.Now()})
	require.Error(t, err)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}
