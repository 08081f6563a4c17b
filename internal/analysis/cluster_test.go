package analysis

import (
	"strings"
	"testing"
	"time"

	"github.com/kiranshivaraju/pbsgestor/pkg/models"
)

// --- NormalizeLine tests ---

func TestNormalizeLine(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "strips leading accounting timestamp",
			input:    "01/01/2019 00:00:01;X;123.host;user=alice",
			expected: "x;n.host;user=alice",
		},
		{
			name:     "strips leading ISO datetime",
			input:    "2024-02-17T01:47:32.123Z garbage",
			expected: "garbage",
		},
		{
			name:     "masks array job ids",
			input:    "E;4711[12].pbs01;",
			expected: "e;n[n].pbsn;",
		},
		{
			name:     "masks numbers",
			input:    "Resource_List.ncpus=4 resources_used.walltime=00:10:00",
			expected: "resource_list.ncpus=n resources_used.walltime=n:n:n",
		},
		{
			name:     "replaces hex addresses",
			input:    "segfault at 0x7fff5fc00000 in main",
			expected: "segfault at addr in main",
		},
		{
			name:     "replaces UUIDs",
			input:    "request 550e8400-e29b-41d4-a716-446655440000 failed",
			expected: "request uuid failed",
		},
		{
			name:     "collapses whitespace",
			input:    "too   many \t  spaces",
			expected: "too many spaces",
		},
		{
			name:     "bad timestamp keeps its shape",
			input:    "13/45/2019 99:00:00;E;1.h;",
			expected: "e;n.h;",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeLine(tt.input)
			if got != tt.expected {
				t.Errorf("\nexpected: %q\ngot:      %q", tt.expected, got)
			}
		})
	}
}

func TestNormalizeLine_TruncatesTo500(t *testing.T) {
	got := NormalizeLine(strings.Repeat("a", 600))
	if len(got) > 500 {
		t.Errorf("expected max 500 chars, got %d", len(got))
	}
}

// --- Fingerprint tests ---

func TestFingerprint_SameShapeDifferentJobs(t *testing.T) {
	fp1 := Fingerprint("01/01/2019 00:00:01;X;123.host;user=alice")
	fp2 := Fingerprint("02/03/2020 10:20:30;X;98765.host;user=alice")
	if fp1 != fp2 {
		t.Errorf("same malformation on different jobs should share a fingerprint:\n  %s\n  %s", fp1, fp2)
	}
}

func TestFingerprint_DifferentShapes(t *testing.T) {
	fp1 := Fingerprint("01/01/2019 00:00:01;X;123.host;")
	fp2 := Fingerprint("truncated line")
	if fp1 == fp2 {
		t.Error("different lines should have different fingerprints")
	}
}

func TestFingerprint_IsLowercaseHex(t *testing.T) {
	fp := Fingerprint("test line")
	if len(fp) != 64 {
		t.Errorf("expected 64 char hex string, got %d chars: %s", len(fp), fp)
	}
	for _, c := range fp {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			t.Errorf("fingerprint contains non-lowercase-hex char: %c", c)
			break
		}
	}
}

// --- Cluster tests ---

func day(d int) time.Time {
	return time.Date(2019, 1, d, 0, 0, 0, 0, time.UTC)
}

func reject(file time.Time, kind, raw string) models.Reject {
	return models.Reject{File: file, Kind: kind, Raw: raw, Fingerprint: Fingerprint(raw)}
}

func TestCluster_BasicGrouping(t *testing.T) {
	rejects := []models.Reject{
		reject(day(1), "unknown_record_type", "01/01/2019 00:00:01;X;1.h;a=b"),
		reject(day(1), "unknown_record_type", "01/01/2019 00:00:02;X;2.h;a=b"),
		reject(day(2), "unknown_record_type", "01/02/2019 00:00:03;X;3.h;a=b"),
		reject(day(2), "malformed_line", "junk"),
	}

	clusters := Cluster(rejects)

	if len(clusters) != 2 {
		t.Fatalf("expected 2 clusters, got %d", len(clusters))
	}
	if clusters[0].Count != 3 {
		t.Errorf("expected first cluster count 3, got %d", clusters[0].Count)
	}
	if clusters[0].Kind != "unknown_record_type" {
		t.Errorf("expected kind unknown_record_type, got %q", clusters[0].Kind)
	}
	if clusters[1].Count != 1 {
		t.Errorf("expected second cluster count 1, got %d", clusters[1].Count)
	}
}

func TestCluster_FirstLastFile(t *testing.T) {
	rejects := []models.Reject{
		reject(day(5), "malformed_line", "junk"),
		reject(day(2), "malformed_line", "junk"),
		reject(day(9), "malformed_line", "junk"),
	}

	clusters := Cluster(rejects)
	if len(clusters) != 1 {
		t.Fatalf("expected 1 cluster, got %d", len(clusters))
	}
	if !clusters[0].FirstFile.Equal(day(2)) {
		t.Errorf("expected FirstFile %v, got %v", day(2), clusters[0].FirstFile)
	}
	if !clusters[0].LastFile.Equal(day(9)) {
		t.Errorf("expected LastFile %v, got %v", day(9), clusters[0].LastFile)
	}
}

func TestCluster_CountDescThenSeverityDesc(t *testing.T) {
	rejects := []models.Reject{
		reject(day(1), "unknown_record_type", "a;X;b"),
		reject(day(1), "unknown_record_type", "a;X;b"),
		reject(day(1), "malformed_line", "junk"),
		reject(day(1), "malformed_line", "junk"),
		reject(day(1), "bad_timestamp", "yesterday;E;1.h;"),
	}

	clusters := Cluster(rejects)

	if len(clusters) != 3 {
		t.Fatalf("expected 3 clusters, got %d", len(clusters))
	}
	if clusters[0].Count != 2 || clusters[0].Kind != "malformed_line" {
		t.Errorf("expected first: count=2 kind=malformed_line, got count=%d kind=%s", clusters[0].Count, clusters[0].Kind)
	}
	if clusters[1].Count != 2 || clusters[1].Kind != "unknown_record_type" {
		t.Errorf("expected second: count=2 kind=unknown_record_type, got count=%d kind=%s", clusters[1].Count, clusters[1].Kind)
	}
	if clusters[2].Count != 1 || clusters[2].Kind != "bad_timestamp" {
		t.Errorf("expected third: count=1 kind=bad_timestamp, got count=%d kind=%s", clusters[2].Count, clusters[2].Kind)
	}
}

func TestCluster_MissingFingerprintIsComputed(t *testing.T) {
	clusters := Cluster([]models.Reject{{File: day(1), Kind: "malformed_line", Raw: "junk"}})
	if clusters[0].Fingerprint != Fingerprint("junk") {
		t.Errorf("expected fingerprint to match Fingerprint() output")
	}
}

func TestCluster_EmptyInput(t *testing.T) {
	clusters := Cluster(nil)
	if clusters == nil {
		t.Fatal("expected non-nil empty slice, got nil")
	}
	if len(clusters) != 0 {
		t.Errorf("expected 0 clusters, got %d", len(clusters))
	}
}

func TestCluster_SampleTruncated(t *testing.T) {
	clusters := Cluster([]models.Reject{reject(day(1), "malformed_line", strings.Repeat("x", 3000))})
	if len(clusters[0].Sample) > 2000 {
		t.Errorf("Sample should be truncated to 2000 bytes, got %d", len(clusters[0].Sample))
	}
}

// --- KindSeverity tests ---

func TestKindSeverity(t *testing.T) {
	tests := []struct {
		kind     string
		expected int
	}{
		{"malformed_line", 3},
		{"bad_timestamp", 2},
		{"unknown_record_type", 1},
		{"other", 0},
	}

	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			got := KindSeverity(tt.kind)
			if got != tt.expected {
				t.Errorf("KindSeverity(%q) = %d, want %d", tt.kind, got, tt.expected)
			}
		})
	}
}
