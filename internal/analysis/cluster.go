package analysis

import (
	"crypto/sha256"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/kiranshivaraju/pbsgestor/pkg/models"
)

// Normalization regexes compiled once at package init.
var (
	reAcctStamp  = regexp.MustCompile(`^\s*\d{1,2}/\d{1,2}/\d{2,4}\s+\d{1,2}:\d{2}:\d{2}\s*;?`)
	reDatetime   = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})?\s*`)
	reHexAddr    = regexp.MustCompile(`0x[0-9a-fA-F]+`)
	reUUID       = regexp.MustCompile(`(?i)[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
	reArrayIndex = regexp.MustCompile(`\[\d*\]`)
	reNumber     = regexp.MustCompile(`\d+`)
	reWhitespace = regexp.MustCompile(`\s+`)
)

const (
	maxNormalized = 500
	maxSample     = 2000
)

// Cluster groups rejected lines by fingerprint.
// Returns clusters sorted by (Count DESC, severity DESC, Fingerprint ASC).
// Returns empty slice for empty input (never nil).
func Cluster(rejects []models.Reject) []models.RejectCluster {
	if len(rejects) == 0 {
		return []models.RejectCluster{}
	}

	groups := make(map[string]*models.RejectCluster)
	for _, r := range rejects {
		fp := r.Fingerprint
		if fp == "" {
			fp = Fingerprint(r.Raw)
		}
		c, exists := groups[fp]
		if !exists {
			c = &models.RejectCluster{
				Fingerprint: fp,
				Kind:        r.Kind,
				FirstFile:   r.File,
				LastFile:    r.File,
				Sample:      truncateString(r.Raw, maxSample),
			}
			groups[fp] = c
		}

		c.Count++
		if r.File.Before(c.FirstFile) {
			c.FirstFile = r.File
		}
		if r.File.After(c.LastFile) {
			c.LastFile = r.File
		}
		if KindSeverity(r.Kind) > KindSeverity(c.Kind) {
			c.Kind = r.Kind
		}
	}

	clusters := make([]models.RejectCluster, 0, len(groups))
	for _, c := range groups {
		clusters = append(clusters, *c)
	}

	sort.Slice(clusters, func(i, j int) bool {
		if clusters[i].Count != clusters[j].Count {
			return clusters[i].Count > clusters[j].Count
		}
		if si, sj := KindSeverity(clusters[i].Kind), KindSeverity(clusters[j].Kind); si != sj {
			return si > sj
		}
		return clusters[i].Fingerprint < clusters[j].Fingerprint
	})

	return clusters
}

// Fingerprint computes a stable SHA-256 fingerprint for a rejected line.
func Fingerprint(line string) string {
	normalized := NormalizeLine(line)
	hash := sha256.Sum256([]byte(normalized))
	return fmt.Sprintf("%x", hash)
}

// NormalizeLine masks the parts of an accounting line that vary between
// otherwise identical malformations: the leading timestamp, job ids and
// every other number.
func NormalizeLine(line string) string {
	line = reAcctStamp.ReplaceAllString(line, "")
	line = reDatetime.ReplaceAllString(line, "")
	line = reHexAddr.ReplaceAllString(line, "ADDR")
	line = reUUID.ReplaceAllString(line, "UUID")
	line = reArrayIndex.ReplaceAllString(line, "[N]")
	line = reNumber.ReplaceAllString(line, "N")
	line = reWhitespace.ReplaceAllString(line, " ")
	line = strings.ToLower(line)
	line = strings.TrimSpace(line)
	line = truncateString(line, maxNormalized)
	return line
}

// KindSeverity ranks reject kinds; a line that is structurally broken
// outranks one that is merely of an unexpected type.
func KindSeverity(kind string) int {
	switch kind {
	case "malformed_line":
		return 3
	case "bad_timestamp":
		return 2
	case "unknown_record_type":
		return 1
	default:
		return 0
	}
}

// truncateString truncates s to maxBytes without splitting UTF-8 runes.
func truncateString(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}
