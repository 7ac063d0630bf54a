package memory

import (
	"regexp"
	"strings"
)

// Compressor reduces a hot payload to a warm summary. Implementations must
// preserve the identifiers a downstream phase is likely to reference: names,
// signatures, numeric constants.
type Compressor interface {
	Compress(payload string) string
}

var (
	declLine    = regexp.MustCompile(`^\s*(func|def|class|type|struct|interface|trait|impl|const|var|let|fn|module|package|import|from)\b`)
	headingLine = regexp.MustCompile(`^\s*#{1,6}\s`)
	constPair   = regexp.MustCompile(`\b\w+\s*[:=]\s*-?\d`)
	callLike    = regexp.MustCompile(`\w\(`)
)

// IdentifierCompressor is the default summarization strategy: it keeps
// declaration lines, headings, lines binding numeric constants, and lines
// containing call-or-signature shapes, and drops the prose between them.
type IdentifierCompressor struct{}

// Compress returns the identifier-bearing subset of the payload, or its
// head when no line qualifies.
func (IdentifierCompressor) Compress(payload string) string {
	var kept []string
	for _, line := range strings.Split(payload, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if declLine.MatchString(line) || headingLine.MatchString(line) ||
			constPair.MatchString(line) || callLike.MatchString(trimmed) {
			kept = append(kept, trimmed)
		}
	}
	if len(kept) == 0 {
		const head = 256
		if len(payload) <= head {
			return payload
		}
		return payload[:head]
	}
	return strings.Join(kept, "\n")
}

// TruncateCompressor keeps the first Limit bytes. Used where structural
// summarization is pointless, e.g. raw tool transcripts.
type TruncateCompressor struct {
	Limit int
}

func (c TruncateCompressor) Compress(payload string) string {
	if c.Limit <= 0 || len(payload) <= c.Limit {
		return payload
	}
	return payload[:c.Limit]
}
