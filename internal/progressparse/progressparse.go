// Package progressparse implements the Progress Parser (C4): a
// tolerant, stateful translator from copy-tool stdout lines into
// structured progress ticks and final stats (spec.md §4.4).
//
// There is no teacher precedent for this shape of line-oriented text
// parsing (syncthing has no subprocess stdout to parse), so this is
// built directly on the standard library: a handful of anchored
// regexps over single lines is exactly what regexp/bufio are for, and
// nothing in the example pack offers a parser-combinator or scanner
// library that would better fit three fixed, simple line shapes.
package progressparse

import (
	"regexp"
	"strconv"
	"strings"
)

// Tick is one parsed progress line.
type Tick struct {
	BytesTransferred int64
	Percent          int
	Speed            string // e.g. "1.23MB/s" without the "/s"
	ETA              string // "H:MM:SS"
	TransferIndex    int    // from "(xfr#N, ...)"; 0 if absent
	ToCheckRemaining int
	ToCheckTotal     int
}

// Stats is the parsed summary produced once the copy tool has
// finished listing files.
type Stats struct {
	FilesToConsider int
}

// ItemizeKind distinguishes sent ('>') from received/deleted ('<')
// itemize lines.
type ItemizeKind int

const (
	ItemizeSent ItemizeKind = iota
	ItemizeReceived
)

// Itemize is one per-file itemize line.
type Itemize struct {
	Kind ItemizeKind
	Path string
}

var (
	progressRe = regexp.MustCompile(`^\s*([\d,]+)\s+(\d{1,3})%\s+(\S+)/s\s+(\d+:\d{2}:\d{2})(?:\s+\(xfr#(\d+),\s+to-chk=(\d+)/(\d+)\))?\s*$`)
	fileListRe = regexp.MustCompile(`^(\d+)\s+files?\s+to\s+consider\s*$`)
)

// ParseLine recognizes a single copy-tool stdout line, returning the
// parsed Tick, or ok=false if the line doesn't match the progress
// shape. Unparseable lines are the caller's cue to try ParseItemize or
// discard the line; this parser never errors.
func ParseLine(line string) (Tick, bool) {
	m := progressRe.FindStringSubmatch(line)
	if m == nil {
		return Tick{}, false
	}
	bytes, err := strconv.ParseInt(strings.ReplaceAll(m[1], ",", ""), 10, 64)
	if err != nil {
		return Tick{}, false
	}
	pct, err := strconv.Atoi(m[2])
	if err != nil {
		return Tick{}, false
	}
	t := Tick{
		BytesTransferred: bytes,
		Percent:          pct,
		Speed:            m[3],
		ETA:              m[4],
	}
	if m[5] != "" {
		t.TransferIndex, _ = strconv.Atoi(m[5])
		t.ToCheckRemaining, _ = strconv.Atoi(m[6])
		t.ToCheckTotal, _ = strconv.Atoi(m[7])
	}
	return t, true
}

// ParseFileList recognizes the "<N> files to consider" line.
func ParseFileList(line string) (Stats, bool) {
	m := fileListRe.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return Stats{}, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return Stats{}, false
	}
	return Stats{FilesToConsider: n}, true
}

// ParseItemize recognizes a per-file itemize line, which starts with
// '>' (sent to destination) or '<' (received/deleted at source). The
// rest of the itemize code (e.g. "f+++++++++") is dropped, so Path is
// the file path that follows it.
func ParseItemize(line string) (Itemize, bool) {
	if len(line) < 2 {
		return Itemize{}, false
	}
	path := strings.TrimSpace(line[1:])
	if i := strings.IndexByte(path, ' '); i >= 0 {
		path = strings.TrimSpace(path[i+1:])
	}
	switch line[0] {
	case '>':
		return Itemize{Kind: ItemizeSent, Path: path}, true
	case '<':
		return Itemize{Kind: ItemizeReceived, Path: path}, true
	default:
		return Itemize{}, false
	}
}

// Parser is the stateful wrapper spec.md §4.4 describes: it tracks the
// current filename (set by the itemize lines preceding a progress
// run) and the most recently seen file-list total, so callers can
// enrich a bare Tick with the filename it belongs to.
type Parser struct {
	CurrentFile string
	TotalFiles  int
}

// ParseOutput feeds every line of a copy-tool's stdout through the
// parser, invoking onTick/onItemize/onStats for whichever shape each
// line matches. Unparseable lines are silently skipped, per spec.md
// §4.4 "the parser is tolerant".
func (p *Parser) ParseOutput(output string, onTick func(Tick, string), onItemize func(Itemize), onStats func(Stats)) {
	for _, line := range strings.Split(output, "\n") {
		if line == "" {
			continue
		}
		if stats, ok := ParseFileList(line); ok {
			p.TotalFiles = stats.FilesToConsider
			if onStats != nil {
				onStats(stats)
			}
			continue
		}
		if it, ok := ParseItemize(line); ok {
			p.CurrentFile = it.Path
			if onItemize != nil {
				onItemize(it)
			}
			continue
		}
		if tick, ok := ParseLine(line); ok {
			if onTick != nil {
				onTick(tick, p.CurrentFile)
			}
			continue
		}
		// Unrecognized line: ignored.
	}
}
