package progressparse

import "testing"

func TestParseLineBasic(t *testing.T) {
	tick, ok := ParseLine("     32,768  10%  512.00kB/s    0:00:12")
	if !ok {
		t.Fatal("expected line to parse")
	}
	if tick.BytesTransferred != 32768 || tick.Percent != 10 || tick.Speed != "512.00kB" || tick.ETA != "0:00:12" {
		t.Fatalf("unexpected tick: %+v", tick)
	}
}

func TestParseLineWithTransferSuffix(t *testing.T) {
	tick, ok := ParseLine("    100  100%  1.00MB/s    0:00:00 (xfr#3, to-chk=5/20)")
	if !ok {
		t.Fatal("expected line to parse")
	}
	if tick.TransferIndex != 3 || tick.ToCheckRemaining != 5 || tick.ToCheckTotal != 20 {
		t.Fatalf("unexpected tick: %+v", tick)
	}
}

func TestParseLineRejectsGarbage(t *testing.T) {
	if _, ok := ParseLine("not a progress line at all"); ok {
		t.Fatal("expected garbage line to be rejected")
	}
}

func TestParseFileList(t *testing.T) {
	stats, ok := ParseFileList("128 files to consider")
	if !ok || stats.FilesToConsider != 128 {
		t.Fatalf("unexpected stats: %+v ok=%v", stats, ok)
	}
	if _, ok := ParseFileList("this is not a file list line"); ok {
		t.Fatal("expected non-matching line to be rejected")
	}
}

func TestParseItemize(t *testing.T) {
	sent, ok := ParseItemize(">f+++++++++ newfile.txt")
	if !ok || sent.Kind != ItemizeSent || sent.Path != "newfile.txt" {
		t.Fatalf("unexpected itemize: %+v ok=%v", sent, ok)
	}
	recv, ok := ParseItemize("<f.st...... existing.txt")
	if !ok || recv.Kind != ItemizeReceived {
		t.Fatalf("unexpected itemize: %+v ok=%v", recv, ok)
	}
	if _, ok := ParseItemize("x"); ok {
		t.Fatal("expected short/unrecognized line to be rejected")
	}
}

func TestParserStatefulCurrentFile(t *testing.T) {
	p := &Parser{}
	var gotFile string
	var gotTicks int
	output := ">f+++++++++ a.txt\n" +
		"     32,768  50%  512.00kB/s    0:00:06\n" +
		"     65,536 100%  512.00kB/s    0:00:00 (xfr#1, to-chk=0/1)\n"
	p.ParseOutput(output, func(tick Tick, file string) {
		gotFile = file
		gotTicks++
	}, nil, nil)

	if gotTicks != 2 {
		t.Fatalf("expected 2 ticks, got %d", gotTicks)
	}
	if gotFile != "a.txt" {
		t.Fatalf("expected current file a.txt, got %q", gotFile)
	}
}

func TestParserIgnoresUnparseableLines(t *testing.T) {
	p := &Parser{}
	calls := 0
	p.ParseOutput("hello\nworld\nsending incremental file list\n", func(Tick, string) { calls++ }, nil, nil)
	if calls != 0 {
		t.Fatalf("expected no ticks from unparseable lines, got %d", calls)
	}
}
