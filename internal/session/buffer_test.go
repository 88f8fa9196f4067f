package session

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/WynonnaSR/hypr-opaque-media/internal/metrics"
)

func linesAsStrings(lines [][]byte) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		out = append(out, string(line))
	}
	return out
}

func TestEventBufferKeepsTrailingPartialLine(t *testing.T) {
	buf := NewEventBuffer(4096, nil, nil)

	buf.Append([]byte("openwindow>>abc,1,mpv,Video\nwindowti"))
	got := linesAsStrings(buf.Lines())
	if diff := cmp.Diff([]string{"openwindow>>abc,1,mpv,Video"}, got); diff != "" {
		t.Fatalf("first read lines mismatch (-want +got):\n%s", diff)
	}
	if buf.Len() != len("windowti") {
		t.Fatalf("expected partial line to remain buffered, have %d bytes", buf.Len())
	}

	buf.Append([]byte("tle>>abc\n\n"))
	got = linesAsStrings(buf.Lines())
	if diff := cmp.Diff([]string{"windowtitle>>abc"}, got); diff != "" {
		t.Fatalf("second read lines mismatch (-want +got):\n%s", diff)
	}
	if buf.Len() != 0 {
		t.Fatalf("expected empty buffer, have %d bytes", buf.Len())
	}
}

func TestEventBufferLinesWithoutNewline(t *testing.T) {
	buf := NewEventBuffer(4096, nil, nil)
	buf.Append([]byte("workspace>>2"))
	if lines := buf.Lines(); lines != nil {
		t.Fatalf("expected no complete lines, got %q", linesAsStrings(lines))
	}
	if buf.Len() != len("workspace>>2") {
		t.Fatalf("unexpected buffered length %d", buf.Len())
	}
}

func TestEventBufferLinesSurviveLaterAppends(t *testing.T) {
	buf := NewEventBuffer(4096, nil, nil)
	buf.Append([]byte("urgent>>abc\npartial"))
	lines := buf.Lines()
	buf.Append([]byte("XXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXX\n"))
	if got := string(lines[0]); got != "urgent>>abc" {
		t.Fatalf("returned line was overwritten: %q", got)
	}
}

func TestEventBufferOverflowDiscardsEverything(t *testing.T) {
	sink := metrics.NewCollector(true)
	buf := NewEventBuffer(16, nil, sink)

	if !buf.Append([]byte("closewindow>>a\n")) {
		t.Fatalf("append within limit reported overflow")
	}
	if buf.Append([]byte("openwindow>>b,1,mpv,x\n")) {
		t.Fatalf("expected overflow to be reported")
	}
	if buf.Len() != 0 {
		t.Fatalf("expected buffer to be cleared, have %d bytes", buf.Len())
	}
	if lines := buf.Lines(); lines != nil {
		t.Fatalf("complete records must be dropped with the buffer, got %q", linesAsStrings(lines))
	}
	if got := sink.Count(metrics.BufferSizeExceeded); got != 1 {
		t.Fatalf("expected buffer_size_exceeded=1, got %d", got)
	}
	if buf.Overflows() != 1 {
		t.Fatalf("expected one recorded overflow, got %d", buf.Overflows())
	}

	buf.Append([]byte("urgent>>c\n"))
	if diff := cmp.Diff([]string{"urgent>>c"}, linesAsStrings(buf.Lines())); diff != "" {
		t.Fatalf("buffer did not recover after overflow (-want +got):\n%s", diff)
	}
}

func TestEventBufferOversizedSingleReadNeverExceedsLimit(t *testing.T) {
	buf := NewEventBuffer(8, nil, nil)
	for i := 0; i < 5; i++ {
		buf.Append([]byte("0123456789abcdef"))
		if buf.Len() > 8 {
			t.Fatalf("buffer grew past its limit: %d bytes", buf.Len())
		}
	}
	if buf.Overflows() != 5 {
		t.Fatalf("expected 5 overflows, got %d", buf.Overflows())
	}
}

func TestEventBufferSetLimitAndReset(t *testing.T) {
	buf := NewEventBuffer(4096, nil, nil)
	buf.Append([]byte("0123456789"))
	buf.SetLimit(4)
	if buf.Append([]byte("x")) {
		t.Fatalf("expected new limit to apply on next append")
	}
	buf.SetLimit(4096)
	buf.Append([]byte("abc"))
	buf.Reset()
	if buf.Len() != 0 {
		t.Fatalf("reset left %d bytes", buf.Len())
	}
}
