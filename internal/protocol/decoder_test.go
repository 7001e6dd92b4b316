package protocol

import (
	"io"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func collect(t *testing.T, d *Decoder) []StreamEvent {
	t.Helper()
	var events []StreamEvent
	for {
		event, err := d.Next()
		if err == io.EOF {
			return events
		}
		if err != nil {
			t.Fatalf("Next returned error: %v", err)
		}
		events = append(events, event)
	}
}

func TestDecoderBasicStream(t *testing.T) {
	input := "data: {\"type\":\"token\",\"content\":\"Hello\"}\n" +
		"data: {\"type\":\"token\",\"content\":\" world\"}\n" +
		"data: {\"type\":\"done\"}\n"

	got := collect(t, NewDecoder(strings.NewReader(input)))
	want := []StreamEvent{
		{Type: EventToken, Content: "Hello"},
		{Type: EventToken, Content: " world"},
		{Type: EventDone},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

// A frame split across reads must still decode as exactly one event.
func TestDecoderSplitFrame(t *testing.T) {
	first := strings.NewReader("data: {\"ty")
	second := strings.NewReader("pe\":\"token\",\"content\":\"abc\"}\ndata: {\"type\":\"done\"}\n")

	got := collect(t, NewDecoder(io.MultiReader(first, second)))
	want := []StreamEvent{
		{Type: EventToken, Content: "abc"},
		{Type: EventDone},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestDecoderSkipsNoise(t *testing.T) {
	input := "\n" +
		": keep-alive comment\n" +
		"event: something\n" +
		"data: {\"type\":\"token\",\"content\":\"x\"}\n" +
		"data:\n" +
		"data: {\"type\":\"done\"}\n"

	got := collect(t, NewDecoder(strings.NewReader(input)))
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2: %v", len(got), got)
	}
	if got[0].Type != EventToken || got[0].Content != "x" {
		t.Errorf("unexpected first event: %+v", got[0])
	}
}

func TestDecoderDropsMalformedFrames(t *testing.T) {
	input := "data: {not json\n" +
		"data: {\"content\":\"no type\"}\n" +
		"data: {\"type\":\"token\",\"content\":\"ok\"}\n" +
		"data: {\"type\":\"done\"}\n"

	got := collect(t, NewDecoder(strings.NewReader(input)))
	want := []StreamEvent{
		{Type: EventToken, Content: "ok"},
		{Type: EventDone},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

// Nothing after done is surfaced, even if the backend keeps writing.
func TestDecoderSpentAfterDone(t *testing.T) {
	input := "data: {\"type\":\"done\"}\n" +
		"data: {\"type\":\"token\",\"content\":\"late\"}\n"

	d := NewDecoder(strings.NewReader(input))
	event, err := d.Next()
	if err != nil || event.Type != EventDone {
		t.Fatalf("first Next = %+v, %v; want done event", event, err)
	}
	if _, err := d.Next(); err != io.EOF {
		t.Errorf("Next after done = %v, want io.EOF", err)
	}
	if _, err := d.Next(); err != io.EOF {
		t.Errorf("repeated Next after done = %v, want io.EOF", err)
	}
}

func TestDecoderStreamEndWithoutDone(t *testing.T) {
	d := NewDecoder(strings.NewReader("data: {\"type\":\"token\",\"content\":\"partial\"}\n"))
	if _, err := d.Next(); err != nil {
		t.Fatalf("Next: %v", err)
	}
	if _, err := d.Next(); err != io.EOF {
		t.Errorf("Next at stream end = %v, want io.EOF", err)
	}
}

func TestParseToolStart(t *testing.T) {
	info := ParseToolStart(`{"name":"web_search","args":{"query":"golang generics"}}`)
	if info.Name != "web_search" || info.Args.Query != "golang generics" {
		t.Errorf("unexpected parse: %+v", info)
	}

	// Malformed payloads degrade to the zero value.
	if got := ParseToolStart("{{{"); got.Name != "" {
		t.Errorf("malformed payload parsed to %+v", got)
	}
}

func TestParseToolResult(t *testing.T) {
	payload := `{"status":"success","query":"q","results":[{"position":1,"title":"T","url":"http://u","snippet":"s"}]}`
	result := ParseToolResult(payload)
	if result.Status != "success" || len(result.Results) != 1 {
		t.Fatalf("unexpected parse: %+v", result)
	}
	if result.Results[0].Title != "T" || result.Results[0].Position != 1 {
		t.Errorf("unexpected result entry: %+v", result.Results[0])
	}
}

func TestParseTerminalPendingDefaultsWorkingDirectory(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantCmd string
		wantDir string
	}{
		{"full", `{"command":"ls -la","working_directory":"/tmp"}`, "ls -la", "/tmp"},
		{"missing dir", `{"command":"pwd"}`, "pwd", "."},
		{"malformed", `not json`, "", "."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseTerminalPending(tt.content)
			if got.Command != tt.wantCmd || got.WorkingDirectory != tt.wantDir {
				t.Errorf("got %+v, want command=%q dir=%q", got, tt.wantCmd, tt.wantDir)
			}
		})
	}
}
