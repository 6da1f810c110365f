package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/veris-memory/veris-mcp-go/internal/logging"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(b.buf.Bytes()))
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) > 0 {
			lines = append(lines, sc.Text())
		}
	}
	return lines
}

func echoHandler() Handler {
	return HandlerFunc(func(ctx context.Context, req *Request) *Response {
		return NewResult(req.ResponseID(), map[string]any{"method": req.Method})
	})
}

func TestServeEchoesResponses(t *testing.T) {
	in := strings.NewReader(
		`{"jsonrpc":"2.0","id":1,"method":"initialize"}` + "\n" +
			`{"jsonrpc":"2.0","id":"two","method":"tools/list"}` + "\n")
	out := &syncBuffer{}
	tr := NewStdio(in, out, 4, logging.Noop())

	if err := tr.Serve(context.Background(), echoHandler()); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	lines := out.Lines()
	if len(lines) != 2 {
		t.Fatalf("got %d responses, want 2: %v", len(lines), lines)
	}

	ids := map[string]bool{}
	for _, line := range lines {
		var resp struct {
			JSONRPC string          `json:"jsonrpc"`
			ID      json.RawMessage `json:"id"`
		}
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			t.Fatalf("response is not valid JSON: %v", err)
		}
		if resp.JSONRPC != "2.0" {
			t.Errorf("jsonrpc = %q", resp.JSONRPC)
		}
		ids[string(resp.ID)] = true
	}
	if !ids["1"] || !ids[`"two"`] {
		t.Errorf("responses did not echo request ids: %v", ids)
	}
}

func TestServeParseErrorContinues(t *testing.T) {
	in := strings.NewReader(
		"this is not json\n" +
			`{"jsonrpc":"2.0","id":5,"method":"ping"}` + "\n")
	out := &syncBuffer{}
	tr := NewStdio(in, out, 1, logging.Noop())

	if err := tr.Serve(context.Background(), echoHandler()); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	lines := out.Lines()
	if len(lines) != 2 {
		t.Fatalf("got %d responses, want parse error + echo: %v", len(lines), lines)
	}

	var errResp Response
	if err := json.Unmarshal([]byte(lines[0]), &errResp); err != nil {
		t.Fatal(err)
	}
	if errResp.Error == nil || errResp.Error.Code != CodeParseError {
		t.Errorf("first response = %+v, want parse error", errResp)
	}
	if errResp.ID != SentinelID {
		t.Errorf("parse error id = %v, want sentinel", errResp.ID)
	}
}

func TestServeOversizedLineAnswersParseError(t *testing.T) {
	// Larger than the transport's internal read buffer so the discard path
	// has to resynchronize on the next newline.
	huge := strings.Repeat("x", 70*1024)
	in := strings.NewReader(
		huge + "\n" +
			`{"jsonrpc":"2.0","id":7,"method":"ping"}` + "\n")
	out := &syncBuffer{}
	tr := NewStdio(in, out, 1, logging.Noop())
	tr.maxLine = 256

	if err := tr.Serve(context.Background(), echoHandler()); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	lines := out.Lines()
	if len(lines) != 2 {
		t.Fatalf("got %d responses, want parse error + echo: %v", len(lines), lines)
	}

	var errResp Response
	if err := json.Unmarshal([]byte(lines[0]), &errResp); err != nil {
		t.Fatal(err)
	}
	if errResp.Error == nil || errResp.Error.Code != CodeParseError {
		t.Errorf("first response = %+v, want parse error", errResp)
	}

	var echo struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal([]byte(lines[1]), &echo); err != nil {
		t.Fatal(err)
	}
	if string(echo.ID) != "7" {
		t.Errorf("session did not continue past the oversized line: %v", lines)
	}
}

func TestServeNotificationNoReply(t *testing.T) {
	in := strings.NewReader(`{"jsonrpc":"2.0","method":"notifications/initialized"}` + "\n")
	out := &syncBuffer{}
	tr := NewStdio(in, out, 1, logging.Noop())

	var handled bool
	handler := HandlerFunc(func(ctx context.Context, req *Request) *Response {
		handled = true
		return nil
	})
	if err := tr.Serve(context.Background(), handler); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if !handled {
		t.Error("notification was not handed to the handler")
	}
	if lines := out.Lines(); len(lines) != 0 {
		t.Errorf("notification elicited a reply: %v", lines)
	}
}

func TestServeEmptyLinesSkipped(t *testing.T) {
	in := strings.NewReader("\n\n" + `{"jsonrpc":"2.0","id":1,"method":"x"}` + "\n\n")
	out := &syncBuffer{}
	tr := NewStdio(in, out, 1, logging.Noop())

	if err := tr.Serve(context.Background(), echoHandler()); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if lines := out.Lines(); len(lines) != 1 {
		t.Errorf("got %d responses, want 1", len(lines))
	}
}

func TestNotify(t *testing.T) {
	out := &syncBuffer{}
	tr := NewStdio(strings.NewReader(""), out, 1, logging.Noop())

	tr.Notify("notifications/log", LogParams{Level: "info", Message: "started"})

	lines := out.Lines()
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(lines))
	}
	var notif struct {
		Method string          `json:"method"`
		ID     json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal([]byte(lines[0]), &notif); err != nil {
		t.Fatal(err)
	}
	if notif.Method != "notifications/log" {
		t.Errorf("method = %q", notif.Method)
	}
	if len(notif.ID) != 0 {
		t.Errorf("notification carries an id: %s", notif.ID)
	}
}

func TestConcurrentWritesDoNotInterleave(t *testing.T) {
	var requests strings.Builder
	for i := 0; i < 50; i++ {
		requests.WriteString(`{"jsonrpc":"2.0","id":` + strings.Repeat("9", 1+i%3) + `,"method":"m"}` + "\n")
	}
	out := &syncBuffer{}
	tr := NewStdio(strings.NewReader(requests.String()), out, 8, logging.Noop())

	if err := tr.Serve(context.Background(), echoHandler()); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	for _, line := range out.Lines() {
		if !json.Valid([]byte(line)) {
			t.Fatalf("interleaved or corrupt output line: %q", line)
		}
	}
}
