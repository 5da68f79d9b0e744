package transcribe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/deskbridge/deskbridge/pkg/core"
	"github.com/deskbridge/deskbridge/pkg/core/audio"
)

type fakeProvider struct {
	transcribe func(ctx context.Context, seg audio.Segment) (Transcript, error)
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Transcribe(ctx context.Context, seg audio.Segment) (Transcript, error) {
	return f.transcribe(ctx, seg)
}

func testSegment(sessionID string, speaker core.Role) audio.Segment {
	return audio.Segment{
		SessionID: sessionID,
		ConnID:    "conn-1",
		Speaker:   speaker,
		PCM:       make([]byte, 320),
		Duration:  10 * time.Millisecond,
		StartTS:   time.UnixMilli(1000),
		EndTS:     time.UnixMilli(1010),
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCoordinator_DeliversTranscriptToSink(t *testing.T) {
	results := make(chan Transcript, 1)
	provider := &fakeProvider{
		transcribe: func(ctx context.Context, seg audio.Segment) (Transcript, error) {
			return Transcript{Text: "hello there"}, nil
		},
	}
	c := NewCoordinator(Config{Workers: 1}, provider, func(tr Transcript) { results <- tr }, quietLogger())
	c.Start()
	defer c.Close()

	if !c.Submit(testSegment("sess-1", core.RoleCustomer)) {
		t.Fatal("submit = false, want true")
	}

	select {
	case tr := <-results:
		if tr.Text != "hello there" {
			t.Fatalf("text = %q, want %q", tr.Text, "hello there")
		}
		if tr.SessionID != "sess-1" {
			t.Fatalf("session = %q, want sess-1", tr.SessionID)
		}
		if tr.Speaker != core.RoleCustomer {
			t.Fatalf("speaker = %v, want customer", tr.Speaker)
		}
		if !tr.SegmentStart.Equal(time.UnixMilli(1000)) || !tr.SegmentEnd.Equal(time.UnixMilli(1010)) {
			t.Fatalf("segment window = %v..%v", tr.SegmentStart, tr.SegmentEnd)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no transcript delivered")
	}
}

func TestCoordinator_FailedSegmentNeverHaltsPipeline(t *testing.T) {
	var calls atomic.Int64
	results := make(chan Transcript, 4)
	provider := &fakeProvider{
		transcribe: func(ctx context.Context, seg audio.Segment) (Transcript, error) {
			if calls.Add(1) == 1 {
				return Transcript{}, errors.New("upstream 500")
			}
			return Transcript{Text: fmt.Sprintf("ok %d", calls.Load())}, nil
		},
	}
	c := NewCoordinator(Config{Workers: 1}, provider, func(tr Transcript) { results <- tr }, quietLogger())
	c.Start()
	defer c.Close()

	for i := 0; i < 3; i++ {
		if !c.Submit(testSegment("sess-1", core.RoleAgent)) {
			t.Fatalf("submit %d = false", i)
		}
	}

	var got []Transcript
	deadline := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case tr := <-results:
			got = append(got, tr)
		case <-deadline:
			t.Fatalf("delivered = %d, want 2 after one failure", len(got))
		}
	}
	if c.Failed() != 1 {
		t.Fatalf("failed = %d, want 1", c.Failed())
	}
}

func TestCoordinator_EmptyTranscriptSkipped(t *testing.T) {
	var delivered atomic.Int64
	provider := &fakeProvider{
		transcribe: func(ctx context.Context, seg audio.Segment) (Transcript, error) {
			return Transcript{Text: "   "}, nil
		},
	}
	c := NewCoordinator(Config{Workers: 1}, provider, func(Transcript) { delivered.Add(1) }, quietLogger())
	c.Start()

	c.Submit(testSegment("sess-1", core.RoleCustomer))
	c.Close()

	if delivered.Load() != 0 {
		t.Fatalf("delivered = %d, want 0 for blank text", delivered.Load())
	}
}

func TestCoordinator_QueueOverflowDropsWithoutBlocking(t *testing.T) {
	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(1)
	var once sync.Once
	provider := &fakeProvider{
		transcribe: func(ctx context.Context, seg audio.Segment) (Transcript, error) {
			once.Do(started.Done)
			<-release
			return Transcript{Text: "late"}, nil
		},
	}
	c := NewCoordinator(Config{Workers: 1, QueueSize: 2}, provider, nil, quietLogger())
	c.Start()

	// Fill the single worker, then the queue.
	c.Submit(testSegment("sess-1", core.RoleCustomer))
	started.Wait()
	c.Submit(testSegment("sess-1", core.RoleCustomer))
	c.Submit(testSegment("sess-1", core.RoleCustomer))

	submitDone := make(chan bool, 1)
	go func() { submitDone <- c.Submit(testSegment("sess-1", core.RoleCustomer)) }()
	select {
	case ok := <-submitDone:
		if ok {
			t.Fatal("submit into a full queue = true, want dropped")
		}
	case <-time.After(time.Second):
		t.Fatal("submit blocked on a full queue")
	}
	if c.Dropped() == 0 {
		t.Fatal("expected a drop to be counted")
	}

	close(release)
	c.Close()
}

func TestCoordinator_CallTimeoutCountsAsFailure(t *testing.T) {
	provider := &fakeProvider{
		transcribe: func(ctx context.Context, seg audio.Segment) (Transcript, error) {
			<-ctx.Done()
			return Transcript{}, ctx.Err()
		},
	}
	c := NewCoordinator(Config{Workers: 1, CallTimeout: 20 * time.Millisecond}, provider, nil, quietLogger())
	c.Start()

	c.Submit(testSegment("sess-1", core.RoleCustomer))
	c.Close()

	if c.Failed() != 1 {
		t.Fatalf("failed = %d, want 1", c.Failed())
	}
}

func TestCoordinator_SubmitAfterCloseReturnsFalse(t *testing.T) {
	provider := &fakeProvider{
		transcribe: func(ctx context.Context, seg audio.Segment) (Transcript, error) {
			return Transcript{Text: "x"}, nil
		},
	}
	c := NewCoordinator(Config{}, provider, nil, quietLogger())
	c.Start()
	c.Close()

	if c.Submit(testSegment("sess-1", core.RoleCustomer)) {
		t.Fatal("submit after close = true, want false")
	}
}

func TestHTTPProvider_Transcribe(t *testing.T) {
	var gotAuth, gotContentType string
	var gotWAV []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		file, _, err := r.FormFile("file")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer file.Close()
		gotWAV, _ = io.ReadAll(file)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"text":"when should naps stop"}`)
	}))
	defer srv.Close()

	p := NewHTTP(srv.URL, "key-123", 16000, srv.Client())
	tr, err := p.Transcribe(context.Background(), testSegment("sess-1", core.RoleCustomer))
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if tr.Text != "when should naps stop" {
		t.Fatalf("text = %q", tr.Text)
	}
	if gotAuth != "Bearer key-123" {
		t.Fatalf("auth header = %q", gotAuth)
	}
	if !strings.HasPrefix(gotContentType, "multipart/form-data") {
		t.Fatalf("content type = %q", gotContentType)
	}
	if len(gotWAV) != 44+320 {
		t.Fatalf("wav size = %d, want %d", len(gotWAV), 44+320)
	}
	if string(gotWAV[0:4]) != "RIFF" {
		t.Fatal("uploaded file is not WAV")
	}
}

func TestHTTPProvider_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewHTTP(srv.URL, "", 16000, srv.Client())
	_, err := p.Transcribe(context.Background(), testSegment("sess-1", core.RoleCustomer))
	if err == nil {
		t.Fatal("expected error for 503 response")
	}
	if !strings.Contains(err.Error(), "503") {
		t.Fatalf("error %q does not carry the status", err)
	}
}
