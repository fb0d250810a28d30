package dispatch

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voxline/internal/outbound"
	"github.com/MrWong99/voxline/internal/resilience"
	"github.com/MrWong99/voxline/pkg/provider/llm"
	llmmock "github.com/MrWong99/voxline/pkg/provider/llm/mock"
)

func chunks(texts ...string) []llm.Chunk {
	out := make([]llm.Chunk, 0, len(texts)+1)
	for _, t := range texts {
		out = append(out, llm.Chunk{Text: t})
	}
	return append(out, llm.Chunk{FinishReason: "stop"})
}

// drain collects every sentence of r and fails the test if the reply does
// not end in time.
func drain(t *testing.T, r *Reply) []string {
	t.Helper()
	var out []string
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s, ok := <-r.Text():
			if !ok {
				return out
			}
			out = append(out, s)
		case <-deadline:
			t.Fatal("reply did not finish")
			return nil
		}
	}
}

func newDispatcher(t *testing.T, cfg Config) *Dispatcher {
	t.Helper()
	d, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

func TestNew_RequiresFast(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without fast provider")
	}
}

func TestReply_StreamsSpeakableSentences(t *testing.T) {
	t.Parallel()
	fast := &llmmock.Provider{StreamChunks: chunks("Hello **there**. How", " can I help?")}
	d := newDispatcher(t, Config{Fast: fast})

	r := d.Reply(context.Background(), Request{Utterance: "hi"})
	got := drain(t, r)
	want := []string{"Hello there.", "How can I help?"}
	if !slices.Equal(got, want) {
		t.Errorf("sentences = %q, want %q", got, want)
	}
	if err := r.Err(); err != nil {
		t.Errorf("Err() = %v, want nil", err)
	}
	if r.Path() != PathFast {
		t.Errorf("Path() = %v, want fast", r.Path())
	}
	if full := r.Full(); full != "Hello there. How can I help?" {
		t.Errorf("Full() = %q", full)
	}
}

func TestReply_DropsCodeBlocks(t *testing.T) {
	t.Parallel()
	fast := &llmmock.Provider{StreamChunks: chunks("Try this: ```go\nfmt.Println(1). x\n``` then", " run it.")}
	d := newDispatcher(t, Config{Fast: fast})

	got := drain(t, d.Reply(context.Background(), Request{Utterance: "code?"}))
	want := []string{"Try this: then run it."}
	if !slices.Equal(got, want) {
		t.Errorf("sentences = %q, want %q", got, want)
	}
}

func TestReply_RoutesKeywordsToSlowPath(t *testing.T) {
	t.Parallel()
	fast := &llmmock.Provider{StreamChunks: chunks("fast answer.")}
	slow := &llmmock.Provider{StreamChunks: chunks("Reminder set.")}
	d := newDispatcher(t, Config{
		Fast:   fast,
		Slow:   slow,
		Policy: NewKeywordPolicy([]string{"remind"}),
	})

	if p := d.Choose("please remind me"); p != PathSlow {
		t.Errorf("Choose = %v, want slow", p)
	}
	r := d.Reply(context.Background(), Request{Utterance: "please remind me"})
	got := drain(t, r)
	if r.Path() != PathSlow || !slices.Equal(got, []string{"Reminder set."}) {
		t.Errorf("path %v sentences %q, want slow [\"Reminder set.\"]", r.Path(), got)
	}
	if fast.StreamCallCount() != 0 {
		t.Errorf("fast path called %d times, want 0", fast.StreamCallCount())
	}

	r = d.Reply(context.Background(), Request{Utterance: "how are you"})
	drain(t, r)
	if r.Path() != PathFast {
		t.Errorf("Path() = %v, want fast", r.Path())
	}
}

func TestReply_OpenBreakerDegradesToFast(t *testing.T) {
	t.Parallel()
	fast := &llmmock.Provider{StreamChunks: chunks("Fast reply.")}
	slow := &llmmock.Provider{StreamErr: errors.New("gateway down")}
	d := newDispatcher(t, Config{
		Fast:    fast,
		Slow:    slow,
		Policy:  NewKeywordPolicy([]string{"email"}),
		Breaker: resilience.BreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})

	r := d.Reply(context.Background(), Request{Utterance: "send an email"})
	got := drain(t, r)
	if r.Err() != nil || !slices.Equal(got, []string{"Fast reply."}) {
		t.Fatalf("setup failure: sentences %q err %v, want the fast answer", got, r.Err())
	}
	if d.SlowState() != resilience.StateOpen {
		t.Fatalf("breaker state = %v, want open", d.SlowState())
	}

	if p := d.Choose("send an email"); p != PathFast {
		t.Errorf("Choose = %v, want fast while breaker open", p)
	}
	r = d.Reply(context.Background(), Request{Utterance: "send an email"})
	got = drain(t, r)
	if r.Path() != PathFast || r.Err() != nil {
		t.Errorf("path %v err %v, want fast with no error", r.Path(), r.Err())
	}
	if !slices.Equal(got, []string{"Fast reply."}) {
		t.Errorf("sentences = %q", got)
	}
	if slow.StreamCallCount() != 1 {
		t.Errorf("slow path called %d times, want 1", slow.StreamCallCount())
	}
	if fast.StreamCallCount() != 2 {
		t.Errorf("fast path called %d times, want 2", fast.StreamCallCount())
	}
}

func TestReply_SlowSetupFailureFallsBackOnce(t *testing.T) {
	t.Parallel()
	t.Run("setup failure", func(t *testing.T) {
		t.Parallel()
		fast := &llmmock.Provider{StreamChunks: chunks("I can't reach your calendar right now.")}
		slow := &llmmock.Provider{StreamErr: errors.New("dial gateway: connection refused")}
		d := newDispatcher(t, Config{Fast: fast, Slow: slow, Policy: NewKeywordPolicy([]string{"calendar"})})

		r := d.Reply(context.Background(), Request{Utterance: "check my calendar"})
		got := drain(t, r)
		if r.Err() != nil {
			t.Fatalf("Err() = %v, want the fast answer", r.Err())
		}
		if r.Path() != PathFast {
			t.Errorf("Path() = %v, want fast after fallback", r.Path())
		}
		if !slices.Equal(got, []string{"I can't reach your calendar right now."}) {
			t.Errorf("sentences = %q", got)
		}
		if slow.StreamCallCount() != 1 || fast.StreamCallCount() != 1 {
			t.Errorf("calls slow=%d fast=%d, want 1 each", slow.StreamCallCount(), fast.StreamCallCount())
		}
	})

	t.Run("fast fails too", func(t *testing.T) {
		t.Parallel()
		fast := &llmmock.Provider{StreamErr: errors.New("upstream 500")}
		slow := &llmmock.Provider{StreamErr: errors.New("gateway down")}
		d := newDispatcher(t, Config{Fast: fast, Slow: slow, Policy: NewKeywordPolicy([]string{"calendar"})})

		r := d.Reply(context.Background(), Request{Utterance: "check my calendar"})
		drain(t, r)
		if r.Err() == nil || !strings.Contains(r.Err().Error(), "upstream 500") {
			t.Errorf("Err() = %v, want the fast path error", r.Err())
		}
		if fast.StreamCallCount() != 1 {
			t.Errorf("fast path called %d times, want exactly one fallback", fast.StreamCallCount())
		}
	})

	t.Run("mid-stream failure is not retried", func(t *testing.T) {
		t.Parallel()
		fast := &llmmock.Provider{StreamChunks: chunks("fast answer.")}
		slow := &llmmock.Provider{StreamChunks: []llm.Chunk{
			{Text: "Checking now. "},
			{Text: "tool crashed", FinishReason: llm.FinishReasonError},
		}}
		d := newDispatcher(t, Config{Fast: fast, Slow: slow, Policy: NewKeywordPolicy([]string{"calendar"})})

		r := d.Reply(context.Background(), Request{Utterance: "check my calendar"})
		got := drain(t, r)
		if r.Err() == nil || r.Path() != PathSlow {
			t.Errorf("path %v err %v, want a slow path error", r.Path(), r.Err())
		}
		if !slices.Equal(got, []string{"Checking now."}) {
			t.Errorf("sentences = %q", got)
		}
		if fast.StreamCallCount() != 0 {
			t.Errorf("fast path called %d times after the slow stream started", fast.StreamCallCount())
		}
	})
}

func TestReply_Timeout(t *testing.T) {
	t.Parallel()
	fast := &llmmock.Provider{Hang: true}
	d := newDispatcher(t, Config{Fast: fast, Timeout: time.Hour})

	r := d.Reply(context.Background(), Request{Utterance: "hello", Timeout: 30 * time.Millisecond})
	if got := drain(t, r); len(got) != 0 {
		t.Errorf("sentences = %q, want none", got)
	}
	err := r.Err()
	if !errors.Is(err, ErrTurnTimeout) {
		t.Errorf("Err() = %v, want ErrTurnTimeout", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Err() = %v, should wrap context.DeadlineExceeded", err)
	}
}

func TestReply_Cancel(t *testing.T) {
	t.Parallel()
	fast := &llmmock.Provider{Hang: true}
	d := newDispatcher(t, Config{Fast: fast})

	ctx, cancel := context.WithCancel(context.Background())
	r := d.Reply(ctx, Request{Utterance: "hello"})
	cancel()
	drain(t, r)
	if !errors.Is(r.Err(), context.Canceled) {
		t.Errorf("Err() = %v, want context.Canceled", r.Err())
	}
}

func TestReply_CancelDoesNotTripSlowBreaker(t *testing.T) {
	t.Parallel()
	slow := &llmmock.Provider{Hang: true}
	d := newDispatcher(t, Config{
		Fast:    &llmmock.Provider{},
		Slow:    slow,
		Policy:  NewKeywordPolicy([]string{"search"}),
		Breaker: resilience.BreakerConfig{MaxFailures: 1},
	})

	ctx, cancel := context.WithCancel(context.Background())
	r := d.Reply(ctx, Request{Utterance: "search the web"})
	cancel()
	drain(t, r)
	if d.SlowState() != resilience.StateClosed {
		t.Errorf("breaker state = %v, want closed after cancellation", d.SlowState())
	}
}

func TestReply_StreamErrorChunk(t *testing.T) {
	t.Parallel()
	fast := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: "Partial answer. and"},
		{FinishReason: llm.FinishReasonError, Text: "connection reset"},
	}}
	d := newDispatcher(t, Config{Fast: fast})

	r := d.Reply(context.Background(), Request{Utterance: "hello"})
	got := drain(t, r)
	if !slices.Equal(got, []string{"Partial answer."}) {
		t.Errorf("sentences = %q", got)
	}
	if r.Err() == nil || !strings.Contains(r.Err().Error(), "connection reset") {
		t.Errorf("Err() = %v, want stream error", r.Err())
	}
}

func TestReply_EmptyReply(t *testing.T) {
	t.Parallel()
	fast := &llmmock.Provider{StreamChunks: chunks("```\nonly ", "code\n```")}
	d := newDispatcher(t, Config{Fast: fast})

	r := d.Reply(context.Background(), Request{Utterance: "hello"})
	drain(t, r)
	if !errors.Is(r.Err(), ErrEmptyReply) {
		t.Errorf("Err() = %v, want ErrEmptyReply", r.Err())
	}
}

func TestReply_RequestAssembly(t *testing.T) {
	t.Parallel()
	fast := &llmmock.Provider{StreamChunks: chunks("ok.")}
	d := newDispatcher(t, Config{Fast: fast, SystemPrompt: "Be brief.", HistoryTurns: 2})

	history := []llm.Message{
		{Role: llm.RoleUser, Content: "one"},
		{Role: llm.RoleAssistant, Content: "two"},
		{Role: llm.RoleUser, Content: "three"},
	}
	handoff := &outbound.Context{Topic: "dentist appointment"}
	drain(t, d.Reply(context.Background(), Request{
		Utterance:    "four",
		History:      history,
		PriorContext: "Previous calls:\n- Booked a table",
		Handoff:      handoff,
	}))

	reqs := fast.Requests()
	if len(reqs) != 1 {
		t.Fatalf("requests = %d, want 1", len(reqs))
	}
	req := reqs[0]
	for _, want := range []string{"Be brief.", "Previous calls:", "dentist appointment"} {
		if !strings.Contains(req.SystemPrompt, want) {
			t.Errorf("system prompt missing %q: %q", want, req.SystemPrompt)
		}
	}
	var contents []string
	for _, m := range req.Messages {
		contents = append(contents, m.Content)
	}
	if want := []string{"two", "three", "four"}; !slices.Equal(contents, want) {
		t.Errorf("messages = %q, want %q", contents, want)
	}
	if last := req.Messages[len(req.Messages)-1]; last.Role != llm.RoleUser {
		t.Errorf("last role = %q, want user", last.Role)
	}
}

func TestReply_HistoryOverride(t *testing.T) {
	t.Parallel()
	fast := &llmmock.Provider{StreamChunks: chunks("ok.")}
	d := newDispatcher(t, Config{Fast: fast})

	history := make([]llm.Message, 30)
	for i := range history {
		history[i] = llm.Message{Role: llm.RoleUser, Content: "x"}
	}
	drain(t, d.Reply(context.Background(), Request{Utterance: "y", History: history}))
	drain(t, d.Reply(context.Background(), Request{Utterance: "y", History: history, HistoryTurns: 5}))

	reqs := fast.Requests()
	if got := len(reqs[0].Messages); got != DefaultHistoryTurns+1 {
		t.Errorf("default cap: %d messages, want %d", got, DefaultHistoryTurns+1)
	}
	if got := len(reqs[1].Messages); got != 6 {
		t.Errorf("override cap: %d messages, want 6", got)
	}
}

func TestCompleteFast(t *testing.T) {
	t.Parallel()
	fast := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: `{"title":"x"}`}}
	d := newDispatcher(t, Config{Fast: fast})

	got, err := d.CompleteFast(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "summarize"}},
	})
	if err != nil {
		t.Fatalf("CompleteFast: %v", err)
	}
	if got != `{"title":"x"}` {
		t.Errorf("content = %q", got)
	}

	fast.CompleteErr = errors.New("boom")
	if _, err := d.CompleteFast(context.Background(), llm.CompletionRequest{}); err == nil {
		t.Error("expected error")
	}
}

func TestPathString(t *testing.T) {
	t.Parallel()
	if PathFast.String() != "fast" || PathSlow.String() != "slow" {
		t.Errorf("got %q, %q", PathFast, PathSlow)
	}
}
