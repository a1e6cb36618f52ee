package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/parley-voice/parley/internal/notify"
	"github.com/parley-voice/parley/internal/storage"
	"github.com/parley-voice/parley/internal/usage"
)

type fakeAccountant struct {
	mu     sync.Mutex
	calls  []usage.TrackRequest
	result *usage.Result
	err    error
	hook   func()
}

func (f *fakeAccountant) Track(_ context.Context, req usage.TrackRequest) (*usage.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	hook := f.hook
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return f.result, f.err
}

type fakeAuditor struct {
	mu     sync.Mutex
	events []storage.AuditEvent
}

func (f *fakeAuditor) Record(ev storage.AuditEvent) {
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
}

type channelState struct {
	mu      sync.Mutex
	present bool
	open    bool
}

func (c *channelState) probe() (bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.present, c.open
}

func (c *channelState) set(present, open bool) {
	c.mu.Lock()
	c.present, c.open = present, open
	c.mu.Unlock()
}

func newTestRouter(t *testing.T, opts ...Option) (*Router, *notify.Recorder, *channelState) {
	t.Helper()
	gate := NewGate(zap.NewNop())
	ch := &channelState{present: true, open: true}
	gate.SetChannelProbe(ch.probe)
	gate.MarkConnected()

	rec := &notify.Recorder{}
	r := New(gate, rec, append([]Option{WithLogger(zap.NewNop())}, opts...)...)
	r.SetSession("sess_test")
	t.Cleanup(r.Close)
	return r, rec, ch
}

func send(t *testing.T, r *Router, frame map[string]any) {
	t.Helper()
	raw, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	r.HandleMessage(raw)
}

func messages(rec *notify.Recorder) []notify.Message {
	var out []notify.Message
	for _, n := range rec.OfType(notify.TypeMessage) {
		out = append(out, *n.Message)
	}
	return out
}

func speakingValues(rec *notify.Recorder) []bool {
	var out []bool
	for _, n := range rec.OfType(notify.TypeSpeaking) {
		out = append(out, *n.Speaking)
	}
	return out
}

func scenarioResult() *usage.Result {
	return &usage.Result{
		Model:       usage.ModelRealtime,
		Costs:       usage.Costs{InputCost: 500, OutputCost: 1000, TotalCost: 1500},
		Accumulated: usage.Accumulated{TotalCost: 1500, Responses: 1},
	}
}

func TestUserSpeechAccumulatesAndFinalizes(t *testing.T) {
	r, rec, _ := newTestRouter(t)

	send(t, r, map[string]any{"type": "conversation.item.input_audio_transcription.delta", "delta": "hel"})
	send(t, r, map[string]any{"type": "conversation.item.input_audio_transcription.delta", "delta": "lo "})
	if got := r.Gate().Snapshot().User; got != "hello " {
		t.Fatalf("expected accumulated %q, got %q", "hello ", got)
	}

	send(t, r, map[string]any{"type": "conversation.item.input_audio_transcription.completed"})

	msgs := messages(rec)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].Speaker != notify.SpeakerUser || msgs[0].Text != "hello" {
		t.Fatalf("unexpected message %+v", msgs[0])
	}
	if r.Gate().Snapshot().User != "" {
		t.Fatal("expected user accumulator cleared")
	}
}

func TestUserSpeechExplicitFinalWins(t *testing.T) {
	r, rec, _ := newTestRouter(t)

	send(t, r, map[string]any{"type": "conversation.item.input_audio_transcription.delta", "delta": "helo"})
	send(t, r, map[string]any{"type": "conversation.item.input_audio_transcription.completed", "transcript": "Hello there."})

	msgs := messages(rec)
	if len(msgs) != 1 || msgs[0].Text != "Hello there." {
		t.Fatalf("unexpected messages %+v", msgs)
	}
}

func TestWhitespaceFinalEmitsNothing(t *testing.T) {
	r, rec, _ := newTestRouter(t)

	send(t, r, map[string]any{"type": "conversation.item.input_audio_transcription.delta", "delta": "   "})
	send(t, r, map[string]any{"type": "conversation.item.input_audio_transcription.completed", "transcript": "  \n "})
	send(t, r, map[string]any{"type": "response.audio_transcript.done", "transcript": " "})

	if len(rec.All()) != 0 {
		t.Fatalf("expected no notifications, got %+v", rec.All())
	}
}

func TestBufferCommittedClearsStaleUserText(t *testing.T) {
	r, rec, _ := newTestRouter(t)

	send(t, r, map[string]any{"type": "conversation.item.input_audio_transcription.delta", "delta": "stale"})
	send(t, r, map[string]any{"type": "input_audio_buffer.committed", "item_id": "it_2"})
	send(t, r, map[string]any{"type": "conversation.item.input_audio_transcription.delta", "delta": "fresh"})
	send(t, r, map[string]any{"type": "conversation.item.input_audio_transcription.completed"})

	msgs := messages(rec)
	if len(msgs) != 1 || msgs[0].Text != "fresh" {
		t.Fatalf("unexpected messages %+v", msgs)
	}
}

func TestAssistantTurnLifecycle(t *testing.T) {
	acct := &fakeAccountant{result: scenarioResult()}
	r, rec, _ := newTestRouter(t, WithAccountant(acct))

	send(t, r, map[string]any{"type": "conversation.item.created", "item": map[string]any{"id": "it_1", "type": "message", "role": "assistant"}})
	if !r.Gate().Speaking() {
		t.Fatal("expected speaking after assistant item created")
	}
	send(t, r, map[string]any{"type": "response.audio_transcript.delta", "delta": "Hi "})
	send(t, r, map[string]any{"type": "response.audio_transcript.delta", "delta": "there"})
	send(t, r, map[string]any{"type": "response.audio_transcript.done"})

	msgs := messages(rec)
	if len(msgs) != 1 || msgs[0].Speaker != notify.SpeakerAssistant || msgs[0].Text != "Hi there" {
		t.Fatalf("unexpected messages %+v", msgs)
	}
	if snap := r.Gate().Snapshot(); snap.AI != "Hi there" || snap.LastAIMessage == nil {
		t.Fatalf("accumulator should survive transcript.done, got %+v", snap)
	}

	send(t, r, map[string]any{
		"type": "response.done",
		"response": map[string]any{
			"id":    "resp_1",
			"model": usage.ModelRealtime,
			"usage": map[string]any{"input_tokens": 1000, "output_tokens": 500},
		},
	})

	if got := speakingValues(rec); len(got) != 2 || got[0] != true || got[1] != false {
		t.Fatalf("expected speaking true then false, got %v", got)
	}
	withUsage := rec.OfType(notify.TypeMessageWithUsage)
	if len(withUsage) != 1 || withUsage[0].Message.Text != "Hi there" || withUsage[0].Usage.Costs.TotalCost != 1500 {
		t.Fatalf("unexpected message-with-usage %+v", withUsage)
	}
	if len(rec.OfType(notify.TypeUsageTracked)) != 1 {
		t.Fatal("expected one usage-tracked notification")
	}
	if len(messages(rec)) != 1 {
		t.Fatal("expected exactly one message for the assistant turn")
	}
	if len(acct.calls) != 1 || acct.calls[0].ResponseID != "resp_1" || acct.calls[0].Model != usage.ModelRealtime {
		t.Fatalf("unexpected accounting calls %+v", acct.calls)
	}
	if snap := r.Gate().Snapshot(); snap.AI != "" || snap.LastAIMessage != nil || snap.Speaking {
		t.Fatalf("expected turn cleared after response.done, got %+v", snap)
	}
}

func TestAssistantFinalTranscriptWins(t *testing.T) {
	r, rec, _ := newTestRouter(t)

	send(t, r, map[string]any{"type": "conversation.item.created", "item": map[string]any{"type": "message", "role": "assistant"}})
	send(t, r, map[string]any{"type": "response.audio_transcript.delta", "delta": "Hel"})
	send(t, r, map[string]any{"type": "response.audio_transcript.delta", "delta": "lo"})
	if snap := r.Gate().Snapshot(); snap.AI != "Hello" {
		t.Fatalf("expected deltas accumulated, got %q", snap.AI)
	}
	send(t, r, map[string]any{"type": "response.audio_transcript.done", "transcript": "Hello there"})

	msgs := messages(rec)
	if len(msgs) != 1 || msgs[0].Speaker != notify.SpeakerAssistant || msgs[0].Text != "Hello there" {
		t.Fatalf("expected the final transcript over the deltas, got %+v", msgs)
	}
	if snap := r.Gate().Snapshot(); snap.LastAIMessage == nil || snap.LastAIMessage.Text != "Hello there" {
		t.Fatalf("pending message should carry the final transcript, got %+v", snap.LastAIMessage)
	}
}

func TestForceBlockSuppressesEverything(t *testing.T) {
	r, rec, _ := newTestRouter(t)

	send(t, r, map[string]any{"type": "response.audio_transcript.delta", "delta": "partial"})
	r.Gate().Block()

	send(t, r, map[string]any{"type": "conversation.item.created", "item": map[string]any{"type": "message", "role": "assistant"}})
	send(t, r, map[string]any{"type": "response.audio_transcript.delta", "delta": " more"})
	send(t, r, map[string]any{"type": "response.audio_transcript.done", "transcript": "final"})
	send(t, r, map[string]any{"type": "response.done", "response": map[string]any{"id": "r"}})
	send(t, r, map[string]any{"type": "error", "error": map[string]any{"message": "late"}})

	if len(rec.All()) != 0 {
		t.Fatalf("expected no notifications after block, got %+v", rec.All())
	}
	if snap := r.Gate().Snapshot(); snap.AI != "partial" || snap.Speaking {
		t.Fatalf("state mutated while blocked: %+v", snap)
	}
}

func TestPreParseGateRejectsClosedChannel(t *testing.T) {
	r, rec, ch := newTestRouter(t)

	ch.set(true, false)
	send(t, r, map[string]any{"type": "conversation.item.input_audio_transcription.completed", "transcript": "hi"})
	ch.set(false, false)
	send(t, r, map[string]any{"type": "conversation.item.input_audio_transcription.completed", "transcript": "hi"})

	if len(rec.All()) != 0 {
		t.Fatalf("expected rejection, got %+v", rec.All())
	}

	reasons := r.Gate().BlockReasons(true)
	if len(reasons) != 1 || reasons[0] != ReasonChannelMissing {
		t.Fatalf("unexpected reasons %v", reasons)
	}
}

func TestNotConnectedRejects(t *testing.T) {
	gate := NewGate(nil)
	gate.SetChannelProbe(func() (bool, bool) { return true, true })
	rec := &notify.Recorder{}
	r := New(gate, rec)

	r.HandleMessage([]byte(`{"type":"conversation.item.input_audio_transcription.completed","transcript":"hi"}`))
	if len(rec.All()) != 0 {
		t.Fatal("expected rejection before MarkConnected")
	}
}

func TestParseFailureIsIsolated(t *testing.T) {
	r, rec, _ := newTestRouter(t)

	r.HandleMessage([]byte(`{"type":`))
	r.HandleMessage([]byte(`{"no_type":true}`))
	send(t, r, map[string]any{"type": "conversation.item.input_audio_transcription.completed", "transcript": "still works"})

	msgs := messages(rec)
	if len(msgs) != 1 || msgs[0].Text != "still works" {
		t.Fatalf("unexpected messages %+v", msgs)
	}
}

func TestDuplicateEventIDsAreDropped(t *testing.T) {
	r, rec, _ := newTestRouter(t)

	frame := map[string]any{"type": "conversation.item.input_audio_transcription.completed", "event_id": "ev_1", "transcript": "once"}
	send(t, r, frame)
	send(t, r, frame)

	if len(messages(rec)) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages(rec)))
	}

	r.SetSession("sess_next")
	send(t, r, frame)
	if len(messages(rec)) != 2 {
		t.Fatal("expected event id to be accepted in a new session")
	}
}

func TestAccountingFailureDoesNotBlockTurn(t *testing.T) {
	acct := &fakeAccountant{err: errors.New("pricing store down")}
	r, rec, _ := newTestRouter(t, WithAccountant(acct))

	send(t, r, map[string]any{"type": "conversation.item.created", "item": map[string]any{"type": "message", "role": "assistant"}})
	send(t, r, map[string]any{"type": "response.audio_transcript.done", "transcript": "answer"})
	send(t, r, map[string]any{"type": "response.done", "response": map[string]any{"id": "r1", "usage": map[string]any{"input_tokens": 1}}})

	if got := speakingValues(rec); len(got) != 2 || got[1] != false {
		t.Fatalf("expected speaking=false despite accounting failure, got %v", got)
	}
	if len(rec.OfType(notify.TypeUsageTracked)) != 0 {
		t.Fatal("expected no usage notification without a result")
	}

	send(t, r, map[string]any{"type": "conversation.item.input_audio_transcription.completed", "transcript": "next"})
	if len(messages(rec)) != 2 {
		t.Fatal("expected subsequent events to be processed")
	}
}

func TestBlockDuringAccountingSuppressesUsageNotifications(t *testing.T) {
	acct := &fakeAccountant{result: scenarioResult()}
	r, rec, _ := newTestRouter(t, WithAccountant(acct))
	acct.hook = r.Gate().Block

	send(t, r, map[string]any{"type": "conversation.item.created", "item": map[string]any{"type": "message", "role": "assistant"}})
	send(t, r, map[string]any{"type": "response.audio_transcript.done", "transcript": "answer"})
	send(t, r, map[string]any{"type": "response.done", "response": map[string]any{"id": "r1", "usage": map[string]any{"input_tokens": 1}}})

	if len(rec.OfType(notify.TypeMessageWithUsage)) != 0 || len(rec.OfType(notify.TypeUsageTracked)) != 0 {
		t.Fatalf("expected usage notifications suppressed after block, got %+v", rec.All())
	}
}

func TestNewTurnDuringAccountingIsNotCleared(t *testing.T) {
	acct := &fakeAccountant{result: scenarioResult()}
	r, _, _ := newTestRouter(t, WithAccountant(acct))
	acct.hook = func() {
		send(t, r, map[string]any{"type": "conversation.item.created", "item": map[string]any{"type": "message", "role": "assistant"}})
		send(t, r, map[string]any{"type": "response.audio_transcript.delta", "delta": "second"})
	}

	send(t, r, map[string]any{"type": "conversation.item.created", "item": map[string]any{"type": "message", "role": "assistant"}})
	send(t, r, map[string]any{"type": "response.audio_transcript.done", "transcript": "first"})
	send(t, r, map[string]any{"type": "response.done", "response": map[string]any{"id": "r1", "usage": map[string]any{"input_tokens": 1}}})

	if got := r.Gate().Snapshot().AI; got != "second" {
		t.Fatalf("expected newer turn preserved, got %q", got)
	}
}

func TestPendingResponseTimeoutReleasesTurn(t *testing.T) {
	r, rec, _ := newTestRouter(t, WithPendingResponseTimeout(20*time.Millisecond))

	send(t, r, map[string]any{"type": "conversation.item.created", "item": map[string]any{"type": "message", "role": "assistant"}})
	send(t, r, map[string]any{"type": "response.audio_transcript.delta", "delta": "dangling"})
	send(t, r, map[string]any{"type": "response.audio_transcript.done"})

	deadline := time.Now().Add(2 * time.Second)
	for {
		snap := r.Gate().Snapshot()
		if snap.LastAIMessage == nil && snap.AI == "" && !snap.Speaking {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("pending turn not released: %+v", snap)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := speakingValues(rec); len(got) != 2 || got[1] != false {
		t.Fatalf("expected speaking=false after timeout, got %v", got)
	}
}

func TestResponseDoneCancelsPendingTimer(t *testing.T) {
	r, rec, _ := newTestRouter(t, WithPendingResponseTimeout(30*time.Millisecond))

	send(t, r, map[string]any{"type": "conversation.item.created", "item": map[string]any{"type": "message", "role": "assistant"}})
	send(t, r, map[string]any{"type": "response.audio_transcript.done", "transcript": "ok"})
	send(t, r, map[string]any{"type": "response.done", "response": map[string]any{"id": "r1"}})
	send(t, r, map[string]any{"type": "conversation.item.created", "item": map[string]any{"type": "message", "role": "assistant"}})
	send(t, r, map[string]any{"type": "response.audio_transcript.delta", "delta": "next"})

	time.Sleep(80 * time.Millisecond)
	if got := r.Gate().Snapshot().AI; got != "next" {
		t.Fatalf("timer from previous turn fired on the new one: AI=%q", got)
	}
	if got := speakingValues(rec); got[len(got)-1] != true {
		t.Fatalf("expected still speaking, got %v", got)
	}
}

func TestErrorEventEmitsNotification(t *testing.T) {
	r, rec, _ := newTestRouter(t)

	send(t, r, map[string]any{"type": "error", "error": map[string]any{"type": "invalid_request_error", "message": "nope"}})
	send(t, r, map[string]any{"type": "error", "error": map[string]any{}})

	errs := rec.OfType(notify.TypeError)
	if len(errs) != 2 || errs[0].Error != "API error: nope" || errs[1].Error != "API error: unknown error" {
		t.Fatalf("unexpected error notifications %+v", errs)
	}
}

func TestUnknownAndSessionEventsAreIgnored(t *testing.T) {
	r, rec, _ := newTestRouter(t)

	send(t, r, map[string]any{"type": "rate_limits.updated"})
	send(t, r, map[string]any{"type": "session.created", "session": map[string]any{"id": "s"}})
	send(t, r, map[string]any{"type": "input_audio_buffer.cleared"})

	if len(rec.All()) != 0 {
		t.Fatalf("expected no notifications, got %+v", rec.All())
	}
}

func TestResetReopensGate(t *testing.T) {
	r, rec, _ := newTestRouter(t)

	send(t, r, map[string]any{"type": "conversation.item.created", "item": map[string]any{"type": "message", "role": "assistant"}})
	r.Gate().Block()
	if !r.Gate().ForceBlocked() {
		t.Fatal("expected force block")
	}

	r.Reset()
	if r.Gate().ForceBlocked() || r.Gate().Speaking() {
		t.Fatal("expected reset to clear block and speaking")
	}
	if snap := r.Gate().Snapshot(); snap.AI != "" || snap.User != "" {
		t.Fatalf("expected accumulators cleared, got %+v", snap)
	}

	send(t, r, map[string]any{"type": "conversation.item.input_audio_transcription.completed", "transcript": "too early"})
	if len(messages(rec)) != 0 {
		t.Fatal("events must stay blocked until the next connection is marked")
	}
	r.Gate().MarkConnected()

	send(t, r, map[string]any{"type": "conversation.item.input_audio_transcription.completed", "transcript": "again"})
	if len(messages(rec)) != 1 {
		t.Fatal("expected events to flow after reset")
	}
}

func TestAuditRecordsDispatchedEvents(t *testing.T) {
	aud := &fakeAuditor{}
	r, _, _ := newTestRouter(t, WithAuditor(aud))

	send(t, r, map[string]any{"type": "response.created", "event_id": "ev_9"})
	r.Gate().Block()
	send(t, r, map[string]any{"type": "response.created", "event_id": "ev_10"})

	if len(aud.events) != 1 {
		t.Fatalf("expected 1 audited event, got %d", len(aud.events))
	}
	if aud.events[0].SessionID != "sess_test" || aud.events[0].EventID != "ev_9" {
		t.Fatalf("unexpected audit event %+v", aud.events[0])
	}
}

func TestConcurrentBlockIsLinearizing(t *testing.T) {
	r, rec, _ := newTestRouter(t)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			r.HandleMessage([]byte(fmt.Sprintf(
				`{"type":"conversation.item.input_audio_transcription.completed","transcript":"m%d"}`, i)))
		}
	}()

	time.Sleep(time.Millisecond)
	r.Gate().Block()
	blockedAt := len(rec.All())
	wg.Wait()

	if got := len(rec.All()); got != blockedAt {
		t.Fatalf("notifications emitted after Block returned: %d -> %d", blockedAt, got)
	}
}
