package router

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/parley-voice/parley/internal/notify"
	"github.com/parley-voice/parley/internal/protocol"
	"github.com/parley-voice/parley/internal/shared"
	"github.com/parley-voice/parley/internal/usage"
)

func (r *Router) handleItemCreated(e *protocol.ConversationItemCreated) {
	if !e.Item.IsMessage(protocol.RoleAssistant) {
		r.logger.Debug("conversation item created",
			zap.String("item_id", e.Item.ID),
			zap.String("role", e.Item.Role),
		)
		return
	}

	r.gate.Do(e.Type(), func(st *TurnState) {
		st.aiTurn++
		st.AI = ""
		st.LastAIMessage = nil
		st.Speaking = true
		r.emit(notify.NewSpeaking(true, r.now()))
	})
}

func (r *Router) handleUserDelta(e *protocol.InputTranscriptionDelta) {
	if e.Delta == "" {
		return
	}
	r.gate.Do(e.Type(), func(st *TurnState) {
		st.User += e.Delta
	})
}

func (r *Router) handleUserCompleted(e *protocol.InputTranscriptionCompleted) {
	r.gate.Do(e.Type(), func(st *TurnState) {
		text := finalText(e.Transcript, st.User)
		st.User = ""
		if text == "" {
			r.logger.Debug("empty user transcript discarded", zap.String("item_id", e.ItemID))
			return
		}
		r.emit(notify.NewMessage(notify.Message{
			Speaker:   notify.SpeakerUser,
			Text:      text,
			Timestamp: r.now(),
		}))
	})
}

func (r *Router) handleBufferCommitted(e *protocol.InputBufferCommitted) {
	r.gate.Do(e.Type(), func(st *TurnState) {
		st.User = ""
	})
}

func (r *Router) handleResponseCreated(e *protocol.ResponseCreated) {
	r.stopPendingTimer()
	r.gate.Do(e.Type(), func(st *TurnState) {
		st.AI = ""
		st.LastAIMessage = nil
	})
}

func (r *Router) handleAIDelta(e *protocol.ResponseTranscriptDelta) {
	if e.Delta == "" {
		return
	}
	r.gate.Do(e.Type(), func(st *TurnState) {
		st.AI += e.Delta
	})
}

// handleAIDone finalizes the assistant message. The accumulator stays
// until response.done because audio may still be playing.
func (r *Router) handleAIDone(e *protocol.ResponseTranscriptDone) {
	var (
		finalized bool
		turn      uint64
	)
	r.gate.Do(e.Type(), func(st *TurnState) {
		text := finalText(e.Transcript, st.AI)
		if text == "" {
			return
		}
		msg := notify.Message{
			Speaker:   notify.SpeakerAssistant,
			Text:      text,
			Timestamp: r.now(),
		}
		st.LastAIMessage = &msg
		r.emit(notify.NewMessage(msg))
		finalized = true
		turn = st.aiTurn
	})
	if finalized {
		r.armPendingTimer(turn, e.ResponseID)
	}
}

// handleResponseDone ends the assistant turn: speaking=false first, then
// accounting outside the gate lock, then the accumulator is released if no
// newer turn has started meanwhile.
func (r *Router) handleResponseDone(e *protocol.ResponseDone) {
	r.stopPendingTimer()

	var (
		lastMsg *notify.Message
		turn    uint64
	)
	ran := r.gate.Do(e.Type(), func(st *TurnState) {
		st.Speaking = false
		r.emit(notify.NewSpeaking(false, r.now()))
		if st.LastAIMessage != nil {
			m := *st.LastAIMessage
			lastMsg = &m
		}
		turn = st.aiTurn
	})
	if !ran {
		return
	}

	if r.accountant != nil && e.Response.HasUsage() {
		r.account(e, lastMsg)
	} else if !e.Response.HasUsage() {
		r.logger.Debug("response.done without usage", zap.String("response_id", e.Response.ID))
	}

	r.gate.Do(e.Type(), func(st *TurnState) {
		if st.aiTurn != turn {
			return
		}
		st.AI = ""
		st.LastAIMessage = nil
	})
}

func (r *Router) account(e *protocol.ResponseDone, lastMsg *notify.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), r.accountingTimeout)
	defer cancel()
	ctx = shared.WithSessionID(ctx, r.session())

	res, err := r.accountant.Track(ctx, usage.TrackRequest{
		EventType:  e.Type(),
		Model:      e.Response.Model,
		ResponseID: e.Response.ID,
		Usage:      e.Response.Usage,
	})
	if err != nil {
		fields := []zap.Field{zap.String("response_id", e.Response.ID), zap.Error(err)}
		if errors.Is(err, shared.ErrNoActiveSession) {
			r.logger.Debug("usage tracking skipped", fields...)
		} else {
			r.logger.Warn("usage tracking failed", fields...)
		}
	}
	if res == nil {
		return
	}

	r.gate.Do(e.Type(), func(*TurnState) {
		at := r.now()
		if lastMsg != nil {
			r.emit(notify.NewMessageWithUsage(*lastMsg, res, at))
		}
		r.emit(notify.NewUsageTracked(res, at))
	})

	r.logger.Info("usage tracked",
		zap.String("response_id", e.Response.ID),
		zap.String("model", res.Model),
		zap.String("pricing_source", res.PricingSource),
		zap.Int64("input_tokens", res.Usage.InputTokens),
		zap.Int64("output_tokens", res.Usage.OutputTokens),
		zap.Int64("total_cost", res.Costs.TotalCost),
		zap.Int64("accumulated_cost", res.Accumulated.TotalCost),
	)
}

func (r *Router) handleError(e *protocol.ErrorEvent) {
	upstream := &shared.UpstreamError{Type: e.Error.Type, Code: e.Error.Code, Message: e.Error.Message}
	r.logger.Warn("realtime API error", zap.Error(upstream), zap.String("error_type", e.Error.Type))

	text := e.Error.Message
	if text == "" {
		text = "unknown error"
	}
	r.gate.Do(e.Type(), func(*TurnState) {
		r.emit(notify.NewError("API error: "+text, r.now()))
	})
}

func (r *Router) armPendingTimer(turn uint64, responseID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pendingTimer != nil {
		r.pendingTimer.Stop()
	}
	timeout := r.pendingTimeout
	r.pendingTimer = time.AfterFunc(timeout, func() {
		r.gate.Do("pending_response_timeout", func(st *TurnState) {
			if st.aiTurn != turn || st.LastAIMessage == nil {
				return
			}
			r.metrics.RecordPendingResponseTimeout()
			r.logger.Warn("response.done never arrived; releasing assistant turn",
				zap.String("response_id", responseID),
				zap.Duration("timeout", timeout),
				zap.Int("pending_chars", len(st.AI)),
			)
			st.AI = ""
			st.LastAIMessage = nil
			if st.Speaking {
				st.Speaking = false
				r.emit(notify.NewSpeaking(false, r.now()))
			}
		})
	})
}

func (r *Router) stopPendingTimer() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pendingTimer != nil {
		r.pendingTimer.Stop()
		r.pendingTimer = nil
	}
}
