package gateway

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/stellarlinkco/companion/internal/bus"
	"github.com/stellarlinkco/companion/internal/resolver"
	"github.com/stellarlinkco/companion/internal/runner"
	"github.com/stellarlinkco/companion/internal/scenario"
)

var commands = map[string]scenario.Event{
	"/start":   scenario.EventStart,
	"/done":    scenario.EventDone,
	"/skip":    scenario.EventSkip,
	"/example": scenario.EventExample,
	"/notdone": scenario.EventNotDone,
}

// parseCommand maps a leading slash command to an event. Telegram may append
// the bot name ("/done@companion_bot").
func parseCommand(text string) (scenario.Event, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", false
	}
	cmd, _, _ := strings.Cut(text, " ")
	cmd, _, _ = strings.Cut(cmd, "@")
	ev, ok := commands[strings.ToLower(cmd)]
	return ev, ok
}

// parseCallback maps button data to an event.
func parseCallback(data string) (scenario.Event, bool) {
	name, ok := strings.CutPrefix(data, callbackPrefix)
	if !ok {
		return "", false
	}
	for _, ev := range buttonEvents {
		if string(ev) == name {
			return ev, true
		}
	}
	return "", false
}

// handleInbound runs one message through resolve, advance and present.
// Every failure degrades to a log line; nothing propagates to the loop.
func (g *Gateway) handleInbound(ctx context.Context, msg bus.InboundMessage) {
	if msg.IsCallback() {
		g.handleCallback(ctx, msg)
		return
	}

	ev, isCommand := parseCommand(msg.Content)
	text := msg.Content
	if isCommand {
		// Commands drive the flow; they are not content to classify.
		text = ""
	} else {
		ev = scenario.EventText
	}

	res, err := g.resolver.Resolve(ctx, resolver.Message{
		UserID:           msg.SenderID,
		ChatID:           msg.ChatID,
		MessageID:        msg.MessageID,
		ReplyToMessageID: msg.ReplyToMessageID,
		ThreadID:         msg.ThreadID,
		Text:             text,
		At:               msg.Timestamp,
	})
	if err != nil {
		g.logger.Error("resolve failed",
			zap.String("user_id", msg.SenderID),
			zap.Int64("message_id", msg.MessageID),
			zap.Error(err))
		return
	}
	if res.Duplicate || !res.Resolved() {
		return
	}

	g.advance(ctx, msg, res.Instance.ID, runner.Event{Name: ev, UserID: msg.SenderID, Text: text})
}

func (g *Gateway) handleCallback(ctx context.Context, msg bus.InboundMessage) {
	ev, ok := parseCallback(msg.CallbackData)
	if !ok {
		g.logger.Warn("unknown callback data",
			zap.String("user_id", msg.SenderID),
			zap.String("data", msg.CallbackData))
		return
	}

	// Button presses are not physical messages: resolve by the message that
	// carries the buttons, without a ledger row.
	inst, rule, err := g.resolver.Lookup(ctx, resolver.Message{
		UserID:           msg.SenderID,
		ChatID:           msg.ChatID,
		ReplyToMessageID: msg.ReplyToMessageID,
	})
	if errors.Is(err, scenario.ErrResolutionMiss) || (err == nil && rule != resolver.RuleReply) {
		g.logger.Info("callback does not address an instance",
			zap.String("user_id", msg.SenderID),
			zap.Int64("message_id", msg.ReplyToMessageID),
			zap.String("event", string(ev)))
		return
	}
	if err != nil {
		g.logger.Error("callback lookup failed", zap.String("user_id", msg.SenderID), zap.Error(err))
		return
	}

	g.advance(ctx, msg, inst.ID, runner.Event{Name: ev, UserID: msg.SenderID, ButtonMessageID: msg.ReplyToMessageID})
}

func (g *Gateway) advance(ctx context.Context, msg bus.InboundMessage, instanceID string, ev runner.Event) {
	out, err := g.runner.Advance(ctx, instanceID, ev)
	if err != nil {
		g.logger.Error("advance failed",
			zap.String("instance_id", instanceID),
			zap.String("user_id", msg.SenderID),
			zap.String("event", string(ev.Name)),
			zap.Error(err))
		return
	}
	if !out.Accepted() && (!out.Instance.Open() || out.Rejection.Reason == runner.ReasonStaleButton) {
		// Buttons left on an earlier step or a finished scenario; the current
		// step's message is already on screen.
		return
	}
	g.present(msg.Channel, out.Instance, out.Render)
}

// present queues one outbound message per render intent. Delivered step
// messages are recorded through the channel manager's sent hook.
func (g *Gateway) present(channel string, inst scenario.Instance, intents []scenario.RenderIntent) {
	for _, ri := range intents {
		out, ok := render(inst, ri, channel)
		if !ok {
			continue
		}
		g.bus.Outbound <- out
	}
}

// onSent records the message ids of every delivered step message so later
// replies to any part of it resolve back to the instance. Buttons ride on the
// last part.
func (g *Gateway) onSent(msg bus.OutboundMessage, messageIDs []int64) {
	if msg.InstanceID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	preview := g.preview(msg.Content)
	for i, id := range messageIDs {
		if id == 0 {
			continue
		}
		last := i == len(messageIDs)-1
		err := g.runner.RecordBotStep(ctx, msg.InstanceID, msg.StepKind, id, preview, last && len(msg.Buttons) > 0)
		if err != nil {
			g.logger.Error("record bot step failed",
				zap.String("instance_id", msg.InstanceID),
				zap.Int64("message_id", id),
				zap.Error(err))
			return
		}
	}
}

func (g *Gateway) preview(text string) string {
	return resolver.Preview(text, g.cfg.PreviewLimit)
}
