package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/stellarlinkco/companion/internal/bus"
	"github.com/stellarlinkco/companion/internal/config"
	"github.com/stellarlinkco/companion/internal/logging"
	"github.com/stellarlinkco/companion/internal/retry"
)

const telegramChannelName = "telegram"

// TelegramBot interface for mocking telegram bot API
type TelegramBot interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetSelf() tgbotapi.User
}

// tgBotWrapper wraps tgbotapi.BotAPI to implement TelegramBot interface
type tgBotWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *tgBotWrapper) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return w.bot.GetUpdatesChan(config)
}

func (w *tgBotWrapper) StopReceivingUpdates() {
	w.bot.StopReceivingUpdates()
}

func (w *tgBotWrapper) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return w.bot.Send(c)
}

func (w *tgBotWrapper) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	return w.bot.Request(c)
}

func (w *tgBotWrapper) GetSelf() tgbotapi.User {
	return w.bot.Self
}

// BotFactory creates TelegramBot instances (allows mocking)
type BotFactory func(token, apiEndpoint string, client *http.Client) (TelegramBot, error)

var defaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &tgBotWrapper{bot: bot}, nil
}

type TelegramChannel struct {
	BaseChannel
	token      string
	bot        TelegramBot
	proxy      string
	policy     retry.Policy
	cancel     context.CancelFunc
	botFactory BotFactory
	logger     *zap.Logger
}

func NewTelegramChannel(cfg config.TelegramConfig, b *bus.MessageBus, policy retry.Policy, logger *zap.Logger) (*TelegramChannel, error) {
	return NewTelegramChannelWithFactory(cfg, b, policy, logger, defaultBotFactory)
}

// NewTelegramChannelWithFactory creates a TelegramChannel with custom bot factory (for testing)
func NewTelegramChannelWithFactory(cfg config.TelegramConfig, b *bus.MessageBus, policy retry.Policy, logger *zap.Logger, factory BotFactory) (*TelegramChannel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}

	ch := &TelegramChannel{
		BaseChannel: NewBaseChannel(telegramChannelName, b, cfg.AllowFrom),
		token:       cfg.Token,
		proxy:       cfg.Proxy,
		policy:      policy,
		botFactory:  factory,
		logger:      logging.OrNop(logger).Named("telegram"),
	}
	if ch.policy.OnRetry == nil {
		ch.policy.OnRetry = func(err error, next time.Duration) {
			ch.logger.Warn("telegram call failed, retrying", zap.Error(err), zap.Duration("next", next))
		}
	}
	return ch, nil
}

func (t *TelegramChannel) initBot() error {
	client := http.DefaultClient
	if t.proxy != "" {
		proxyURL, err := url.Parse(t.proxy)
		if err != nil {
			return fmt.Errorf("parse proxy url: %w", err)
		}
		client = &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}
	}

	bot, err := t.botFactory(t.token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}
	t.bot = bot
	t.logger.Info("authorized", zap.String("username", bot.GetSelf().UserName))
	return nil
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	if err := t.initBot(); err != nil {
		return err
	}

	ctx, t.cancel = context.WithCancel(ctx)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	u.AllowedUpdates = []string{"message", "callback_query"}
	updates := t.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case update := <-updates:
				switch {
				case update.Message != nil:
					t.handleMessage(update.Message)
				case update.CallbackQuery != nil:
					t.handleCallback(update.CallbackQuery)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	t.logger.Info("polling started")
	return nil
}

func (t *TelegramChannel) handleMessage(msg *tgbotapi.Message) {
	if msg.From == nil || msg.Chat == nil {
		return
	}
	senderID := strconv.FormatInt(msg.From.ID, 10)

	if !t.IsAllowed(senderID) {
		t.logger.Info("rejected message", zap.String("user_id", senderID), zap.String("username", msg.From.UserName))
		return
	}

	content := msg.Text
	if content == "" && msg.Caption != "" {
		content = msg.Caption
	}
	if strings.TrimSpace(content) == "" {
		return
	}

	in := bus.InboundMessage{
		Channel:   telegramChannelName,
		SenderID:  senderID,
		ChatID:    strconv.FormatInt(msg.Chat.ID, 10),
		Content:   content,
		MessageID: int64(msg.MessageID),
		Timestamp: time.Unix(int64(msg.Date), 0),
		Metadata: map[string]any{
			"username":   msg.From.UserName,
			"first_name": msg.From.FirstName,
		},
	}
	if reply := msg.ReplyToMessage; reply != nil {
		in.ReplyToMessageID = int64(reply.MessageID)
		// Comments under a channel post reply to the forwarded post; that
		// post anchors the discussion thread. A reply to the bot's own group
		// message carries no thread id and resolves by the reply id.
		if reply.SenderChat != nil {
			in.ThreadID = int64(reply.MessageID)
		}
	}
	t.bus.Inbound <- in
}

func (t *TelegramChannel) handleCallback(cq *tgbotapi.CallbackQuery) {
	if cq.From == nil {
		return
	}
	senderID := strconv.FormatInt(cq.From.ID, 10)

	if _, err := t.bot.Request(tgbotapi.NewCallback(cq.ID, "")); err != nil {
		t.logger.Warn("answer callback", zap.String("callback_id", cq.ID), zap.Error(err))
	}
	if !t.IsAllowed(senderID) {
		t.logger.Info("rejected callback", zap.String("user_id", senderID))
		return
	}
	if cq.Message == nil || cq.Message.Chat == nil {
		return
	}

	t.bus.Inbound <- bus.InboundMessage{
		Channel:          telegramChannelName,
		SenderID:         senderID,
		ChatID:           strconv.FormatInt(cq.Message.Chat.ID, 10),
		ReplyToMessageID: int64(cq.Message.MessageID),
		CallbackID:       cq.ID,
		CallbackData:     cq.Data,
		Timestamp:        time.Now(),
	}
}

func (t *TelegramChannel) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}
	if t.bot != nil {
		t.bot.StopReceivingUpdates()
	}
	t.logger.Info("stopped")
	return nil
}

// SetBot sets the bot (for testing)
func (t *TelegramChannel) SetBot(bot TelegramBot) {
	t.bot = bot
}

// Telegram has a 4096 char limit per message
const telegramMaxLen = 4000

// Send delivers msg, splitting long content. The reply anchor goes on the
// first chunk and the buttons on the last; every chunk's id is returned.
func (t *TelegramChannel) Send(msg bus.OutboundMessage) ([]int64, error) {
	if t.bot == nil {
		return nil, fmt.Errorf("telegram bot not initialized")
	}

	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat id %q: %w", msg.ChatID, err)
	}

	chunks := splitMessage(msg.Content, telegramMaxLen)
	ids := make([]int64, 0, len(chunks))
	for i, chunk := range chunks {
		tgMsg := tgbotapi.NewMessage(chatID, toTelegramHTML(chunk))
		tgMsg.ParseMode = tgbotapi.ModeHTML
		if i == 0 && msg.ReplyTo != 0 {
			tgMsg.ReplyToMessageID = int(msg.ReplyTo)
			tgMsg.AllowSendingWithoutReply = true
		}
		if i == len(chunks)-1 && len(msg.Buttons) > 0 {
			tgMsg.ReplyMarkup = inlineKeyboard(msg.Buttons)
		}

		sent, err := t.send(tgMsg)
		if err != nil && !isTransientTelegram(err) {
			// Retry without HTML parse mode
			tgMsg.ParseMode = ""
			tgMsg.Text = chunk
			sent, err = t.send(tgMsg)
		}
		if err != nil {
			return ids, fmt.Errorf("send telegram message: %w", err)
		}
		ids = append(ids, int64(sent.MessageID))
	}
	return ids, nil
}

func (t *TelegramChannel) send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return retry.Do(context.Background(), t.policy, isTransientTelegram, func(context.Context) (tgbotapi.Message, error) {
		return t.bot.Send(c)
	})
}

// isTransientTelegram retries rate limits, upstream 5xx and network failures.
// Other API errors are bad requests and are not retried.
func isTransientTelegram(err error) bool {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500
	}
	var apiErrVal tgbotapi.Error
	if errors.As(err, &apiErrVal) {
		return apiErrVal.Code == http.StatusTooManyRequests || apiErrVal.Code >= 500
	}
	return retry.IsTransient(err)
}

func inlineKeyboard(rows [][]bus.Button) tgbotapi.InlineKeyboardMarkup {
	kb := make([][]tgbotapi.InlineKeyboardButton, 0, len(rows))
	for _, row := range rows {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(b.Label, b.Data))
		}
		kb = append(kb, tgbotapi.NewInlineKeyboardRow(buttons...))
	}
	return tgbotapi.NewInlineKeyboardMarkup(kb...)
}

// splitMessage cuts s into chunks of at most maxLen bytes, preferring to
// break at a newline.
func splitMessage(s string, maxLen int) []string {
	if s == "" {
		return []string{""}
	}
	var out []string
	for len(s) > 0 {
		chunk := s
		if len(chunk) > maxLen {
			idx := strings.LastIndex(chunk[:maxLen], "\n")
			if idx > 0 {
				chunk = chunk[:idx]
			} else {
				chunk = chunk[:maxLen]
			}
		}
		s = s[len(chunk):]
		out = append(out, chunk)
	}
	return out
}

// toTelegramHTML converts basic markdown to Telegram HTML.
func toTelegramHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")

	for {
		start := strings.Index(s, "```")
		if start == -1 {
			break
		}
		end := strings.Index(s[start+3:], "```")
		if end == -1 {
			break
		}
		end += start + 3
		code := s[start+3 : end]
		// Strip optional language tag on first line
		if nl := strings.Index(code, "\n"); nl >= 0 {
			first := strings.TrimSpace(code[:nl])
			if first != "" && !strings.Contains(first, " ") {
				code = code[nl+1:]
			}
		}
		s = s[:start] + "<pre>" + code + "</pre>" + s[end+3:]
	}

	s = replacePairs(s, "`", "<code>", "</code>")
	s = replacePairs(s, "**", "<b>", "</b>")
	// Italic after bold to avoid conflicts
	s = replacePairs(s, "*", "<i>", "</i>")
	return s
}

func replacePairs(s, marker, open, close string) string {
	for {
		start := strings.Index(s, marker)
		if start == -1 {
			return s
		}
		end := strings.Index(s[start+len(marker):], marker)
		if end == -1 {
			return s
		}
		end += start + len(marker)
		s = s[:start] + open + s[start+len(marker):end] + close + s[end+len(marker):]
	}
}
