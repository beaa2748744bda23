package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"pipewatch/internal/eventbus"
	logx "pipewatch/pkg/logx"
)

// HistoryStore is the sink for dispatch attempts. Satisfied by
// storage.Store.
type HistoryStore interface {
	AppendHistory(ctx context.Context, e HistoryEntry) error
}

type DispatcherConfig struct {
	// RatePerSec bounds outbound sends across all channels.
	RatePerSec int

	// TelegramAPIURL overrides the Bot API endpoint (tests, self-hosted
	// gateways). Empty uses the public API.
	TelegramAPIURL string
}

// Outcome is the result of one dispatch attempt.
type Outcome struct {
	Sent  bool
	Error string
}

// Dispatcher fans one event out to its matched targets and records
// every attempt, success or failure, as one history row.
type Dispatcher struct {
	cfg     DispatcherConfig
	history HistoryStore
	bus     eventbus.Bus
	log     logx.Logger

	http    *http.Client
	limiter *rate.Limiter

	// Telegram bots are cached per token; construction is offline so a
	// bad token surfaces on send, not on boot.
	botMu sync.Mutex
	bots  map[string]*tele.Bot
}

func NewDispatcher(cfg DispatcherConfig, history HistoryStore, bus eventbus.Bus, log logx.Logger) *Dispatcher {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 10
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		cfg:     cfg,
		history: history,
		bus:     bus,
		log:     log,
		http:    &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		bots:    map[string]*tele.Bot{},
	}
}

// DispatchAll attempts every target in order. One target's failure never
// prevents the rest; the return counts are for logging only.
func (d *Dispatcher) DispatchAll(ctx context.Context, e Event, targets []Target) (sent, failed int) {
	for _, tg := range targets {
		out := d.Dispatch(ctx, tg, e)
		if out.Sent {
			sent++
		} else {
			failed++
		}
	}
	return sent, failed
}

// Dispatch renders and sends one message, then appends exactly one
// history entry.
func (d *Dispatcher) Dispatch(ctx context.Context, tg Target, e Event) Outcome {
	msg := Render(tg.Channel.Type, e)

	var sendErr error
	if err := d.limiter.Wait(ctx); err != nil {
		sendErr = err
	} else {
		sendErr = d.send(ctx, tg.Channel, msg)
	}

	out := Outcome{Sent: sendErr == nil}
	if sendErr != nil {
		out.Error = sendErr.Error()
		d.log.Warn("alert dispatch failed",
			logx.String("channel", string(tg.Channel.Type)),
			logx.Int64("rule_id", tg.Rule.ID),
			logx.Int64("pipeline", e.PipelineID),
			logx.Err(sendErr))
	}

	entry := HistoryEntry{
		ProjectName: e.ProjectName,
		PipelineID:  e.PipelineID,
		Status:      e.Status,
		Channel:     string(tg.Channel.Type),
		Message:     msg,
		Sent:        out.Sent,
		Error:       out.Error,
		CreatedAt:   time.Now(),
	}
	if d.history != nil {
		if err := d.history.AppendHistory(ctx, entry); err != nil {
			d.log.Error("alert history append failed", logx.Err(err))
		}
	}
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: eventbus.TypeAlertDispatch, Data: entry})
	}
	return out
}

func (d *Dispatcher) send(ctx context.Context, ch Channel, msg string) error {
	switch ch.Type {
	case ChannelTelegram:
		return d.sendTelegram(ch, msg)
	case ChannelSlack:
		return d.sendSlack(ctx, ch, msg)
	case ChannelDiscord:
		return d.sendDiscord(ctx, ch, msg)
	default:
		return fmt.Errorf("unsupported channel type %q", ch.Type)
	}
}

func (d *Dispatcher) sendTelegram(ch Channel, msg string) error {
	token := ch.Config["bot_token"]
	if token == "" {
		return errors.New("telegram channel missing bot_token")
	}
	chatID, err := strconv.ParseInt(ch.Config["chat_id"], 10, 64)
	if err != nil {
		return fmt.Errorf("telegram channel has invalid chat_id: %w", err)
	}

	bot, err := d.bot(token)
	if err != nil {
		return fmt.Errorf("telegram bot init failed: %w", err)
	}
	if _, err := bot.Send(tele.ChatID(chatID), msg, &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
	}); err != nil {
		return fmt.Errorf("telegram send failed: %w", err)
	}
	return nil
}

func (d *Dispatcher) bot(token string) (*tele.Bot, error) {
	d.botMu.Lock()
	defer d.botMu.Unlock()
	if b, ok := d.bots[token]; ok {
		return b, nil
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   token,
		URL:     d.cfg.TelegramAPIURL,
		Offline: true,
		Client:  d.http,
	})
	if err != nil {
		return nil, err
	}
	d.bots[token] = b
	return b, nil
}

func (d *Dispatcher) sendSlack(ctx context.Context, ch Channel, msg string) error {
	url := ch.Config["webhook_url"]
	if url == "" {
		return errors.New("slack channel missing webhook_url")
	}
	body := map[string]any{
		"text": msg,
		"blocks": []map[string]any{
			{
				"type": "section",
				"text": map[string]string{"type": "mrkdwn", "text": msg},
			},
		},
	}
	if code, err := d.postJSON(ctx, url, body); err != nil {
		return fmt.Errorf("slack webhook post failed: %w", err)
	} else if code < 200 || code > 299 {
		return fmt.Errorf("slack webhook returned status %d", code)
	}
	return nil
}

func (d *Dispatcher) sendDiscord(ctx context.Context, ch Channel, msg string) error {
	url := ch.Config["webhook_url"]
	if url == "" {
		return errors.New("discord channel missing webhook_url")
	}
	if code, err := d.postJSON(ctx, url, map[string]string{"content": msg}); err != nil {
		return fmt.Errorf("discord webhook post failed: %w", err)
	} else if code < 200 || code > 299 {
		return fmt.Errorf("discord webhook returned status %d", code)
	}
	return nil
}

func (d *Dispatcher) postJSON(ctx context.Context, url string, body any) (int, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}
