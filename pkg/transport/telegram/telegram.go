// Package telegram implements transport.Transport on top of
// go-telegram-bot-api, narrowed from the teacher's broader gateway.Channel
// surface down to the five primitives spec §4.1 names. The teacher's
// long-poll cancellation trick and media-group debounce buffer are kept;
// rich media itself is dropped at the boundary (caption/text survives,
// photo IDs are discarded) since rich media is an explicit Non-goal.
package telegram

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/domain"
	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/transport"
)

const historyRingSize = 200

// mediaGroupBuffer coalesces the caption fragments of an album update into
// one text message, mirroring the teacher's mediaGroupBuffer without the
// photo-download side.
type mediaGroupBuffer struct {
	msg   domain.InboundMessage
	timer *time.Timer
}

// Transport adapts a Telegram bot token into transport.Transport.
type Transport struct {
	token string
	bot   *tgbotapi.BotAPI

	mu          sync.Mutex
	mediaGroups map[string]*mediaGroupBuffer
	history     map[int64][]domain.InboundMessage // chat_id -> recent messages, for ScanHistory

	stopCtx    context.Context
	stopCancel context.CancelFunc
}

// New authenticates with the Telegram Bot API and builds the adapter.
// The HTTP client's DialContext is tied to an internal stop context so an
// in-flight long-poll request is aborted the instant Stop/Subscribe's
// context is cancelled — the teacher's fix for tgbotapi's lack of
// cancellable GetUpdates.
func New(token string) (*Transport, error) {
	ctx, cancel := context.WithCancel(context.Background())

	dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	httpClient := &http.Client{
		Timeout: 65 * time.Second,
		Transport: &http.Transport{
			DialContext: func(dialCtx context.Context, network, addr string) (net.Conn, error) {
				merged, mergedCancel := context.WithCancel(dialCtx)
				go func() {
					select {
					case <-ctx.Done():
						mergedCancel()
					case <-merged.Done():
					}
				}()
				return dialer.DialContext(merged, network, addr)
			},
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}

	bot, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, httpClient)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("authorizing telegram bot: %w", err)
	}

	return &Transport{
		token:       token,
		bot:         bot,
		mediaGroups: make(map[string]*mediaGroupBuffer),
		history:     make(map[int64][]domain.InboundMessage),
		stopCtx:     ctx,
		stopCancel:  cancel,
	}, nil
}

// IsTransientError treats a nil error, a cancelled or expired context, and
// any error whose text contains "forbidden", "chat not found" or "bot was
// blocked" as permanent; every other error is a retryable transport error.
func (t *Transport) IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	if err == context.Canceled || err == context.DeadlineExceeded {
		return false
	}
	msg := err.Error()
	return !strings.Contains(msg, "forbidden") && !strings.Contains(msg, "chat not found") && !strings.Contains(msg, "bot was blocked")
}

// Subscribe runs a manual long-poll loop (not GetUpdatesChan) so the
// adapter controls the update offset and can be cancelled cleanly.
func (t *Transport) Subscribe(ctx context.Context, onMessage transport.InboundHandler, onTyping transport.TypingHandler) error {
	go func() {
		offset := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.stopCtx.Done():
				return
			default:
			}

			req := tgbotapi.NewUpdate(offset)
			req.Timeout = 60

			updates, err := t.bot.GetUpdates(req)
			if err != nil {
				select {
				case <-ctx.Done():
					return
				case <-t.stopCtx.Done():
					return
				default:
					time.Sleep(3 * time.Second)
					continue
				}
			}

			for _, u := range updates {
				if u.UpdateID < offset {
					continue
				}
				offset = u.UpdateID + 1
				if u.Message == nil {
					continue
				}
				t.handleUpdate(u, onMessage)
			}
		}
	}()
	return nil
}

func (t *Transport) handleUpdate(u tgbotapi.Update, onMessage transport.InboundHandler) {
	content := u.Message.Text
	if content == "" {
		content = u.Message.Caption
	}

	msg := domain.InboundMessage{
		UserID:     domain.UserID(u.Message.From.ID),
		ChatID:     u.Message.Chat.ID,
		MessageID:  int64(u.Message.MessageID),
		Text:       content,
		ReceivedAt: time.Unix(int64(u.Message.Date), 0).UTC(),
	}

	t.recordHistory(msg)

	if u.Message.MediaGroupID != "" {
		t.bufferMediaGroup(u.Message.MediaGroupID, msg, onMessage)
		return
	}

	onMessage(msg)
}

func (t *Transport) bufferMediaGroup(groupID string, msg domain.InboundMessage, onMessage transport.InboundHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()

	buf, ok := t.mediaGroups[groupID]
	if !ok {
		buf = &mediaGroupBuffer{msg: msg}
		buf.timer = time.AfterFunc(time.Second, func() {
			t.mu.Lock()
			final, exists := t.mediaGroups[groupID]
			if exists {
				delete(t.mediaGroups, groupID)
			}
			t.mu.Unlock()
			if exists {
				onMessage(final.msg)
			}
		})
		t.mediaGroups[groupID] = buf
		return
	}

	if msg.Text != "" {
		if buf.msg.Text != "" {
			buf.msg.Text += "\n" + msg.Text
		} else {
			buf.msg.Text = msg.Text
		}
	}
	buf.timer.Reset(time.Second)
}

func (t *Transport) recordHistory(msg domain.InboundMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := append(t.history[msg.ChatID], msg)
	if len(h) > historyRingSize {
		h = h[len(h)-historyRingSize:]
	}
	t.history[msg.ChatID] = h
}

// Send chunks text by Telegram's message-length limit, matching the
// teacher's rune-based slicing.
func (t *Transport) Send(ctx context.Context, chatID int64, text string) error {
	const limit = 4096
	runes := []rune(text)
	if len(runes) <= limit {
		_, err := t.bot.Send(tgbotapi.NewMessage(chatID, text))
		if err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
		return nil
	}
	for i := 0; i < len(runes); i += limit {
		end := i + limit
		if end > len(runes) {
			end = len(runes)
		}
		if _, err := t.bot.Send(tgbotapi.NewMessage(chatID, string(runes[i:end]))); err != nil {
			return fmt.Errorf("telegram send chunk at %d: %w", i, err)
		}
	}
	return nil
}

// SetTyping toggles the Telegram "typing..." chat action.
func (t *Transport) SetTyping(ctx context.Context, chatID int64, typing bool) error {
	if !typing {
		return nil // Telegram typing indicators auto-expire; there's no explicit "stop"
	}
	_, err := t.bot.Send(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))
	if err != nil {
		return fmt.Errorf("telegram set typing: %w", err)
	}
	return nil
}

// ScanHistory serves from the in-process ring buffer populated as updates
// arrive via Subscribe. The Bot API has no endpoint to fetch arbitrary
// chat history for a bot token, so the Recovery Agent's view of "missed
// messages" is necessarily bounded to what this process has observed —
// acceptable because Recovery primarily reconciles messages received while
// this process itself was briefly down and the ring survives a restart
// poorly but correctly degrades to "nothing recovered" rather than erroring.
func (t *Transport) ScanHistory(ctx context.Context, chatID int64, sinceMessageID int64, limit int) ([]domain.InboundMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	all := t.history[chatID]
	var out []domain.InboundMessage
	for _, m := range all {
		if m.MessageID > sinceMessageID {
			out = append(out, m)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RecentDialogs ranks the chats this process has observed a message from
// by their most recent message time, satisfying pkg/entity's DialogSource
// so the Entity Resolver can warm the cache on startup. A bot token has no
// "recent dialogs" API, so this is necessarily scoped to what Subscribe
// has already seen.
func (t *Transport) RecentDialogs(ctx context.Context, limit int) ([]domain.UserID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	type seen struct {
		userID domain.UserID
		at     time.Time
	}
	var all []seen
	for _, msgs := range t.history {
		if len(msgs) == 0 {
			continue
		}
		last := msgs[len(msgs)-1]
		all = append(all, seen{userID: last.UserID, at: last.ReceivedAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.After(all[j].at) })

	if len(all) > limit {
		all = all[:limit]
	}
	out := make([]domain.UserID, len(all))
	for i, s := range all {
		out[i] = s.userID
	}
	return out, nil
}

// ResolveEntity confirms the chat is reachable by fetching its chat object.
// A successful call is what the Entity Resolver considers a "warm" handle.
func (t *Transport) ResolveEntity(ctx context.Context, userID domain.UserID) (transport.EntityHandle, error) {
	chat, err := t.bot.GetChat(tgbotapi.ChatInfoConfig{ChatConfig: tgbotapi.ChatConfig{ChatID: int64(userID)}})
	if err != nil {
		return nil, fmt.Errorf("resolving telegram entity %d: %w", userID, err)
	}
	return chat.ID, nil
}

// Stop cancels the long-poll loop and releases pooled connections.
func (t *Transport) Stop() error {
	t.stopCancel()
	if httpClient, ok := t.bot.Client.(*http.Client); ok && httpClient != nil {
		if rt, ok := httpClient.Transport.(*http.Transport); ok {
			rt.CloseIdleConnections()
		}
	}
	return nil
}
