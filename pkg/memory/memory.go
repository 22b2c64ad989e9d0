// Package memory implements the Memory Manager (C4): the sole owner of
// per-user conversation state (§4.4). Every other component calls this
// package's API rather than touching Redis directly, collapsing the
// "per-user mutable keys touched from several modules" anti-pattern named
// in §9 into one place — the same ownership discipline the teacher applies
// to ChatHistory via SessionManager.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"

	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/clock"
	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/config"
	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/domain"
	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/kv"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	essentialProfileKeys = "name,pronouns,location,preferences"
)

// record is the on-disk shape of a UserMemory, stored as one JSON blob per
// user rather than exploded across many keys — simplest thing that
// satisfies the size/length invariants, since both are checked against the
// serialized form anyway.
type record struct {
	History               []domain.ConversationTurn `json:"history"`
	Profile                domain.Profile            `json:"profile"`
	AggressiveCompression  bool                      `json:"aggressive_compression"`
	Version                int64                     `json:"version"`
	RecentAssistantPhrases []string                  `json:"recent_assistant_phrases"`
	UpdatedAt              time.Time                 `json:"updated_at"`
}

// Manager is the Memory Manager.
type Manager struct {
	kv    *kv.Client
	sys   *config.SystemConfig
	clock clock.Clock
}

func New(kvc *kv.Client, sys *config.SystemConfig, c clock.Clock) *Manager {
	return &Manager{kv: kvc, sys: sys, clock: c}
}

func memKey(userID domain.UserID) string {
	return fmt.Sprintf("mem:%d", int64(userID))
}

func (m *Manager) load(ctx context.Context, userID domain.UserID) (*record, error) {
	raw, err := m.kv.Raw().Get(ctx, memKey(userID)).Result()
	if err == redis.Nil {
		return &record{Profile: domain.Profile{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading memory record: %w", err)
	}
	var r record
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, fmt.Errorf("decoding memory record: %w", err)
	}
	return &r, nil
}

// save writes r back with a TTL matching MEMORY_TTL, and retries once on a
// version conflict per §5's compare-and-swap rule. attempt guards against
// infinite recursion from a persistently racing writer.
func (m *Manager) save(ctx context.Context, userID domain.UserID, r *record, attempt int) error {
	r.Version++
	r.UpdatedAt = m.clock.Now()
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding memory record: %w", err)
	}
	ttl := time.Duration(m.sys.MemoryTTLDays) * 24 * time.Hour
	if err := m.kv.Raw().Set(ctx, memKey(userID), raw, ttl).Err(); err != nil {
		if attempt < 1 {
			fresh, loadErr := m.load(ctx, userID)
			if loadErr == nil {
				fresh.History = r.History
				fresh.Profile = r.Profile
				fresh.AggressiveCompression = r.AggressiveCompression
				fresh.RecentAssistantPhrases = r.RecentAssistantPhrases
				return m.save(ctx, userID, fresh, attempt+1)
			}
		}
		return fmt.Errorf("saving memory record: %w", err)
	}
	return nil
}

// GetContext implements the read API of §4.4.
func (m *Manager) GetContext(ctx context.Context, userID domain.UserID) (*domain.Context, error) {
	r, err := m.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	recentN := m.sys.RecentN
	recent := r.History
	var older []domain.ConversationTurn
	if len(recent) > recentN {
		older = recent[:len(recent)-recentN]
		recent = recent[len(recent)-recentN:]
	}
	return &domain.Context{
		Profile:    r.Profile,
		Recent:     recent,
		Summary:    buildTemporalSummary(older, r.RecentAssistantPhrases, m.clock.Now()),
		TotalTurns: len(r.History),
	}, nil
}

// AppendUserTurn inserts a user turn then enforces the bound invariants.
// Unconditional and independent of any prior read, per §9's fix for the
// "new conversation just starting" bug: this call always precedes the
// Supervisor's context read.
func (m *Manager) AppendUserTurn(ctx context.Context, userID domain.UserID, text string) error {
	return m.append(ctx, userID, domain.ConversationTurn{
		Role:      domain.RoleUser,
		Content:   text,
		Timestamp: m.clock.Now(),
	})
}

// AppendAssistantTurn inserts an assistant turn and records its bubbles in
// the anti-repetition phrase window.
func (m *Manager) AppendAssistantTurn(ctx context.Context, userID domain.UserID, bubbles []string) error {
	return m.append(ctx, userID, domain.ConversationTurn{
		Role:      domain.RoleAssistant,
		Content:   strings.Join(bubbles, " "),
		Timestamp: m.clock.Now(),
		Bubbles:   bubbles,
	})
}

func (m *Manager) append(ctx context.Context, userID domain.UserID, turn domain.ConversationTurn) error {
	r, err := m.load(ctx, userID)
	if err != nil {
		return err
	}
	r.History = append(r.History, turn)
	if turn.Role == domain.RoleAssistant {
		r.RecentAssistantPhrases = append(r.RecentAssistantPhrases, turn.Bubbles...)
		if len(r.RecentAssistantPhrases) > m.sys.AntiRepeatWindow {
			r.RecentAssistantPhrases = r.RecentAssistantPhrases[len(r.RecentAssistantPhrases)-m.sys.AntiRepeatWindow:]
		}
	}

	trimFIFO(r, m.sys.MaxHistory)
	if err := enforceSizeBound(r, m.sys.MaxContextBytes); err != nil {
		return err
	}

	return m.save(ctx, userID, r, 0)
}

// SetProfile sets one profile key.
func (m *Manager) SetProfile(ctx context.Context, userID domain.UserID, key, value string) error {
	r, err := m.load(ctx, userID)
	if err != nil {
		return err
	}
	if r.Profile == nil {
		r.Profile = domain.Profile{}
	}
	r.Profile[key] = value
	return m.save(ctx, userID, r, 0)
}

// DeleteUser purges everything this package owns for userID: history,
// profile, and anti-repetition state. GDPR erasure also touches the
// cursor and quarantine rows, which pkg/store owns and purges through
// DeleteCursor and DeleteUserQuarantine, orchestrated together by the
// Review API's DELETE /users handler.
func (m *Manager) DeleteUser(ctx context.Context, userID domain.UserID) error {
	if err := m.kv.Raw().Del(ctx, memKey(userID)).Err(); err != nil {
		return fmt.Errorf("deleting memory record: %w", err)
	}
	return nil
}

// trimFIFO enforces len(history) <= maxHistory, dropping oldest first.
func trimFIFO(r *record, maxHistory int) {
	if len(r.History) > maxHistory {
		r.History = r.History[len(r.History)-maxHistory:]
	}
}

// enforceSizeBound applies the progressive-compression ladder of §4.4
// until the serialized record fits under maxBytes, or all three levels
// have been applied.
func enforceSizeBound(r *record, maxBytes int) error {
	size := func() int {
		raw, _ := json.Marshal(r)
		return len(raw)
	}

	if size() <= maxBytes {
		return nil
	}

	compressLevel1(r)
	if size() <= maxBytes {
		return nil
	}

	recentN := 10
	compressLevel2(r, recentN)
	if size() <= maxBytes {
		return nil
	}

	compressLevel3(r, recentN)
	return nil
}

// compressLevel1 drops non-essential profile keys.
func compressLevel1(r *record) {
	keep := map[string]bool{}
	for _, k := range strings.Split(essentialProfileKeys, ",") {
		keep[k] = true
	}
	for k := range r.Profile {
		if !keep[k] {
			delete(r.Profile, k)
		}
	}
}

// compressLevel2 collapses consecutive same-role turns older than the
// recent window, keeping only the first and last sentence of each run.
func compressLevel2(r *record, recentN int) {
	if len(r.History) <= recentN {
		return
	}
	older := r.History[:len(r.History)-recentN]
	recent := r.History[len(r.History)-recentN:]

	var collapsed []domain.ConversationTurn
	i := 0
	for i < len(older) {
		j := i + 1
		for j < len(older) && older[j].Role == older[i].Role {
			j++
		}
		run := older[i:j]
		collapsed = append(collapsed, domain.ConversationTurn{
			Role:      run[0].Role,
			Content:   firstSentence(run[0].Content) + " ... " + firstSentence(run[len(run)-1].Content),
			Timestamp: run[0].Timestamp,
		})
		i = j
	}
	r.History = append(collapsed, recent...)
}

// compressLevel3 replaces all pre-recent history with the temporal summary
// text and sets the record's AggressiveCompression flag; the profile map
// itself gets no aggressive_compression key.
func compressLevel3(r *record, recentN int) {
	if len(r.History) <= recentN {
		return
	}
	older := r.History[:len(r.History)-recentN]
	recent := r.History[len(r.History)-recentN:]

	summary := buildTemporalSummary(older, r.RecentAssistantPhrases, time.Now())
	r.History = append([]domain.ConversationTurn{{
		Role:    domain.RoleAssistant,
		Content: summary.Text,
	}}, recent...)
	r.AggressiveCompression = true
}

func firstSentence(s string) string {
	idx := strings.IndexAny(s, ".!?")
	if idx < 0 || idx+1 > len(s) {
		return s
	}
	return s[:idx+1]
}

// buildTemporalSummary is a deterministic, LLM-free digest over turns older
// than the recent window (§4.4): coarse time-bucketing, noun-phrase
// frequency, and the anti-repetition phrase list.
func buildTemporalSummary(older []domain.ConversationTurn, recentPhrases []string, now time.Time) domain.TemporalSummary {
	if len(older) == 0 {
		return domain.TemporalSummary{RecentAssistantPhrases: recentPhrases}
	}

	buckets := map[string][]domain.ConversationTurn{}
	order := []string{"today", "yesterday", "2 days ago", "last week", "earlier"}
	for _, t := range older {
		b := bucketFor(t.Timestamp, now)
		buckets[b] = append(buckets[b], t)
	}

	var sb strings.Builder
	for _, b := range order {
		turns, ok := buckets[b]
		if !ok {
			continue
		}
		sb.WriteString(strings.ToUpper(b[:1]) + b[1:] + ": ")
		phrases := topNounPhrases(turns, 5)
		if len(phrases) > 0 {
			sb.WriteString(strings.Join(phrases, ", "))
		} else {
			sb.WriteString(fmt.Sprintf("%d exchanges", len(turns)))
		}
		sb.WriteString(". ")
	}

	return domain.TemporalSummary{
		Text:                   strings.TrimSpace(sb.String()),
		RecentAssistantPhrases: recentPhrases,
	}
}

func bucketFor(t, now time.Time) string {
	d := now.Sub(t)
	switch {
	case d < 24*time.Hour && t.Day() == now.Day():
		return "today"
	case d < 48*time.Hour:
		return "yesterday"
	case d < 3*24*time.Hour:
		return "2 days ago"
	case d < 7*24*time.Hour:
		return "last week"
	default:
		return "earlier"
	}
}

var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true, "i": true,
	"you": true, "it": true, "to": true, "and": true, "of": true, "in": true,
	"for": true, "on": true, "was": true, "were": true, "be": true, "that": true,
	"this": true, "my": true, "your": true, "with": true, "at": true,
}

// topNounPhrases is a deterministic frequency count over lowercased
// bigrams, skipping any pair that contains a stopword and keeping only
// bigrams seen at least twice. It is a heuristic stand-in for
// real noun-phrase extraction that needs no model and no third-party NLP
// dependency — the pack carries none.
func topNounPhrases(turns []domain.ConversationTurn, n int) []string {
	counts := map[string]int{}
	var order []string
	for _, t := range turns {
		words := strings.Fields(strings.ToLower(t.Content))
		for i := 0; i+1 < len(words); i++ {
			w1, w2 := cleanWord(words[i]), cleanWord(words[i+1])
			if w1 == "" || w2 == "" || stopwords[w1] || stopwords[w2] {
				continue
			}
			phrase := w1 + " " + w2
			if counts[phrase] == 0 {
				order = append(order, phrase)
			}
			counts[phrase]++
		}
	}
	sort.SliceStable(order, func(i, j int) bool {
		return counts[order[i]] > counts[order[j]]
	})
	var top []string
	for _, p := range order {
		if counts[p] < 2 {
			continue
		}
		top = append(top, p)
		if len(top) >= n {
			break
		}
	}
	return top
}

func cleanWord(w string) string {
	return strings.Trim(w, ".,!?:;\"'()")
}
