// Package supervisor implements the Supervisor (C7): the ten-step
// per-job pipeline of §4.7, grounded on the teacher's AgentEngine.
// ProcessLLMStream's shape — reserve input, drive a bounded sequence of
// LLM calls with retry, and always leave a durable record of what
// happened even when a step fails partway through.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/clock"
	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/config"
	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/domain"
	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/kv"
	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/llmrouter"
	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/memory"
	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/safety"
	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/wal"
)

// bubbleSentinel is the delimiter the stage-2 prompt asks the model to
// place between conversational bubbles (§4.6's "1-4 bubbles" format).
const bubbleSentinel = "|||BUBBLE|||"

// ProtocolChecker reports whether a user is currently under the silence
// protocol (C11), diverting their jobs at step 1.
type ProtocolChecker interface {
	IsActive(ctx context.Context, userID domain.UserID) (bool, error)
}

// QuarantineDiverter stores a diverted job as a QuarantineMessage.
type QuarantineDiverter interface {
	Divert(ctx context.Context, job *domain.PipelineJob) error
}

// RecentRater supplies the quarantine_recent(user) term of the priority
// score formula.
type RecentRater interface {
	RecentRate(ctx context.Context, userID domain.UserID) (float64, error)
}

// ReviewStore persists a freshly-built ReviewItem (C8).
type ReviewStore interface {
	Create(ctx context.Context, item *domain.ReviewItem) error
}

// ReviewQueue pushes a review onto the priority queue (C9).
type ReviewQueue interface {
	Push(ctx context.Context, reviewID string, priority float64) error
}

// Supervisor runs the pipeline described in §4.7.
type Supervisor struct {
	WorkerID string

	kv      *kv.Client
	wal     *wal.WAL
	mem     *memory.Manager
	router  *llmrouter.Router
	sys     *config.SystemConfig
	persona *config.Persona
	clock   clock.Clock
	tz      *time.Location

	protocol   ProtocolChecker
	quarantine QuarantineDiverter
	recent     RecentRater
	store      ReviewStore
	queue      ReviewQueue
}

func New(
	kvc *kv.Client,
	w *wal.WAL,
	mem *memory.Manager,
	router *llmrouter.Router,
	sys *config.SystemConfig,
	persona *config.Persona,
	tz *time.Location,
	c clock.Clock,
	protocol ProtocolChecker,
	quarantine QuarantineDiverter,
	recent RecentRater,
	store ReviewStore,
	queue ReviewQueue,
	workerID string,
) *Supervisor {
	return &Supervisor{
		WorkerID:   workerID,
		kv:         kvc,
		wal:        w,
		mem:        mem,
		router:     router,
		sys:        sys,
		persona:    persona,
		clock:      c,
		tz:         tz,
		protocol:   protocol,
		quarantine: quarantine,
		recent:     recent,
		store:      store,
		queue:      queue,
	}
}

const leaseMS = 5 * 60 * 1000 // 5 min, matching the per-user processing lock TTL

// Run reserves jobs from the WAL until ctx is canceled, processing one at a
// time. Intended to be launched N_SUPERVISOR times, one goroutine each.
func (s *Supervisor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		r, err := s.wal.Reserve(ctx, s.WorkerID, leaseMS)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.ErrorContext(ctx, "supervisor: reserve failed", "error", err)
			continue
		}
		if r == nil {
			continue // poll timeout, no job available
		}

		if ctx.Err() != nil {
			// Shutdown mid-reservation: return the job untouched for replay
			// rather than abandoning it with partial work.
			_ = s.wal.Nack(ctx, r)
			return
		}

		s.processReservation(ctx, r)
	}
}

func (s *Supervisor) processReservation(ctx context.Context, r *wal.Reservation) {
	if err := s.process(ctx, r.Job); err != nil {
		slog.ErrorContext(ctx, "supervisor: job processing failed, recorded as pending with processing_error", "job_id", r.Job.JobID, "error", err)
	}
	if err := s.wal.Ack(ctx, r); err != nil {
		slog.ErrorContext(ctx, "supervisor: ack failed", "job_id", r.Job.JobID, "error", err)
	}
}

// process runs steps 1-9 of §4.7. Step 10 (ack/release) is the caller's
// responsibility once process returns, so that a failed job still gets
// acked rather than redelivered forever.
func (s *Supervisor) process(ctx context.Context, job *domain.PipelineJob) error {
	// Step 1: quarantine check.
	active, err := s.protocol.IsActive(ctx, job.UserID)
	if err != nil {
		slog.WarnContext(ctx, "supervisor: protocol status check failed, proceeding as inactive", "error", err)
	}
	if active {
		if err := s.quarantine.Divert(ctx, job); err != nil {
			return s.persistFailure(ctx, job, nil, fmt.Errorf("diverting job to quarantine: %w", err))
		}
		return nil
	}

	// Step 2: per-user processing lock, keyed so a retried job with the same
	// job_id can re-acquire its own lock.
	lockKey := kv.ProcLock(int64(job.UserID))
	acquired, err := s.kv.Raw().SetNX(ctx, lockKey, job.JobID, leaseMS*time.Millisecond).Result()
	if err != nil {
		return s.persistFailure(ctx, job, nil, fmt.Errorf("acquiring processing lock: %w", err))
	}
	if !acquired {
		holder, _ := s.kv.Raw().Get(ctx, lockKey).Result()
		if holder != job.JobID {
			return s.persistFailure(ctx, job, nil, fmt.Errorf("processing lock held by another job for user %d", job.UserID))
		}
	}
	defer s.kv.Raw().Del(ctx, lockKey)

	// Step 3: append_user_turn, unconditional and before any context read.
	if err := s.mem.AppendUserTurn(ctx, job.UserID, job.CoalescedText); err != nil {
		return s.persistFailure(ctx, job, nil, fmt.Errorf("appending user turn: %w", err))
	}

	// Step 4: get_context.
	memCtx, err := s.mem.GetContext(ctx, job.UserID)
	if err != nil {
		return s.persistFailure(ctx, job, nil, fmt.Errorf("reading context: %w", err))
	}

	// Step 5: stage1 with retry (2 attempts on transient errors).
	draft, llm1, err := s.stage1WithRetry(ctx, memCtx, job.CoalescedText)
	if err != nil {
		return s.persistFailure(ctx, job, &llm1, err)
	}

	// Step 6: stage2 refinement into bubbles.
	refined, llm2, err := s.stage2(ctx, draft, memCtx, job.CoalescedText)
	if err != nil {
		item := s.buildReviewItem(job, draft, nil, domain.SafetyReport{Recommendation: "review"}, llm1, llm2)
		item.ProcessingError = classifyError(err)
		return s.finish(ctx, item)
	}

	// Step 7: safety analysis over the joined refined text.
	report := safety.Analyze(strings.Join(refined, " "))

	// Step 8: priority score.
	recentRate := 0.0
	if s.recent != nil {
		if rr, err := s.recent.RecentRate(ctx, job.UserID); err == nil {
			recentRate = rr
		}
	}
	priority := s.priorityScore(report.RiskScore, len(job.Messages), recentRate)

	// Step 9: build, persist, enqueue.
	item := s.buildReviewItem(job, draft, refined, report, llm1, llm2)
	item.PriorityScore = priority
	return s.finish(ctx, item)
}

func (s *Supervisor) finish(ctx context.Context, item *domain.ReviewItem) error {
	if err := s.store.Create(ctx, item); err != nil {
		return fmt.Errorf("persisting review item: %w", err)
	}
	if err := s.queue.Push(ctx, item.ReviewID, item.PriorityScore); err != nil {
		return fmt.Errorf("pushing review queue entry: %w", err)
	}
	return nil
}

// persistFailure builds and stores the best-effort, flagged ReviewItem
// described in §4.7's failure paragraph, then returns the original error so
// the caller logs it — the WAL job is still acked; retries happen only
// within stage1's own retry budget, not by redelivering the whole job.
func (s *Supervisor) persistFailure(ctx context.Context, job *domain.PipelineJob, llm1 *domain.LLMCallRecord, cause error) error {
	item := s.buildReviewItem(job, "", nil, domain.SafetyReport{Recommendation: "review"}, domain.LLMCallRecord{}, domain.LLMCallRecord{})
	if llm1 != nil {
		item.LLM1 = *llm1
	}
	item.ProcessingError = classifyError(cause)
	if err := s.finish(ctx, item); err != nil {
		return fmt.Errorf("%w (and failed to persist failure record: %v)", cause, err)
	}
	return cause
}

func classifyError(err error) string {
	if errors.Is(err, llmrouter.ErrUnavailable) {
		return "llm_unavailable"
	}
	return err.Error()
}

func (s *Supervisor) buildReviewItem(job *domain.PipelineJob, draft string, refined []string, report domain.SafetyReport, llm1, llm2 domain.LLMCallRecord) *domain.ReviewItem {
	now := s.clock.Now()
	return &domain.ReviewItem{
		ReviewID:       uuid.NewString(),
		UserID:         job.UserID,
		ChatID:         job.ChatID,
		InboundText:    job.CoalescedText,
		DraftText:      draft,
		RefinedBubbles: refined,
		Safety:         report,
		LLM1:           llm1,
		LLM2:           llm2,
		Status:         domain.StatusPending,
		CustomerStatus: domain.CustomerProspect,
		Recovered:      anyRecovered(job.Messages),
		Tier:           tierOf(job.Messages),
		LastMessageID:  lastMessageID(job.Messages),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func anyRecovered(msgs []domain.InboundMessage) bool {
	for _, m := range msgs {
		if m.Recovered {
			return true
		}
	}
	return false
}

// lastMessageID returns the transport message_id of the last buffered
// message, the value the Delivery Worker advances message_cursors to on
// successful send (§4.10 step 4).
func lastMessageID(msgs []domain.InboundMessage) int64 {
	if len(msgs) == 0 {
		return 0
	}
	return msgs[len(msgs)-1].MessageID
}

func tierOf(msgs []domain.InboundMessage) string {
	for _, m := range msgs {
		if m.Recovered {
			return m.Tier
		}
	}
	return ""
}

func (s *Supervisor) priorityScore(riskScore float64, messageCount int, recentRate float64) float64 {
	w1, w2, w3 := s.sys.PriorityWeightSafety, s.sys.PriorityWeightBatchSize, s.sys.PriorityWeightQuarantine
	batchTerm := float64(messageCount) / 5.0
	if batchTerm > 1.0 {
		batchTerm = 1.0
	}
	return w1*riskScore + w2*batchTerm + w3*recentRate
}

// stage1WithRetry calls the draft stage, retrying once on a transient
// failure as named in §4.7 step 5 ("2 attempts on transient errors").
func (s *Supervisor) stage1WithRetry(ctx context.Context, memCtx *domain.Context, coalescedText string) (string, domain.LLMCallRecord, error) {
	persona := s.stage1Persona()
	memoryText := s.renderMemoryContext(memCtx)

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		draft, record, err := s.router.Stage1(ctx, persona, memoryText, coalescedText)
		if err == nil {
			return draft, record, nil
		}
		lastErr = err
		if !errors.Is(err, llmrouter.ErrUnavailable) {
			break
		}
	}
	return "", domain.LLMCallRecord{}, lastErr
}

// stage1Persona prefixes the persona draft prompt with the current local
// time, as §6.5 describes for the timezone-aware dynamic prompt.
func (s *Supervisor) stage1Persona() string {
	now := s.clock.Now()
	if s.tz != nil {
		now = now.In(s.tz)
	}
	return fmt.Sprintf("Current local time: %s\n\n%s", now.Format("Monday 15:04"), s.persona.DraftPrompt)
}

func (s *Supervisor) renderMemoryContext(c *domain.Context) string {
	var sb strings.Builder
	if len(c.Profile) > 0 {
		sb.WriteString("Known profile: ")
		for k, v := range c.Profile {
			fmt.Fprintf(&sb, "%s=%s; ", k, v)
		}
		sb.WriteString("\n")
	}
	if c.Summary.Text != "" {
		sb.WriteString("Earlier conversation: ")
		sb.WriteString(c.Summary.Text)
		sb.WriteString("\n")
	}
	for _, turn := range c.Recent {
		fmt.Fprintf(&sb, "[%s]: %s\n", turn.Role, turn.Content)
	}
	return sb.String()
}

// stage2 builds the dynamic suffix (original text, draft, anti-repetition
// hint, bubble instruction) and parses the sentinel-delimited response.
func (s *Supervisor) stage2(ctx context.Context, draft string, memCtx *domain.Context, userText string) ([]string, domain.LLMCallRecord, error) {
	suffix := s.stage2Suffix(draft, memCtx.Summary.RecentAssistantPhrases, userText)
	text, record, err := s.router.Stage2(ctx, s.persona.StablePrefix, suffix)
	if err != nil {
		return nil, record, err
	}
	return parseBubbles(text), record, nil
}

func (s *Supervisor) stage2Suffix(draft string, recentPhrases []string, userText string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "User said: %s\n", userText)
	fmt.Fprintf(&sb, "Draft reply: %s\n", draft)
	if len(recentPhrases) > 0 {
		fmt.Fprintf(&sb, "Avoid repeating these recent phrases: %s\n", strings.Join(recentPhrases, "; "))
	}
	fmt.Fprintf(&sb, "Split your reply into 1 to 4 natural chat bubbles, each on its own, separated by the exact sentinel %q. Output nothing else.", bubbleSentinel)
	return sb.String()
}

func parseBubbles(text string) []string {
	parts := strings.Split(text, bubbleSentinel)
	var bubbles []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			bubbles = append(bubbles, p)
		}
		if len(bubbles) == 4 {
			break
		}
	}
	if len(bubbles) == 0 && strings.TrimSpace(text) != "" {
		bubbles = []string{strings.TrimSpace(text)}
	}
	return bubbles
}
