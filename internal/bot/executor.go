package bot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"skybot/internal/bsky"
	"skybot/internal/ratelimit"
	"skybot/internal/storage"
	logx "skybot/pkg/logx"
)

// Client is the slice of the PDS client the executor drives.
type Client interface {
	CreatePost(ctx context.Context, text string, reply *bsky.ReplyRef, langs []string) (bsky.RecordRef, error)
	DeletePost(ctx context.Context, uri string) error
	ListNotifications(ctx context.Context, limit int) ([]bsky.Notification, error)
	UpdateSeen(ctx context.Context, seenAt time.Time) error
}

// Config tunes the executor's pacing and backoff behavior.
type Config struct {
	// ReplyPacing is the fixed delay between consecutive mention replies.
	ReplyPacing time.Duration // default 5s
	// Cooldown is how long to back off after a provider-side 429.
	Cooldown time.Duration // default 15m
	// MentionLimit caps how many notifications one cycle fetches.
	MentionLimit int // default 50
	// PruneAfter deletes own posts older than this. 0 disables pruning.
	PruneAfter time.Duration
	// PruneBatch caps deletions per prune run.
	PruneBatch int // default 25

	// Now overrides the clock for tests.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.ReplyPacing <= 0 {
		c.ReplyPacing = 5 * time.Second
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 15 * time.Minute
	}
	if c.MentionLimit <= 0 {
		c.MentionLimit = 50
	}
	if c.PruneBatch <= 0 {
		c.PruneBatch = 25
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Executor performs the bot's write cycles, asking the governor for budget
// before every action and charging it via the atomic Reserve.
//
// Budget exhaustion is a normal outcome: the cycle logs the remaining
// headroom and skips. Provider throttling (429) is different: the executor
// enters a cooldown and aborts the cycle, without touching the budget (the
// local counters are an estimate; a 429 means they have drifted optimistic).
type Executor struct {
	cfg     Config
	gov     *ratelimit.Governor
	client  Client
	content *Content
	store   storage.Store
	log     logx.Logger

	// pacing spaces consecutive mention replies; Wait(ctx) makes the delay
	// interruptible by shutdown.
	pacing *rate.Limiter

	mu            sync.Mutex
	cooldownUntil time.Time
}

func NewExecutor(cfg Config, gov *ratelimit.Governor, client Client, content *Content, store storage.Store, log logx.Logger) *Executor {
	cfg = cfg.withDefaults()
	return &Executor{
		cfg:     cfg,
		gov:     gov,
		client:  client,
		content: content,
		store:   store,
		log:     log,
		pacing:  rate.NewLimiter(rate.Every(cfg.ReplyPacing), 1),
	}
}

// inCooldown reports whether a provider throttle is still in effect.
func (e *Executor) inCooldown() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.Now().Before(e.cooldownUntil)
}

func (e *Executor) startCooldown() {
	e.mu.Lock()
	e.cooldownUntil = e.cfg.Now().Add(e.cfg.Cooldown)
	until := e.cooldownUntil
	e.mu.Unlock()
	e.log.Warn("provider throttled; entering cooldown", logx.Time("until", until))
}

// reserve asks the governor for budget. A deny is logged with the remaining
// headroom in both windows and reported as ok=false; only governor misuse
// surfaces as an error.
func (e *Executor) reserve(a ratelimit.Action) (bool, error) {
	ok, err := e.gov.Reserve(a)
	if err != nil {
		return false, fmt.Errorf("governor rejected action: %w", err)
	}
	if !ok {
		hourly, daily := e.gov.Remaining()
		e.log.Info("budget exhausted; skipping",
			logx.String("action", string(a)),
			logx.Int("hourly_remaining", hourly),
			logx.Int("daily_remaining", daily),
		)
	}
	return ok, nil
}

// PostGreeting runs the scheduled-post cycle: reserve budget, compose a
// greeting, write it.
func (e *Executor) PostGreeting(ctx context.Context) error {
	if e.inCooldown() {
		e.log.Debug("in cooldown; skipping scheduled post")
		return nil
	}
	ok, err := e.reserve(ratelimit.ActionCreate)
	if err != nil || !ok {
		return err
	}

	text := e.content.Greeting()
	ref, err := e.client.CreatePost(ctx, text, nil, e.content.Langs())
	e.audit(ctx, ratelimit.ActionCreate, ref.Uri, err)
	if err != nil {
		if bsky.IsThrottled(err) {
			e.startCooldown()
			return nil
		}
		// The reservation stands even though the write failed; charges are
		// not transactional.
		return fmt.Errorf("scheduled post: %w", err)
	}
	e.log.Info("posted", logx.String("uri", ref.Uri), logx.Int("chars", len(text)))
	return nil
}

// ReplyMentions polls notifications and answers unread mentions one at a
// time, pacing between replies, then marks notifications seen.
func (e *Executor) ReplyMentions(ctx context.Context) error {
	if e.inCooldown() {
		e.log.Debug("in cooldown; skipping mention replies")
		return nil
	}

	notifs, err := e.client.ListNotifications(ctx, e.cfg.MentionLimit)
	if err != nil {
		if bsky.IsThrottled(err) {
			e.startCooldown()
			return nil
		}
		return fmt.Errorf("list notifications: %w", err)
	}

	replied := 0
	for _, n := range notifs {
		if n.Reason != "mention" || n.IsRead {
			continue
		}
		if e.alreadyReplied(ctx, n.Uri) {
			continue
		}

		// Every reply takes a token; the first in a cycle gets the standing
		// one, each further reply waits a full ReplyPacing for the refill.
		if err := e.pacing.Wait(ctx); err != nil {
			return err
		}

		ok, err := e.reserve(ratelimit.ActionCreate)
		if err != nil {
			return err
		}
		if !ok {
			// Out of budget; the rest of the mentions wait for a later cycle.
			break
		}

		ref := bsky.RecordRef{Uri: n.Uri, Cid: n.Cid}
		reply := &bsky.ReplyRef{Root: ref, Parent: ref}
		text := e.content.Reply(n.Author.Handle)
		out, err := e.client.CreatePost(ctx, text, reply, e.content.Langs())
		e.audit(ctx, ratelimit.ActionCreate, out.Uri, err)
		if err != nil {
			if bsky.IsThrottled(err) {
				e.startCooldown()
				return nil
			}
			e.log.Warn("reply failed", logx.String("mention", n.Uri), logx.Err(err))
			continue
		}
		e.markReplied(ctx, n.Uri)
		replied++
		e.log.Info("replied to mention",
			logx.String("mention", n.Uri),
			logx.String("author", n.Author.Handle),
		)
	}

	if replied == 0 {
		return nil
	}

	// Read-state update is a charged write too.
	ok, err := e.reserve(ratelimit.ActionUpdate)
	if err != nil || !ok {
		return err
	}
	err = e.client.UpdateSeen(ctx, e.cfg.Now())
	e.audit(ctx, ratelimit.ActionUpdate, "", err)
	if err != nil {
		if bsky.IsThrottled(err) {
			e.startCooldown()
			return nil
		}
		return fmt.Errorf("update seen: %w", err)
	}
	return nil
}

// PruneOldPosts deletes own posts older than the configured age.
func (e *Executor) PruneOldPosts(ctx context.Context) error {
	if e.cfg.PruneAfter <= 0 || e.store == nil {
		return nil
	}
	if e.inCooldown() {
		e.log.Debug("in cooldown; skipping prune")
		return nil
	}

	cutoff := e.cfg.Now().Add(-e.cfg.PruneAfter)
	uris, err := e.store.PostsBefore(ctx, cutoff, e.cfg.PruneBatch)
	if err != nil {
		return fmt.Errorf("prune candidates: %w", err)
	}

	for _, uri := range uris {
		ok, err := e.reserve(ratelimit.ActionDelete)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		err = e.client.DeletePost(ctx, uri)
		e.audit(ctx, ratelimit.ActionDelete, uri, err)
		if err != nil {
			if bsky.IsThrottled(err) {
				e.startCooldown()
				return nil
			}
			e.log.Warn("prune delete failed", logx.String("uri", uri), logx.Err(err))
			continue
		}
		e.log.Debug("pruned post", logx.String("uri", uri))
	}
	return nil
}

func (e *Executor) alreadyReplied(ctx context.Context, uri string) bool {
	if e.store == nil {
		return false
	}
	ok, err := e.store.WasReplied(ctx, uri)
	if err != nil {
		e.log.Warn("reply dedup lookup failed", logx.String("uri", uri), logx.Err(err))
		return false
	}
	return ok
}

func (e *Executor) markReplied(ctx context.Context, uri string) {
	if e.store == nil {
		return
	}
	// Markers outlive the provider's unread state by a wide margin.
	if err := e.store.PutReplied(ctx, uri, e.cfg.Now().Add(30*24*time.Hour)); err != nil {
		e.log.Warn("reply dedup store failed", logx.String("uri", uri), logx.Err(err))
	}
}

func (e *Executor) audit(ctx context.Context, a ratelimit.Action, uri string, actErr error) {
	if e.store == nil {
		return
	}
	cost, err := e.gov.Cost(a)
	if err != nil {
		cost = 0
	}
	entry := storage.ActionEntry{
		At:     e.cfg.Now(),
		Kind:   string(a),
		Uri:    uri,
		Points: cost,
		OK:     actErr == nil,
	}
	if actErr != nil {
		entry.Error = actErr.Error()
	}
	if err := e.store.AppendAction(ctx, entry); err != nil {
		e.log.Warn("audit append failed", logx.Err(err))
	}
}
