package bot

import (
	"math/rand"
	"strings"
	"sync"
	"time"
)

// Content holds the message tables the bot composes posts from. Tables are
// hot-swappable via Apply (config reload); built-in defaults are used for
// any table the config leaves empty.
type Content struct {
	mu        sync.RWMutex
	greetings []string
	emojis    []string
	replies   []string
	langs     []string

	rngMu sync.Mutex
	rng   *rand.Rand
}

func defaultGreetings() []string {
	return []string{
		"Good morning, sky!",
		"Hello from the scheduler",
		"Another day, another post",
		"Beep boop, still here",
		"Hope your timeline is kind today",
	}
}

func defaultEmojis() []string {
	return []string{"☀️", "🌤️", "🦋", "🤖", "✨", "🌊", "🫡"}
}

func defaultReplies() []string {
	return []string{
		"Thanks for the mention!",
		"Hello there!",
		"You rang?",
		"At your service",
	}
}

func NewContent() *Content {
	c := &Content{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
	c.Apply(nil, nil, nil, nil)
	return c
}

// Apply swaps the message tables. Empty slices fall back to defaults.
func (c *Content) Apply(greetings, emojis, replies, langs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.greetings = orDefault(greetings, defaultGreetings())
	c.emojis = orDefault(emojis, defaultEmojis())
	c.replies = orDefault(replies, defaultReplies())
	if len(langs) == 0 {
		langs = []string{"en"}
	}
	c.langs = append([]string(nil), langs...)
}

func orDefault(vals, def []string) []string {
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

// Greeting composes the scheduled post text: a random greeting plus a
// random emoji.
func (c *Content) Greeting() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pick(c.greetings) + " " + c.pick(c.emojis)
}

// Reply composes a mention reply addressed to the given handle.
func (c *Content) Reply(handle string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	text := c.pick(c.replies) + " " + c.pick(c.emojis)
	if strings.TrimSpace(handle) == "" {
		return text
	}
	return "@" + handle + " " + text
}

// Langs returns the language tags attached to composed posts.
func (c *Content) Langs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.langs...)
}

func (c *Content) pick(vals []string) string {
	if len(vals) == 0 {
		return ""
	}
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return vals[c.rng.Intn(len(vals))]
}
