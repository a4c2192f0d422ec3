package core

import (
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

var greetingPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^hi+$`),
	regexp.MustCompile(`^hello+$`),
	regexp.MustCompile(`^hey+$`),
	regexp.MustCompile(`^hola$`),
	regexp.MustCompile(`^namaste$`),
	regexp.MustCompile(`^good morning$`),
	regexp.MustCompile(`^good afternoon$`),
	regexp.MustCompile(`^good evening$`),
	regexp.MustCompile(`^good night$`),
	regexp.MustCompile(`^\w*thanks?\w*$`), // thanks, thank, thankyou, thanksss
	regexp.MustCompile(`^\w*thank\s*you\w*$`),
	regexp.MustCompile(`^ok+$`),
	regexp.MustCompile(`^okay+$`),
	regexp.MustCompile(`^cool+$`),
	regexp.MustCompile(`^nice+$`),
	regexp.MustCompile(`^great+$`),
	regexp.MustCompile(`^awesome+$`),
	regexp.MustCompile(`^(?:👍)+$`),
	regexp.MustCompile(`^(?:❤\x{FE0F}?)+$`),
	regexp.MustCompile(`^(?:🙏)+$`),
}

var greetingWords = map[string]struct{}{
	"hi": {}, "hey": {}, "hello": {}, "thanks": {}, "thank": {}, "ok": {}, "okay": {}, "cool": {}, "nice": {},
}

var staticReplies = []string{
	"Hey! Thanks for reaching out! 😊",
	"Hello! How can I help you today?",
	"Hi there! What can I do for you?",
	"Hey! Feel free to ask me anything!",
	"Thanks for your message! What would you like to know?",
}

// Gatekeeper answers greetings and acknowledgements without touching any paid service.
type Gatekeeper struct {
	mu   sync.Mutex
	next int
	log  zerolog.Logger
}

func NewGatekeeper(logger zerolog.Logger) *Gatekeeper {
	return &Gatekeeper{log: logger.With().Str("component", "gatekeeper").Logger()}
}

// Classify reports whether the whole message is small talk.
func (g *Gatekeeper) Classify(text string) bool {
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return false
	}

	for _, p := range greetingPatterns {
		if p.MatchString(normalized) {
			g.log.Debug().Str("message", text).Msg("Gatekeeper: greeting detected, 0 tokens used")
			return true
		}
	}

	words := strings.Fields(normalized)
	if len(words) > 2 {
		return false
	}
	for _, w := range words {
		if _, ok := greetingWords[strings.Trim(w, "!.,?")]; !ok {
			return false
		}
	}
	g.log.Debug().Str("message", text).Msg("Gatekeeper: short greeting detected, 0 tokens used")
	return true
}

// NextStaticReply cycles through the canned replies in a fixed order.
func (g *Gatekeeper) NextStaticReply() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	reply := staticReplies[g.next%len(staticReplies)]
	g.next++
	return reply
}
