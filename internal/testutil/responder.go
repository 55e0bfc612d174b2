package testutil

import (
	"fmt"
	"strings"
	"sync"

	"github.com/hupe1980/convomesh/model"
)

// Rule answers requests whose instructions contain Keyword.
type Rule struct {
	Keyword  string
	Response string
	Err      error
}

// Responder is a scripted model responder usable with model.MockModel.
// Rules are checked in order; the first keyword found in the request
// instructions wins.
type Responder struct {
	mu    sync.Mutex
	rules []Rule
	seen  map[string]int
}

// NewResponder creates a responder with rules.
func NewResponder(rules ...Rule) *Responder {
	return &Responder{rules: rules, seen: map[string]int{}}
}

// ChatResponder answers every built-in stage with a healthy, valid output.
func ChatResponder() *Responder {
	return NewResponder(
		Rule{Keyword: "policy compliance", Response: `{"approved": true, "reason": "ok"}`},
		Rule{Keyword: "Classify the sentiment", Response: `{"label": "positive", "score": 0.6}`},
		Rule{Keyword: "Identify what the customer wants", Response: `{"intent": "greeting", "confidence": 0.9}`},
		Rule{Keyword: "conversational strategy", Response: `{"strategy": "friendly", "rationale": "greeting"}`},
		Rule{Keyword: "Recommend at most three products", Response: `{"recommendations": []}`},
		Rule{Keyword: "follow-up questions", Response: `{"suggestions": ["What are your prices?"]}`},
		Rule{Keyword: "durable facts", Response: `{"facts": []}`},
		Rule{Keyword: "Summarize", Response: "summary"},
		Rule{Keyword: "helpful customer assistant", Response: "Hello! How can I help you today?"},
	)
}

// Set replaces the rule for keyword or appends it at the front.
func (r *Responder) Set(rule Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.rules {
		if existing.Keyword == rule.Keyword {
			r.rules[i] = rule
			return
		}
	}
	r.rules = append([]Rule{rule}, r.rules...)
}

// Respond implements the model.MockModel responder signature.
func (r *Responder) Respond(req model.Request) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rule := range r.rules {
		if strings.Contains(req.Instructions, rule.Keyword) {
			r.seen[rule.Keyword]++
			return rule.Response, rule.Err
		}
	}
	return "", fmt.Errorf("no scripted response for instructions %q", req.Instructions)
}

// Hits returns how many requests matched keyword.
func (r *Responder) Hits(keyword string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seen[keyword]
}
