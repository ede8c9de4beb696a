// Package useragent rotates browser identity strings and tracks how often each is handed out.
package useragent

import (
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
)

// Family selects a subset of agents in Filtered.
type Family string

const (
	FamilyChrome  Family = "chrome"
	FamilyFirefox Family = "firefox"
	FamilySafari  Family = "safari"
	FamilyMobile  Family = "mobile"
)

// Fallback is returned when the working set is empty.
const Fallback = "Mozilla/5.0 (compatible; fetchcore/1.0)"

var defaultAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:120.0) Gecko/20100101 Firefox/120.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:120.0) Gecko/20100101 Firefox/120.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.0.0",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36 Edg/119.0.0.0",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Linux; Android 10; SM-G973F) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Mobile Safari/537.36",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 17_1 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1",
}

// Defaults returns a copy of the built-in agents.
func Defaults() []string {
	return slices.Clone(defaultAgents)
}

// Matches reports whether agent belongs to family.
func (f Family) Matches(agent string) bool {
	switch f {
	case FamilyChrome:
		return strings.Contains(agent, "Chrome") && !strings.Contains(agent, "Edg")
	case FamilyFirefox:
		return strings.Contains(agent, "Firefox")
	case FamilySafari:
		return strings.Contains(agent, "Safari") && !strings.Contains(agent, "Chrome")
	case FamilyMobile:
		return strings.Contains(agent, "Mobile") || strings.Contains(agent, "Android") || strings.Contains(agent, "iPhone")
	default:
		return false
	}
}

// Usage pairs an agent with its hand-out count.
type Usage struct {
	Agent string `json:"agent"`
	Count int    `json:"count"`
}

// Stats summarises the pool.
type Stats struct {
	Total     int            `json:"total"`
	Defaults  int            `json:"defaults"`
	Custom    int            `json:"custom"`
	Usage     map[string]int `json:"usage"`
	MostUsed  *Usage         `json:"most_used,omitempty"`
	LeastUsed *Usage         `json:"least_used,omitempty"`
}

// Pool hands out agents. The working set and usage map change together under mu.
type Pool struct {
	mu     sync.Mutex
	agents []string
	custom map[string]struct{}
	usage  map[string]int
	intn   func(int) int
}

// New builds a pool from the defaults plus custom agents.
func New(custom []string) *Pool {
	p := &Pool{
		custom: make(map[string]struct{}),
		usage:  make(map[string]int),
		intn:   rand.IntN,
	}
	for _, a := range defaultAgents {
		p.addLocked(a, false)
	}
	for _, a := range custom {
		p.addLocked(a, true)
	}
	return p
}

// Random returns a uniformly random agent and counts its use.
func (p *Pool) Random() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pickLocked(p.agents)
}

// Filtered returns a random agent of the given family, falling back to Random.
func (p *Pool) Filtered(family Family) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	matches := make([]string, 0, len(p.agents))
	for _, a := range p.agents {
		if family.Matches(a) {
			matches = append(matches, a)
		}
	}
	if len(matches) == 0 {
		return p.pickLocked(p.agents)
	}
	return p.pickLocked(matches)
}

func (p *Pool) pickLocked(from []string) string {
	if len(from) == 0 {
		return Fallback
	}
	agent := from[p.intn(len(from))]
	p.usage[agent]++
	return agent
}

// Add puts agent into rotation. Duplicates and blanks are ignored.
func (p *Pool) Add(agent string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addLocked(agent, true)
}

func (p *Pool) addLocked(agent string, custom bool) bool {
	agent = strings.TrimSpace(agent)
	if agent == "" {
		return false
	}
	if _, ok := p.usage[agent]; ok {
		return false
	}
	p.agents = append(p.agents, agent)
	p.usage[agent] = 0
	if custom {
		p.custom[agent] = struct{}{}
	}
	return true
}

// Remove takes agent out of rotation along with its counter.
func (p *Pool) Remove(agent string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := slices.Index(p.agents, agent)
	if idx < 0 {
		return false
	}
	p.agents = slices.Delete(p.agents, idx, idx+1)
	delete(p.usage, agent)
	delete(p.custom, agent)
	return true
}

// Len returns the size of the working set.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.agents)
}

// ResetUsage zeroes every counter.
func (p *Pool) ResetUsage() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for a := range p.usage {
		p.usage[a] = 0
	}
}

// Stats returns a snapshot of counts and usage.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := Stats{
		Total:  len(p.agents),
		Custom: len(p.custom),
		Usage:  make(map[string]int, len(p.usage)),
	}
	stats.Defaults = stats.Total - stats.Custom
	for _, a := range p.agents {
		n := p.usage[a]
		stats.Usage[a] = n
		if stats.MostUsed == nil || n > stats.MostUsed.Count {
			stats.MostUsed = &Usage{Agent: a, Count: n}
		}
		if stats.LeastUsed == nil || n < stats.LeastUsed.Count {
			stats.LeastUsed = &Usage{Agent: a, Count: n}
		}
	}
	return stats
}
