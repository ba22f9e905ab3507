package detection

import (
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	ErrScanBudgetExhausted = errors.New("detection: scan budget exhausted for page")
	ErrScanCooldown        = errors.New("detection: scan cooldown active")
)

const (
	DefaultMaxScans     = 5
	DefaultScanCooldown = 1200 * time.Millisecond
)

// PageKey identifies one page lifetime: a tab showing a URL.
func PageKey(tabID int, url string) string {
	return strconv.Itoa(tabID) + "|" + url
}

type scanBudget struct {
	count int
	last  time.Time
}

// ScanLimiter bounds rescans triggered by DOM mutations.
type ScanLimiter struct {
	max      int
	cooldown time.Duration
	now      func() time.Time

	mu    sync.Mutex
	pages map[string]*scanBudget
}

func NewScanLimiter(maxScans int, cooldown time.Duration) *ScanLimiter {
	if maxScans <= 0 {
		maxScans = DefaultMaxScans
	}
	if cooldown < 0 {
		cooldown = DefaultScanCooldown
	}
	return &ScanLimiter{max: maxScans, cooldown: cooldown, now: time.Now, pages: map[string]*scanBudget{}}
}

// Allow consumes one scan for key or reports why it cannot.
func (l *ScanLimiter) Allow(key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	b, ok := l.pages[key]
	if !ok {
		l.pages[key] = &scanBudget{count: 1, last: now}
		return nil
	}
	if b.count >= l.max {
		return ErrScanBudgetExhausted
	}
	if now.Sub(b.last) < l.cooldown {
		return ErrScanCooldown
	}
	b.count++
	b.last = now
	return nil
}

// Reset forgets key.
func (l *ScanLimiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.pages, key)
}

// ResetTab forgets every page of tabID.
func (l *ScanLimiter) ResetTab(tabID int) {
	prefix := strconv.Itoa(tabID) + "|"
	l.mu.Lock()
	defer l.mu.Unlock()
	for k := range l.pages {
		if strings.HasPrefix(k, prefix) {
			delete(l.pages, k)
		}
	}
}

// Len is the number of tracked pages.
func (l *ScanLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pages)
}

// Clear forgets every page.
func (l *ScanLimiter) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pages = map[string]*scanBudget{}
}
