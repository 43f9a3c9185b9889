package ratelimit

import (
	"encoding/json"
	"log"
	"math"
	"os"
	"path/filepath"
	"time"
)

const (
	maxCallSources = 50
	maxEvents      = 200

	timeFormat = "2006-01-02T15:04:05"
	dateFormat = "2006-01-02"
)

var parseFormats = []string{
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	time.RFC3339,
	"2006-01-02 15:04:05",
}

// Governor enforces the daily API call quota shared by every component
// that talks to the vendor. State lives in data/api_call_history.json so
// it survives restarts and is visible to the collector and the dashboard
// at the same time; rate limit hits are logged to rate_limit_events.json.
type Governor struct {
	dailyLimit  int
	historyFile string
	eventsFile  string
}

type state struct {
	LastReset   string       `json:"last_reset"`
	CallsToday  int          `json:"calls_today"`
	LastCall    *string      `json:"last_call"`
	Backoff     float64      `json:"backoff_multiplier"`
	CallSources []CallRecord `json:"call_sources"`
}

// CallRecord is one entry in the recent-calls debugging ring.
type CallRecord struct {
	Time       string `json:"time"`
	Source     string `json:"source"`
	CallNumber int    `json:"call_number"`
}

// Event is one recorded rate limit hit.
type Event struct {
	Timestamp    string  `json:"timestamp"`
	Source       string  `json:"source"`
	ErrorMessage string  `json:"error_message"`
	CallsAtTime  int     `json:"calls_at_time"`
	DailyLimit   int     `json:"daily_limit"`
	Backoff      float64 `json:"backoff_multiplier"`
}

func NewGovernor(dailyLimit int, dataDir string) *Governor {
	if dailyLimit < 1 {
		dailyLimit = 30
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		log.Printf("ERROR: Failed to create data directory %s: %v", dataDir, err)
	}
	return &Governor{
		dailyLimit:  dailyLimit,
		historyFile: filepath.Join(dataDir, "api_call_history.json"),
		eventsFile:  filepath.Join(dataDir, "rate_limit_events.json"),
	}
}

func (g *Governor) DailyLimit() int {
	return g.dailyLimit
}

// BaseIntervalMinutes is the poll spacing implied by the daily limit.
func (g *Governor) BaseIntervalMinutes() float64 {
	return (24 * 60) / float64(g.dailyLimit)
}

// AdjustedIntervalMinutes is the base interval inflated by the current
// backoff multiplier.
func (g *Governor) AdjustedIntervalMinutes() float64 {
	return g.BaseIntervalMinutes() * g.load().Backoff
}

// CanCall reports whether an API call is allowed right now, resetting the
// counter first when the calendar day has rolled over.
func (g *Governor) CanCall() bool {
	st := g.load()
	if staleDay(st) {
		st = g.mutate(func(*state) {})
	}
	return st.CallsToday < g.dailyLimit
}

func (g *Governor) CallsToday() int {
	st := g.load()
	if staleDay(st) {
		return 0
	}
	return st.CallsToday
}

func (g *Governor) RemainingCalls() int {
	remaining := g.dailyLimit - g.CallsToday()
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (g *Governor) BackoffMultiplier() float64 {
	return g.load().Backoff
}

// LastCallTime returns when the most recent API call was recorded, or nil
// if no call has been made today.
func (g *Governor) LastCallTime() *time.Time {
	st := g.load()
	if staleDay(st) || st.LastCall == nil {
		return nil
	}
	return parseTime(*st.LastCall)
}

// RecordCall increments the daily counter and stamps the call time.
func (g *Governor) RecordCall(source string) {
	var calls int
	g.mutate(func(st *state) {
		st.CallsToday++
		now := time.Now().Format(timeFormat)
		st.LastCall = &now
		st.CallSources = append(st.CallSources, CallRecord{
			Time:       now,
			Source:     source,
			CallNumber: st.CallsToday,
		})
		if len(st.CallSources) > maxCallSources {
			st.CallSources = st.CallSources[len(st.CallSources)-maxCallSources:]
		}
		calls = st.CallsToday
	})
	log.Printf("API call recorded [source=%s] (%d/%d today)", source, calls, g.dailyLimit)
}

// RecordRateLimitHit extends the backoff multiplier and appends an event
// to the rate limit log.
func (g *Governor) RecordRateLimitHit(source, errorMessage string) {
	var st state
	g.mutate(func(s *state) {
		s.Backoff = math.Min(s.Backoff*1.5, 4.0)
		st = *s
	})

	if len(errorMessage) > 500 {
		errorMessage = errorMessage[:500]
	}
	g.appendEvent(Event{
		Timestamp:    time.Now().Format(timeFormat),
		Source:       source,
		ErrorMessage: errorMessage,
		CallsAtTime:  st.CallsToday,
		DailyLimit:   g.dailyLimit,
		Backoff:      st.Backoff,
	})

	log.Printf("WARNING: Rate limit hit [source=%s] calls=%d/%d backoff=%.1fx: %s",
		source, st.CallsToday, g.dailyLimit, st.Backoff, errorMessage)
}

// ResetBackoff drops the multiplier back to 1.0 after a confirmed
// successful call. A no-op when backoff is not active.
func (g *Governor) ResetBackoff() {
	var previous float64
	g.mutate(func(st *state) {
		if st.Backoff > 1.0 {
			previous = st.Backoff
			st.Backoff = 1.0
		}
	})
	if previous > 0 {
		log.Printf("Backoff reset from %.1fx to 1.0x after successful call", previous)
	}
}

// Status returns the governor snapshot served by the dashboard.
func (g *Governor) Status() map[string]interface{} {
	st := g.load()
	if staleDay(st) {
		st = g.mutate(func(*state) {})
	}
	now := time.Now()

	var lastCall interface{}
	var nextCollection interface{}
	if st.LastCall != nil {
		lastCall = *st.LastCall
		if t := parseTime(*st.LastCall); t != nil {
			next := t.Add(time.Duration(g.BaseIntervalMinutes() * st.Backoff * float64(time.Minute)))
			if !next.After(now) {
				next = now.Add(30 * time.Second)
			}
			nextCollection = next.Format(timeFormat)
		}
	}

	remaining := g.dailyLimit - st.CallsToday
	if remaining < 0 {
		remaining = 0
	}

	tomorrow := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
	minutesUntilReset := tomorrow.Sub(now).Minutes()

	recentCalls := st.CallSources
	if len(recentCalls) > 10 {
		recentCalls = recentCalls[len(recentCalls)-10:]
	}

	return map[string]interface{}{
		"calls_today":                 st.CallsToday,
		"daily_limit":                 g.dailyLimit,
		"remaining_calls":             remaining,
		"last_call":                   lastCall,
		"next_collection":             nextCollection,
		"collection_interval_minutes": round1(g.BaseIntervalMinutes()),
		"backoff_multiplier":          st.Backoff,
		"adjusted_interval_minutes":   round1(g.BaseIntervalMinutes() * st.Backoff),
		"minutes_until_reset":         round1(minutesUntilReset),
		"is_rate_limited":             st.Backoff > 1.0,
		"recent_calls":                recentCalls,
		"recent_rate_limit_events":    g.RecentEvents(5),
	}
}

// RecentEvents returns the n most recent rate limit events.
func (g *Governor) RecentEvents(n int) []Event {
	events := g.loadEvents()
	if len(events) > n {
		events = events[len(events)-n:]
	}
	return events
}

// ========== PERSISTENCE ==========

// load reads the persisted state under a shared lock. A missing or corrupt
// file is treated as empty-and-today; the governor never brings down the
// collector over bad state.
func (g *Governor) load() state {
	st := freshState()

	data, err := readLocked(g.historyFile)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("ERROR: Failed to read rate limit state: %v", err)
		}
		return st
	}

	if err := json.Unmarshal(data, &st); err != nil {
		log.Printf("ERROR: Corrupt rate limit state, treating as empty: %v", err)
		return freshState()
	}
	if st.Backoff < 1.0 {
		st.Backoff = 1.0
	}
	return st
}

// mutate applies fn under the exclusive lock after handling any pending day
// rollover, then persists. It returns the state as written, so callers see
// the exact values other processes will read.
func (g *Governor) mutate(fn func(*state)) state {
	var result state
	err := updateLocked(g.historyFile, func(current []byte) ([]byte, error) {
		st := freshState()
		if len(current) > 0 {
			if err := json.Unmarshal(current, &st); err != nil {
				log.Printf("ERROR: Corrupt rate limit state, resetting: %v", err)
				st = freshState()
			}
		}
		if st.Backoff < 1.0 {
			st.Backoff = 1.0
		}

		// The rollover happens exactly once: the first process to take the
		// exclusive lock rewrites last_reset, so the next one sees today.
		if staleDay(st) {
			log.Printf("New day detected - resetting API call counter (previous: %d calls on %s)",
				st.CallsToday, st.LastReset)
			st = freshState()
		}

		fn(&st)
		result = st
		return json.MarshalIndent(st, "", "  ")
	})
	if err != nil {
		log.Printf("ERROR: Failed to save rate limit state: %v", err)
	}
	return result
}

func freshState() state {
	return state{
		LastReset:   time.Now().Format(dateFormat),
		CallsToday:  0,
		Backoff:     1.0,
		CallSources: []CallRecord{},
	}
}

func staleDay(st state) bool {
	reset, err := time.ParseInLocation(dateFormat, st.LastReset, time.Local)
	if err != nil {
		return true
	}
	now := time.Now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return reset.Before(today)
}

func (g *Governor) appendEvent(event Event) {
	err := updateLocked(g.eventsFile, func(current []byte) ([]byte, error) {
		var events []Event
		if len(current) > 0 {
			if err := json.Unmarshal(current, &events); err != nil {
				events = nil
			}
		}
		events = append(events, event)
		if len(events) > maxEvents {
			events = events[len(events)-maxEvents:]
		}
		return json.MarshalIndent(events, "", "  ")
	})
	if err != nil {
		log.Printf("ERROR: Failed to write rate limit event log: %v", err)
	}
}

func (g *Governor) loadEvents() []Event {
	data, err := readLocked(g.eventsFile)
	if err != nil {
		return []Event{}
	}
	var events []Event
	if err := json.Unmarshal(data, &events); err != nil {
		return []Event{}
	}
	return events
}

func parseTime(value string) *time.Time {
	for _, format := range parseFormats {
		if t, err := time.ParseInLocation(format, value, time.Local); err == nil {
			return &t
		}
	}
	return nil
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
