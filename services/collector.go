package services

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/mhuot/pyvisioniq/ratelimit"
	"github.com/mhuot/pyvisioniq/services/bluelink"
)

const (
	// Sleeps shorter than this are stretched, so a slot landing "now"
	// still leaves breathing room between vendor calls.
	minCollectorSleep = 60 * time.Second
	// Pause after a failure outside the vendor error taxonomy, e.g. a
	// storage write blowing up.
	collectorErrorSleep = 300 * time.Second
)

// Collector is the long-running poll loop. It wakes at quota-spaced slot
// times, runs one collection, and goes back to sleep.
type Collector struct {
	service  *VehicleDataService
	governor *ratelimit.Governor

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

func NewCollector(service *VehicleDataService, governor *ratelimit.Governor) *Collector {
	return &Collector{
		service:  service,
		governor: governor,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		now:      time.Now,
	}
}

// Start blocks until Stop is called.
func (c *Collector) Start() {
	defer close(c.done)

	log.Println("===================================")
	log.Println("PyVisionIQ Data Collector Starting")
	log.Printf("Daily API limit: %d calls (base interval %.0f minutes)",
		c.governor.DailyLimit(), c.governor.BaseIntervalMinutes())
	log.Println("===================================")

	if last := c.governor.LastCallTime(); last != nil {
		log.Printf("Last collection was at %s", last.Format("2006-01-02 15:04:05"))
	}
	log.Printf("Collected %d times today", c.governor.CallsToday())

	next := c.nextPollAt(c.now())
	wait := next.Sub(c.now())
	log.Printf("Next collection at %s (in %.1f minutes)",
		next.Format("2006-01-02 15:04:05"), wait.Minutes())

	// A slot within the next minute means we start with a collection
	// instead of sleeping through it.
	if wait > time.Minute {
		if !c.wait(wait) {
			return
		}
	}

	for {
		if _, err := c.service.Collect(SourceScheduler); err != nil {
			var apiErr *bluelink.APIError
			if !errors.As(err, &apiErr) {
				log.Printf("ERROR: Unexpected collection failure: %v", err)
				if !c.wait(collectorErrorSleep) {
					return
				}
			}
		}

		next := c.nextPollAt(c.now())
		wait := next.Sub(c.now())
		if wait < minCollectorSleep {
			wait = minCollectorSleep
		}
		log.Printf("Next collection at %s (in %.1f minutes)",
			next.Format("2006-01-02 15:04:05"), wait.Minutes())

		if !c.wait(wait) {
			return
		}
	}
}

// RunOnce executes a single collection, for the --once CLI mode.
func (c *Collector) RunOnce() error {
	_, err := c.service.Collect(SourceScheduler)
	return err
}

// Stop wakes any pending sleep and waits for the loop to exit.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
}

// wait sleeps for d, returning false when the collector was stopped.
func (c *Collector) wait(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-c.stop:
		log.Println("Stopping data collector...")
		return false
	case <-timer.C:
		return true
	}
}

// nextPollAt picks the next collection time. With a known last call the
// next one lands a backoff-adjusted interval after it; otherwise calls are
// spread over the day on an even slot grid anchored at local midnight.
func (c *Collector) nextPollAt(now time.Time) time.Time {
	if last := c.governor.LastCallTime(); last != nil {
		interval := c.governor.AdjustedIntervalMinutes()
		candidate := last.Add(time.Duration(interval * float64(time.Minute)))
		if candidate.After(now) {
			if multiplier := c.governor.BackoffMultiplier(); multiplier > 1.0 {
				log.Printf("Next collection delayed %.1fx by rate limit backoff (interval: %.0f min)",
					multiplier, interval)
			}
			return candidate
		}
	}

	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	base := time.Duration(c.governor.BaseIntervalMinutes() * float64(time.Minute))
	for i := 0; i < c.governor.DailyLimit(); i++ {
		slot := midnight.Add(time.Duration(i) * base)
		if slot.After(now) {
			return slot
		}
	}
	return midnight.AddDate(0, 0, 1)
}
