// Rebuilds the charging session history from the stored battery readings.
// Useful after changing the gap threshold or battery capacity, or when old
// session rows were written by a buggy revision.
//
//	go run ./tools/rebuild_sessions            # rewrite charging sessions
//	go run ./tools/rebuild_sessions --preview  # show results without writing
package main

import (
	"flag"
	"log"
	"time"

	"github.com/mhuot/pyvisioniq/config"
	"github.com/mhuot/pyvisioniq/storage"
)

func main() {
	preview := flag.Bool("preview", false, "show results without writing")
	flag.Parse()

	cfg := config.Load()

	store, err := storage.New(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	defer store.Close()

	end := time.Now().Add(time.Hour)
	readings, err := store.GetBatteryHistory(time.Time{}, end)
	if err != nil {
		log.Fatalf("Failed to read battery history: %v", err)
	}
	if len(readings) == 0 {
		log.Println("No battery readings on record, nothing to rebuild")
		return
	}
	locations, err := store.GetLocationHistory(time.Time{}, end)
	if err != nil {
		log.Fatalf("Failed to read location history: %v", err)
	}

	tracker := storage.NewSessionTracker(store, cfg)
	gap := tracker.GapThresholdMinutes()
	log.Printf("Read %d battery readings, %d locations", len(readings), len(locations))
	log.Printf("Gap threshold: %.1f min, capacity: %.1f kWh", gap, cfg.BatteryCapacityKWh)

	sessions := storage.RebuildSessions(readings, locations, gap, cfg.BatteryCapacityKWh)

	complete := 0
	for i := range sessions {
		if sessions[i].IsComplete {
			complete++
		}
	}
	log.Printf("Rebuilt %d charging sessions (complete=%d, incomplete=%d)",
		len(sessions), complete, len(sessions)-complete)

	shown := len(sessions)
	if shown > 10 {
		shown = 10
	}
	for i := 0; i < shown; i++ {
		s := sessions[i]
		log.Printf("  %s: battery %.0f%% -> %.0f%%, %.1f min",
			s.SessionID, deref(s.StartBattery), deref(s.EndBattery), deref(s.DurationMinutes))
	}
	if shown < len(sessions) {
		log.Printf("  ... and %d more", len(sessions)-shown)
	}

	if *preview {
		log.Println("Preview mode, nothing written")
		return
	}

	if err := store.ReplaceChargingSessions(sessions); err != nil {
		log.Fatalf("Failed to write charging sessions: %v", err)
	}
	log.Printf("Wrote %d charging sessions", len(sessions))
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
