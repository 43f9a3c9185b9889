package services

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/skip2/go-qrcode"

	"github.com/mhuot/pyvisioniq/config"
	"github.com/mhuot/pyvisioniq/models"
	"github.com/mhuot/pyvisioniq/storage"
)

// ReportGenerator renders monthly summaries of battery, driving and
// charging activity as PDF.
type ReportGenerator struct {
	store storage.Store
	cfg   *config.Config
}

func NewReportGenerator(store storage.Store, cfg *config.Config) *ReportGenerator {
	return &ReportGenerator{store: store, cfg: cfg}
}

// WriteMonthly renders the report for one calendar month to w.
func (rg *ReportGenerator) WriteMonthly(w io.Writer, year int, month time.Month) error {
	start := time.Date(year, month, 1, 0, 0, 0, 0, time.Local)
	end := start.AddDate(0, 1, 0)

	readings, err := rg.store.GetBatteryHistory(start, end)
	if err != nil {
		return fmt.Errorf("failed to load battery history: %v", err)
	}
	trips, err := rg.monthTrips(start)
	if err != nil {
		return fmt.Errorf("failed to load trips: %v", err)
	}
	sessions, err := rg.store.GetChargingSessions(start, end)
	if err != nil {
		return fmt.Errorf("failed to load charging sessions: %v", err)
	}

	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(15, 15, 15)
	pdf.AddPage()

	// Header
	pdf.SetFont("Arial", "B", 24)
	pdf.SetTextColor(0, 123, 255)
	pdf.Cell(0, 10, "PyVisionIQ Monthly Report")
	pdf.Ln(8)

	pdf.SetFont("Arial", "", 10)
	pdf.SetTextColor(100, 100, 100)
	pdf.Cell(0, 6, start.Format("January 2006"))
	pdf.Ln(4)
	pdf.Cell(0, 6, "Generated "+time.Now().Format("2006-01-02 15:04"))
	pdf.Ln(12)

	rg.batterySection(pdf, readings)
	rg.drivingSection(pdf, trips)
	rg.chargingSection(pdf, sessions)
	rg.qrPage(pdf)

	return pdf.Output(w)
}

func (rg *ReportGenerator) batterySection(pdf *gofpdf.Fpdf, readings []models.BatteryReading) {
	sectionTitle(pdf, "BATTERY")

	var levels []float64
	var firstOdo, lastOdo *float64
	for _, r := range readings {
		if r.BatteryLevel != nil {
			levels = append(levels, *r.BatteryLevel)
		}
		if r.Odometer != nil {
			if firstOdo == nil {
				firstOdo = r.Odometer
			}
			lastOdo = r.Odometer
		}
	}

	if len(levels) == 0 {
		noData(pdf)
		return
	}

	minLevel, maxLevel, sum := levels[0], levels[0], 0.0
	for _, l := range levels {
		if l < minLevel {
			minLevel = l
		}
		if l > maxLevel {
			maxLevel = l
		}
		sum += l
	}

	pdf.SetFont("Arial", "", 9)
	pdf.SetTextColor(0, 0, 0)
	pdf.Cell(0, 5, fmt.Sprintf("Readings: %d", len(readings)))
	pdf.Ln(4)
	pdf.Cell(0, 5, fmt.Sprintf("Battery level: min %.0f%%, max %.0f%%, average %.1f%%", minLevel, maxLevel, sum/float64(len(levels))))
	pdf.Ln(4)
	if firstOdo != nil && lastOdo != nil {
		pdf.Cell(0, 5, fmt.Sprintf("Odometer: %.0f km to %.0f km (%.0f km this month)", *firstOdo, *lastOdo, *lastOdo-*firstOdo))
		pdf.Ln(4)
	}
	pdf.Ln(6)
}

func (rg *ReportGenerator) drivingSection(pdf *gofpdf.Fpdf, trips []models.TripRecord) {
	sectionTitle(pdf, "DRIVING")

	if len(trips) == 0 {
		noData(pdf)
		return
	}

	var distance, consumed, regenerated float64
	for _, t := range trips {
		if t.Distance != nil {
			distance += *t.Distance
		}
		if t.TotalConsumed != nil {
			consumed += *t.TotalConsumed
		}
		if t.RegeneratedEnergy != nil {
			regenerated += *t.RegeneratedEnergy
		}
	}

	pdf.SetFont("Arial", "", 9)
	pdf.SetTextColor(0, 0, 0)
	pdf.Cell(0, 5, fmt.Sprintf("Trips: %d", len(trips)))
	pdf.Ln(4)
	pdf.Cell(0, 5, fmt.Sprintf("Distance: %.1f km", distance))
	pdf.Ln(4)
	pdf.Cell(0, 5, fmt.Sprintf("Energy consumed: %.1f Wh, regenerated: %.1f Wh", consumed, regenerated))
	pdf.Ln(4)
	if distance > 0 && consumed > 0 {
		pdf.Cell(0, 5, fmt.Sprintf("Average consumption: %.1f Wh/km", consumed/distance))
		pdf.Ln(4)
	}
	pdf.Ln(6)
}

func (rg *ReportGenerator) chargingSection(pdf *gofpdf.Fpdf, sessions []models.ChargingSession) {
	sectionTitle(pdf, "CHARGING")

	if len(sessions) == 0 {
		noData(pdf)
		return
	}

	var energy, minutes float64
	for _, s := range sessions {
		if s.EnergyAdded != nil {
			energy += *s.EnergyAdded
		}
		if s.DurationMinutes != nil {
			minutes += *s.DurationMinutes
		}
	}

	pdf.SetFont("Arial", "", 9)
	pdf.SetTextColor(0, 0, 0)
	pdf.Cell(0, 5, fmt.Sprintf("Sessions: %d", len(sessions)))
	pdf.Ln(4)
	pdf.Cell(0, 5, fmt.Sprintf("Energy added: %.2f kWh over %.1f hours", energy, minutes/60))
	pdf.Ln(8)

	// Session table
	pdf.SetFillColor(249, 249, 249)
	pdf.SetFont("Arial", "B", 9)
	pdf.CellFormat(45, 8, "Start", "B", 0, "L", true, 0, "")
	pdf.CellFormat(30, 8, "Duration", "B", 0, "R", true, 0, "")
	pdf.CellFormat(35, 8, "Battery", "B", 0, "R", true, 0, "")
	pdf.CellFormat(35, 8, "Energy", "B", 0, "R", true, 0, "")
	pdf.CellFormat(35, 8, "Avg Power", "B", 0, "R", true, 0, "")
	pdf.Ln(8)

	pdf.SetFont("Arial", "", 9)
	for _, s := range sessions {
		pdf.CellFormat(45, 6, s.StartTime.Format("2006-01-02 15:04"), "", 0, "L", false, 0, "")
		pdf.CellFormat(30, 6, formatAmount(s.DurationMinutes, "%.0f min"), "", 0, "R", false, 0, "")
		pdf.CellFormat(35, 6, formatRange(s.StartBattery, s.EndBattery), "", 0, "R", false, 0, "")
		pdf.CellFormat(35, 6, formatAmount(s.EnergyAdded, "%.2f kWh"), "", 0, "R", false, 0, "")
		pdf.CellFormat(35, 6, formatAmount(s.AvgPower, "%.2f kW"), "", 0, "R", false, 0, "")
		pdf.Ln(6)
	}
	pdf.Ln(6)
}

// qrPage appends a page with a QR code linking to the live dashboard.
func (rg *ReportGenerator) qrPage(pdf *gofpdf.Fpdf) {
	if rg.cfg.DashboardURL == "" {
		return
	}

	pdf.AddPage()
	pdf.SetFont("Arial", "B", 18)
	pdf.SetTextColor(0, 123, 255)
	pdf.Ln(20)
	pdf.Cell(0, 10, "Live Dashboard")
	pdf.Ln(15)

	tempQR := filepath.Join(os.TempDir(), fmt.Sprintf("pyvisioniq_qr_%d.png", time.Now().UnixNano()))
	if err := qrcode.WriteFile(rg.cfg.DashboardURL, qrcode.Medium, 280, tempQR); err != nil {
		log.Printf("ERROR: Failed to generate QR code: %v", err)
		return
	}
	defer os.Remove(tempQR)

	pdf.ImageOptions(tempQR, 55, 60, 100, 100, false, gofpdf.ImageOptions{ImageType: "PNG"}, 0, "")
	pdf.Ln(110)
	pdf.SetFont("Arial", "", 10)
	pdf.SetTextColor(0, 0, 0)
	pdf.Cell(0, 5, rg.cfg.DashboardURL)
}

// monthTrips filters stored trips to one month. Trip dates are vendor
// YYYYMMDD strings, so the month is a string prefix.
func (rg *ReportGenerator) monthTrips(start time.Time) ([]models.TripRecord, error) {
	all, err := rg.store.GetTrips()
	if err != nil {
		return nil, err
	}
	prefix := start.Format("200601")

	var trips []models.TripRecord
	for _, t := range all {
		if strings.HasPrefix(strings.TrimSuffix(t.Date, ".0"), prefix) {
			trips = append(trips, t)
		}
	}
	return trips, nil
}

func sectionTitle(pdf *gofpdf.Fpdf, title string) {
	pdf.SetFont("Arial", "B", 10)
	pdf.SetTextColor(100, 100, 100)
	pdf.Cell(0, 6, title)
	pdf.Ln(6)
}

func noData(pdf *gofpdf.Fpdf) {
	pdf.SetFont("Arial", "", 9)
	pdf.SetTextColor(0, 0, 0)
	pdf.Cell(0, 5, "No data recorded for this period.")
	pdf.Ln(10)
}

func formatAmount(v *float64, format string) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf(format, *v)
}

func formatRange(start, end *float64) string {
	if start == nil {
		return "-"
	}
	if end == nil {
		return fmt.Sprintf("%.0f%%", *start)
	}
	return fmt.Sprintf("%.0f%% to %.0f%%", *start, *end)
}
