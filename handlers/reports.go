package handlers

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mhuot/pyvisioniq/services"
)

type ReportsHandler struct {
	generator *services.ReportGenerator
}

func NewReportsHandler(generator *services.ReportGenerator) *ReportsHandler {
	return &ReportsHandler{generator: generator}
}

// Monthly serves the PDF report for the requested month, defaulting to the
// current one. The PDF is built in memory first so failures can still
// return a proper error status.
func (h *ReportsHandler) Monthly(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	year := now.Year()
	month := now.Month()

	query := r.URL.Query()
	if v := query.Get("year"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 2000 || n > 2100 {
			writeError(w, http.StatusBadRequest, "Invalid year")
			return
		}
		year = n
	}
	if v := query.Get("month"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 12 {
			writeError(w, http.StatusBadRequest, "Invalid month")
			return
		}
		month = time.Month(n)
	}

	var buf bytes.Buffer
	if err := h.generator.WriteMonthly(&buf, year, month); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	filename := fmt.Sprintf("pyvisioniq_%04d-%02d.pdf", year, int(month))
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", "attachment; filename="+filename)
	w.Write(buf.Bytes())
}
