// Package main implements a synthetic Source Feed: a small HTTP
// server that serves paginated, deterministic food-inspection JSON
// pages, respecting `limit`/`offset` and returning `[]` past the
// configured row count. It exists so the Extractor can be exercised
// end-to-end — happy path, row drop, exhaustion — without a live
// upstream feed, exactly the local-dev role the teacher's
// cmd/ddb-datagen played for the restore path.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
)

// facilityTypes, riskLevels and results ground the synthetic payload
// in the shape a real food-inspection feed would return, without
// claiming to reproduce any specific upstream schema.
var (
	facilityTypes = []string{"Restaurant", "Grocery Store", "Bakery", "School Cafeteria", "Food Truck", "Catering"}
	riskLevels    = []string{"Risk 1 (High)", "Risk 2 (Medium)", "Risk 3 (Low)"}
	results       = []string{"Pass", "Pass w/ Conditions", "Fail", "Out of Business", "No Entry"}
)

// record is one synthetic food-inspection row.
type record struct {
	InspectionID   int64  `json:"inspection_id"`
	BusinessName   string `json:"business_name"`
	FacilityType   string `json:"facility_type"`
	RiskLevel      string `json:"risk_level"`
	InspectionDate string `json:"inspection_date"`
	Result         string `json:"result"`
	ZipCode        string `json:"zip"`
}

func generateRecord(r *rand.Rand, id int64) record {
	return record{
		InspectionID:   id,
		BusinessName:   fmt.Sprintf("Business #%d", id),
		FacilityType:   facilityTypes[r.Intn(len(facilityTypes))],
		RiskLevel:      riskLevels[r.Intn(len(riskLevels))],
		InspectionDate: time.Now().AddDate(0, 0, -r.Intn(365)).Format("2006-01-02"),
		Result:         results[r.Intn(len(results))],
		ZipCode:        fmt.Sprintf("606%02d", r.Intn(100)),
	}
}

// feedHandler serves ?limit=&offset= pages over a deterministic
// universe of totalRows synthetic records, seeded by record id so a
// given offset yields the same records across requests; only
// inspection_date, which counts back from the current day, changes
// when the day changes.
type feedHandler struct {
	totalRows int64
	logger    *logrus.Logger
}

func (h *feedHandler) handle(w http.ResponseWriter, r *http.Request) {
	limit, err := strconv.ParseInt(r.URL.Query().Get("limit"), 10, 64)
	if err != nil || limit <= 0 {
		http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
		return
	}
	offset, err := strconv.ParseInt(r.URL.Query().Get("offset"), 10, 64)
	if err != nil || offset < 0 {
		http.Error(w, "offset must be a non-negative integer", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	if offset >= h.totalRows {
		_, _ = w.Write([]byte("[]"))
		return
	}

	end := offset + limit
	if end > h.totalRows {
		end = h.totalRows
	}

	records := make([]record, 0, end-offset)
	for id := offset; id < end; id++ {
		src := rand.New(rand.NewSource(id))
		records = append(records, generateRecord(src, id))
	}

	h.logger.WithFields(logrus.Fields{"limit": limit, "offset": offset, "returned": len(records)}).Info("served feed page")

	_ = json.NewEncoder(w).Encode(records)
}

func main() {
	fs := flag.NewFlagSet("feedgen", flag.ExitOnError)
	port := fs.Int("port", envInt("PORT", 9090), "HTTP listen port")
	totalRows := fs.Int64("rows", envInt64("FEEDGEN_TOTAL_ROWS", 5000), "total synthetic rows the feed serves before exhaustion")
	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	h := &feedHandler{totalRows: *totalRows, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/", h.handle)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	addr := fmt.Sprintf(":%d", *port)
	logger.WithField("addr", addr).WithField("total_rows", *totalRows).Info("feedgen listening")
	if err := http.ListenAndServe(addr, r); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}
