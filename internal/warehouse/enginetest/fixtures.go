package enginetest

import (
	"database/sql/driver"
	"sort"
	"time"
)

// Region ids used by SampleRows, matching the seed data.
const (
	RegionNA    int64 = 1
	RegionEU    int64 = 2
	RegionAPAC  int64 = 3
	RegionLATAM int64 = 4
)

// SampleRows returns two sales rows per region.
func SampleRows() []SalesRow {
	day := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	return []SalesRow{
		{ID: 1, RegionID: RegionNA, RegionCode: "NA", Product: "Widget", Revenue: 1200, Units: 12, SoldAt: day},
		{ID: 2, RegionID: RegionNA, RegionCode: "NA", Product: "Gadget", Revenue: 800, Units: 4, SoldAt: day},
		{ID: 3, RegionID: RegionEU, RegionCode: "EU", Product: "Widget", Revenue: 950, Units: 10, SoldAt: day},
		{ID: 4, RegionID: RegionEU, RegionCode: "EU", Product: "Gizmo", Revenue: 300, Units: 3, SoldAt: day},
		{ID: 5, RegionID: RegionAPAC, RegionCode: "APAC", Product: "Widget", Revenue: 1500, Units: 15, SoldAt: day},
		{ID: 6, RegionID: RegionAPAC, RegionCode: "APAC", Product: "Gadget", Revenue: 700, Units: 7, SoldAt: day},
		{ID: 7, RegionID: RegionLATAM, RegionCode: "LATAM", Product: "Gizmo", Revenue: 400, Units: 8, SoldAt: day},
		{ID: 8, RegionID: RegionLATAM, RegionCode: "LATAM", Product: "Widget", Revenue: 650, Units: 6, SoldAt: day},
	}
}

// RevenueByRegion answers "total revenue by region" over the visible rows,
// ordered by region code.
func RevenueByRegion(rows []SalesRow) ([]string, [][]driver.Value, error) {
	totals := map[string]float64{}
	for _, r := range rows {
		totals[r.RegionCode] += r.Revenue
	}
	codes := make([]string, 0, len(totals))
	for code := range totals {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	out := make([][]driver.Value, 0, len(codes))
	for _, code := range codes {
		out = append(out, []driver.Value{code, totals[code]})
	}
	return []string{"region_code", "total_revenue"}, out, nil
}

// AllRows answers a plain select over the visible rows.
func AllRows(rows []SalesRow) ([]string, [][]driver.Value, error) {
	out := make([][]driver.Value, 0, len(rows))
	for _, r := range rows {
		out = append(out, []driver.Value{r.ID, r.RegionCode, r.Product, r.Revenue})
	}
	return []string{"sale_id", "region_code", "product", "revenue"}, out, nil
}
