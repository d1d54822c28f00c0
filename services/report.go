package services

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"property-sync/models"
)

type Report struct {
	TotalListings    int
	ActiveListings   int
	RemovedListings  int
	SoldListings     int
	WithCoordinates  int
	AveragePrice     float64
	MinPrice         float64
	MaxPrice         float64
	MostExpensive    models.ListingRecord
	ListingsByRegion map[string]int
	FailedJobs       int
}

// GenerateReport computes the run summary over the stored listings.
func GenerateReport(listings []models.ListingRecord, failedJobs int) Report {
	report := Report{
		TotalListings:    len(listings),
		ListingsByRegion: make(map[string]int),
		FailedJobs:       failedJobs,
	}
	if len(listings) == 0 {
		return report
	}

	var (
		priceSum   float64
		priceCount int
		maxPrice   = -1.0
		minPrice   = math.MaxFloat64
	)

	for _, l := range listings {
		if l.Status == models.StatusRemoved {
			report.RemovedListings++
		} else {
			report.ActiveListings++
		}
		if l.IsSold {
			report.SoldListings++
		}
		if l.Coordinates != nil {
			report.WithCoordinates++
		}
		report.ListingsByRegion[regionOf(l.Address)]++

		if l.Price > 0 {
			priceSum += l.Price
			priceCount++
			if l.Price > maxPrice {
				maxPrice = l.Price
				report.MostExpensive = l
			}
			if l.Price < minPrice {
				minPrice = l.Price
			}
		}
	}

	if priceCount > 0 {
		report.AveragePrice = priceSum / float64(priceCount)
		report.MinPrice = minPrice
		report.MaxPrice = maxPrice
	}
	return report
}

func PrintReport(report Report) {
	fmt.Println()
	fmt.Println("┌──────────────────────────────────────────────────────────────┐")
	fmt.Println("│                      Listing Sync Summary                    │")
	fmt.Println("├───────────────────────────────┬──────────────────────────────┤")
	fmt.Printf("│ %-29s │ %-28d │\n", "Stored Listings", report.TotalListings)
	fmt.Printf("│ %-29s │ %-28d │\n", "Active", report.ActiveListings)
	fmt.Printf("│ %-29s │ %-28d │\n", "Removed", report.RemovedListings)
	fmt.Printf("│ %-29s │ %-28d │\n", "Sold", report.SoldListings)
	fmt.Printf("│ %-29s │ %-28d │\n", "With Coordinates", report.WithCoordinates)
	fmt.Printf("│ %-29s │ %-28.0f │\n", "Average Price (JPY)", report.AveragePrice)
	fmt.Printf("│ %-29s │ %-28.0f │\n", "Minimum Price (JPY)", report.MinPrice)
	fmt.Printf("│ %-29s │ %-28.0f │\n", "Maximum Price (JPY)", report.MaxPrice)
	fmt.Printf("│ %-29s │ %-28d │\n", "Failed Jobs", report.FailedJobs)
	fmt.Println("└───────────────────────────────┴──────────────────────────────┘")

	if report.MostExpensive.ID != "" {
		fmt.Println()
		fmt.Println("┌──────────────────────────────────────────────────────────────┐")
		fmt.Println("│                    Most Expensive Property                   │")
		fmt.Println("├───────────────────────────────┬──────────────────────────────┤")
		fmt.Printf("│ %-29s │ %-28.0f │\n", "Price", report.MostExpensive.Price)
		fmt.Printf("│ %-29s │ %-28s │\n", "Listing", report.MostExpensive.ID)
		fmt.Println("└───────────────────────────────┴──────────────────────────────┘")
		fmt.Printf("Address: %s\n", report.MostExpensive.Address)
	}

	fmt.Println()
	fmt.Println("┌──────────────────────────────────────────────┬───────────────┐")
	fmt.Println("│ Listings per Prefecture                      │ Count         │")
	fmt.Println("├──────────────────────────────────────────────┼───────────────┤")
	for _, region := range sortedKeys(report.ListingsByRegion) {
		fmt.Printf("│ %-44s │ %-13d │\n", truncateText(region, 44), report.ListingsByRegion[region])
	}
	fmt.Println("└──────────────────────────────────────────────┴───────────────┘")
}

var prefectureSuffixes = []string{"都", "道", "府", "県"}

// regionOf returns the prefecture an address starts with.
func regionOf(address string) string {
	address = strings.TrimSpace(address)
	if address == "" {
		return "Unknown"
	}
	for _, p := range []string{"北海道", "京都府"} {
		if strings.HasPrefix(address, p) {
			return p
		}
	}
	end := -1
	for _, s := range prefectureSuffixes {
		if i := strings.Index(address, s); i > 0 && (end < 0 || i+len(s) < end) {
			end = i + len(s)
		}
	}
	// prefecture names are at most four characters
	if end < 0 || len([]rune(address[:end])) > 4 {
		return "Unknown"
	}
	return address[:end]
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func truncateText(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}
