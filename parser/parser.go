// Package parser extracts the city catalog and report listings from portal pages.
package parser

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/aluiziolira/go-lrf-downloader/models"
)

// Markup contract with the portal. A layout change on the remote side should
// only need an edit here.
const (
	// MunicipalitySelectorID is the id of the <select> listing the cities.
	MunicipalitySelectorID = "MunicipioID"
	// ResultsTableIndex is the position of the report table among all tables;
	// the first one holds the filter form.
	ResultsTableIndex = 1
	// TrailingCellCount is how many cells at the end of a row carry
	// release date, document name and link, in that order.
	TrailingCellCount = 3
)

var numericValue = regexp.MustCompile(`^\d+$`)

// ParseError reports a page that does not have the expected structure.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return "parse: " + e.Reason
}

func parseErrorf(format string, args ...any) error {
	return &ParseError{Reason: fmt.Sprintf(format, args...)}
}

// ParseCities returns the numeric options of the municipality selector in
// document order. Placeholder options are skipped.
func ParseCities(doc *goquery.Document) ([]models.City, error) {
	if doc == nil {
		return nil, parseErrorf("nil document")
	}

	selector := doc.Find("#" + MunicipalitySelectorID).First()
	if selector.Length() == 0 {
		return nil, parseErrorf("municipality selector #%s not found", MunicipalitySelectorID)
	}

	cities := make([]models.City, 0)
	selector.Find("option").Each(func(_ int, option *goquery.Selection) {
		value, ok := option.Attr("value")
		if !ok || !numericValue.MatchString(value) {
			return
		}
		cities = append(cities, models.City{
			ID:   value,
			Name: strings.TrimSpace(option.Text()),
		})
	})
	return cities, nil
}

// ParseReportRows reads the listing table of a (city, year) results page.
func ParseReportRows(doc *goquery.Document) ([]models.ReportRow, error) {
	if doc == nil {
		return nil, parseErrorf("nil document")
	}

	tables := doc.Find("table")
	if tables.Length() <= ResultsTableIndex {
		return nil, parseErrorf("expected at least %d tables, found %d", ResultsTableIndex+1, tables.Length())
	}

	lines := tables.Eq(ResultsTableIndex).Find("tr")
	if lines.Length() <= 1 {
		return []models.ReportRow{}, nil
	}

	// first row is the header
	rows := make([]models.ReportRow, 0, lines.Length()-1)
	var err error
	lines.Slice(1, lines.Length()).EachWithBreak(func(i int, line *goquery.Selection) bool {
		row, rowErr := parseRow(line)
		if rowErr != nil {
			err = parseErrorf("row %d: %v", i+1, rowErr)
			return false
		}
		rows = append(rows, row)
		return true
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func parseRow(line *goquery.Selection) (models.ReportRow, error) {
	cells := line.Find("td")
	count := cells.Length()
	if count < TrailingCellCount {
		return models.ReportRow{}, fmt.Errorf("expected %d cells, found %d", TrailingCellCount, count)
	}

	first := count - TrailingCellCount
	release := strings.TrimSpace(cells.Eq(first).Text())
	name := strings.TrimSpace(cells.Eq(first + 1).Text())

	anchor := cells.Eq(first + 2).Find("a").First()
	if anchor.Length() == 0 {
		return models.ReportRow{}, errors.New("link cell has no anchor")
	}
	href, ok := anchor.Attr("href")
	if !ok {
		return models.ReportRow{}, errors.New("anchor has no href")
	}

	return models.ReportRow{
		Release:      release,
		Name:         name,
		DownloadPath: href,
	}, nil
}
