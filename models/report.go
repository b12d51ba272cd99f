// Package models defines data structures shared by the downloader packages.
package models

import "time"

// City is a municipality entry from the portal's selector.
type City struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ReportRow is one line of a (city, year) listing table.
type ReportRow struct {
	Release      string `json:"release"`
	Name         string `json:"name"`
	DownloadPath string `json:"download_path"`
}

// DownloadJob carries a listed report to the download workers.
type DownloadJob struct {
	City City
	Year int
	Row  ReportRow
}

// RunResult holds the overall result of a download run.
type RunResult struct {
	StartTime      time.Time
	EndTime        time.Time
	Cities         int
	Listings       int
	RowsDiscovered int
	ReportsSaved   int
	BytesWritten   int64
	RequestCount   int
	RetryCount     int
	ErrorCount     int
	ErrorsByType   map[string]int
	ReportsByCity  map[string]int
}
