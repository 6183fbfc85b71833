// Package model defines the data structures persisted by the service.
package model

import "time"

// Execution is the audit record of one completed request.
//
// Neither the submitted code nor its output is stored: the record only says
// who ran what language, how it ended, and how long it took.
type Execution struct {
	ID         string    `json:"id"`
	Language   string    `json:"language"`
	Status     string    `json:"status"`
	ExitCode   *int      `json:"exitCode"`
	WallTimeMs int64     `json:"wallTimeMs"`
	CodeBytes  int       `json:"codeBytes"`
	StdinBytes int       `json:"stdinBytes"`
	Client     string    `json:"client,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}
