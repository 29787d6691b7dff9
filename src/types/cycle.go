package types

import (
	"time"
)

type Cycle struct {
	ID         string        `json:"id"`
	Generation uint64        `json:"generation"`
	Origin     string        `json:"origin"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	EntriesV4  int           `json:"entries_v4"`
	EntriesV6  int           `json:"entries_v6"`
	Inserted   int           `json:"inserted"`
	Removed    int           `json:"removed"`
	Error      string        `json:"error,omitempty"`
}

func (c Cycle) OK() bool {
	return c.Error == ""
}
