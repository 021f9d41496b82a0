// Package assignment defines the bulk assignment domain model used by the executor, the
// snapshot store and the history repository. It contains item metadata, status definitions,
// run records and the progress aggregate derived from them.
package assignment

import (
	"encoding/json"
	"fmt"
	"time"
)

type (
	ItemStatus string
	Item       struct {
		ID          string     `json:"id"`
		DisplayName string     `json:"display_name"`
		Status      ItemStatus `json:"status"`
		Error       string     `json:"error,omitempty"`
		Attempts    int        `json:"attempts"`
		StartTime   *time.Time `json:"start_time,omitempty"`
		EndTime     *time.Time `json:"end_time,omitempty"`
	}
)

const (
	StatusPending    ItemStatus = "pending"
	StatusProcessing ItemStatus = "processing"
	StatusSuccess    ItemStatus = "success"
	StatusFailed     ItemStatus = "failed"
)

func (s ItemStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusSuccess, StatusFailed:
		return true
	}

	return false
}

func (s ItemStatus) String() string {
	return string(s)
}

func NewItem(id, displayName string) Item {
	return Item{
		ID:          id,
		DisplayName: displayName,
		Status:      StatusPending,
	}
}

// IsTerminal reports whether the item reached success or failed.
func (i Item) IsTerminal() bool {
	return i.Status == StatusSuccess || i.Status == StatusFailed
}

// Duration is the time spent between dispatch and settlement, zero until both are known.
func (i Item) Duration() time.Duration {
	if i.StartTime == nil || i.EndTime == nil {
		return 0
	}

	return i.EndTime.Sub(*i.StartTime)
}

// Reset returns the item to pending and drops everything recorded by a previous dispatch
// except the attempt counter.
func (i Item) Reset() Item {
	i.Status = StatusPending
	i.Error = ""
	i.StartTime = nil
	i.EndTime = nil
	return i
}

func (i Item) ToJSON() (string, error) {
	data, err := json.Marshal(i)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

func ItemFromJSON(data string) (*Item, error) {
	var item Item
	if err := json.Unmarshal([]byte(data), &item); err != nil {
		return nil, err
	}
	if !item.Status.Valid() {
		return nil, fmt.Errorf("invalid item status %q", item.Status)
	}

	return &item, nil
}

// CloneItems copies the slice and the timestamp pointers so callers can hold a snapshot
// while the owner keeps mutating its list.
func CloneItems(items []Item) []Item {
	out := make([]Item, len(items))
	for i, it := range items {
		if it.StartTime != nil {
			t := *it.StartTime
			it.StartTime = &t
		}
		if it.EndTime != nil {
			t := *it.EndTime
			it.EndTime = &t
		}
		out[i] = it
	}

	return out
}
