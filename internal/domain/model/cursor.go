package model

import "fmt"

// EventCursor identifies the EventNum-th event logged at second Timestamp.
// The node can only be queried from a whole second, so the ordinal is what
// lets a scan resume inside a second that already produced events.
type EventCursor struct {
	Timestamp int64 `json:"timestamp"`
	EventNum  int   `json:"event_num"`
}

func (c EventCursor) String() string {
	return fmt.Sprintf("%d#%d", c.Timestamp, c.EventNum)
}

// IsZero reports whether the cursor points at the start of the log.
func (c EventCursor) IsZero() bool {
	return c.Timestamp == 0 && c.EventNum == 0
}

// Increment admits one more same-second event into the skipped prefix.
// Call it right before issuing an action that logs exactly one event.
func (c EventCursor) Increment() EventCursor {
	c.EventNum++
	return c
}

// AdvancePast builds the cursor for the last entry of a freshly fetched,
// untrimmed response: its timestamp and how many trailing entries share it.
// An empty log yields the zero cursor.
func AdvancePast(resp *LogResponse) EventCursor {
	if resp == nil || len(resp.Log) == 0 {
		return EventCursor{}
	}
	last := resp.Log[len(resp.Log)-1].Time
	n := 0
	for i := len(resp.Log) - 1; i >= 0 && resp.Log[i].Time == last; i-- {
		n++
	}
	return EventCursor{Timestamp: last, EventNum: n}
}

// Advance is AdvancePast that keeps the current cursor when nothing new
// was returned.
func (c EventCursor) Advance(resp *LogResponse) EventCursor {
	if resp == nil || len(resp.Log) == 0 {
		return c
	}
	return AdvancePast(resp)
}

// Trim drops the first EventNum-1 entries logged at the cursor's second from
// a response fetched from that second. Discarding stops at the first entry
// with a different timestamp. The input is not modified.
func Trim(resp *LogResponse, c EventCursor) *LogResponse {
	if resp == nil || c.EventNum <= 1 {
		return resp
	}
	skip := 0
	for skip < len(resp.Log) && skip < c.EventNum-1 && resp.Log[skip].Time == c.Timestamp {
		skip++
	}
	if skip == 0 {
		return resp
	}
	rest := make([]LogEntry, len(resp.Log)-skip)
	copy(rest, resp.Log[skip:])
	return resp.WithLog(rest)
}
