package policy

import (
	"fmt"
	"strconv"
	"time"
)

// Status is the oracle's answer about a flight's arrival.
//
//	-1  flight cancelled
//	 0  no data available yet
//	>0  actual arrival, unix seconds
type Status int64

const (
	StatusCancelled Status = -1
	// StatusNoData shares its encoding with a zero timestamp. A zero
	// absolute arrival is never a legitimate flight, which keeps the two
	// apart.
	StatusNoData Status = 0
)

// ParseStatus validates a raw oracle value.
func ParseStatus(v int64) (Status, error) {
	if v < int64(StatusCancelled) {
		return 0, &ValidationError{Field: "status", Reason: fmt.Sprintf("malformed flight status %d", v)}
	}
	return Status(v), nil
}

func (s Status) IsCancelled() bool { return s == StatusCancelled }

func (s Status) IsNoData() bool { return s == StatusNoData }

// Arrival returns the actual arrival time when the status carries one.
func (s Status) Arrival() (time.Time, bool) {
	if s <= 0 {
		return time.Time{}, false
	}
	return time.Unix(int64(s), 0).UTC(), true
}

func (s Status) String() string {
	switch {
	case s.IsCancelled():
		return "cancelled"
	case s.IsNoData():
		return "no-data"
	default:
		return "arrived@" + strconv.FormatInt(int64(s), 10)
	}
}
