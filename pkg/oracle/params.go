package oracle

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/flightcover/pkg/finance"
	"github.com/Mindburn-Labs/flightcover/pkg/identity"
	"github.com/Mindburn-Labs/flightcover/pkg/policy"
)

// JobID names an oracle job.
type JobID [16]byte

// ParseJobID accepts 32 hex characters, with or without a 0x prefix.
func ParseJobID(s string) (JobID, error) {
	var j JobID
	raw := identity.TrimHexPrefix(s)
	if len(raw) != 2*len(j) {
		return j, fmt.Errorf("invalid job id %q: want %d hex characters", s, 2*len(j))
	}
	if _, err := hex.Decode(j[:], []byte(raw)); err != nil {
		return j, fmt.Errorf("invalid job id %q: %w", s, err)
	}
	return j, nil
}

func MustParseJobID(s string) JobID {
	j, err := ParseJobID(s)
	if err != nil {
		panic(err)
	}
	return j
}

func (j JobID) String() string {
	return "0x" + hex.EncodeToString(j[:])
}

func (j JobID) MarshalText() ([]byte, error) {
	return []byte(j.String()), nil
}

func (j *JobID) UnmarshalText(text []byte) error {
	parsed, err := ParseJobID(string(text))
	if err != nil {
		return err
	}
	*j = parsed
	return nil
}

// Params configures how queries are sent and whose responses are accepted.
type Params struct {
	Oracle    identity.Address `json:"oracle"`
	DelayTime time.Duration    `json:"delay_time"`
	Fee       finance.Amount   `json:"fee"`
	DataJob   JobID            `json:"data_job_id"`
	SleepJob  JobID            `json:"sleep_job_id"`

	// Version is assigned on every swap; callers' values are ignored.
	Version uint64 `json:"version"`
}

func (p Params) Validate() error {
	var errs []error
	if p.Oracle.IsZero() {
		errs = append(errs, errors.New("oracle address is required"))
	}
	if p.DelayTime < 0 {
		errs = append(errs, errors.New("delay time can't be negative"))
	}
	if p.Fee.IsNegative() {
		errs = append(errs, errors.New("fee can't be negative"))
	}
	if p.Fee.Scale != finance.WadScale {
		errs = append(errs, fmt.Errorf("fee must have scale %d", finance.WadScale))
	}
	return errors.Join(errs...)
}

// JobFor returns the job id used for kind.
func (p Params) JobFor(kind policy.JobKind) JobID {
	if kind == policy.JobSleep {
		return p.SleepJob
	}
	return p.DataJob
}
