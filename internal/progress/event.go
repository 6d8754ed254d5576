package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart      Stage = "RUN_START"
	StageRunDone       Stage = "RUN_DONE"
	StageRunError      Stage = "RUN_ERROR"
	StageYearStart     Stage = "YEAR_START"
	StageYearDone      Stage = "YEAR_DONE"
	StagePageDone      Stage = "PAGE_DONE"
	StageEarlyExit     Stage = "EARLY_EXIT"
	StageOrderFetched  Stage = "ORDER_FETCHED"
	StageOrderCached   Stage = "ORDER_CACHED"
	StageErrorLogged   Stage = "ERROR_LOGGED"
	StageErrorResolved Stage = "ERROR_RESOLVED"
	StageThumbnail     Stage = "THUMBNAIL_STORED"
)

// Event captures a single step of crawl progress.
type Event struct {
	// RunID identifies the crawl or recovery run in 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	Year  int
	Page  int
	// Done and Total describe position within the enclosing unit, e.g. the
	// page index within a year or the order index within a page.
	Done    int
	Total   int
	OrderNo string
	// URL should not contain credentials.
	URL       string
	ErrorType string
	Context   string
	Dur       time.Duration
	// Note carries low-volume context such as an error message.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunError:
	case StageYearStart, StageYearDone, StageEarlyExit:
		if e.Year <= 0 {
			return fmt.Errorf("%s requires year", e.Stage)
		}
	case StagePageDone:
		if e.Year <= 0 || e.Page <= 0 {
			return errors.New("page done requires year and page")
		}
	case StageOrderFetched, StageOrderCached:
		if e.OrderNo == "" {
			return fmt.Errorf("%s requires order number", e.Stage)
		}
	case StageErrorLogged, StageErrorResolved:
		if e.ErrorType == "" && e.Context == "" {
			return fmt.Errorf("%s requires error type or context", e.Stage)
		}
	case StageThumbnail:
		if e.URL == "" {
			return errors.New("thumbnail stored requires url")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	if e.Total < 0 || e.Done < 0 {
		return errors.New("done and total must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ParseRunID converts a textual run ID into the Event form.
func ParseRunID(s string) ([16]byte, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return [16]byte{}, fmt.Errorf("parse run id: %w", err)
	}
	return UUIDToBytes(id), nil
}
