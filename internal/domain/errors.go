package domain

import "errors"

// Sentinel errors returned by repositories and core components. Callers use
// errors.Is against these rather than matching on message text.
var (
	ErrUploadNotFound      = errors.New("upload not found")
	ErrJobNotFound         = errors.New("job not found")
	ErrJobRunNotFound      = errors.New("job run not found")
	ErrIncidentNotFound    = errors.New("incident not found")
	ErrKnownErrorNotFound  = errors.New("known error not found")
	ErrTicketNotFound      = errors.New("ticket not found")

	ErrLockNotAcquired = errors.New("lock not acquired")

	ErrMalformedSchedule  = errors.New("malformed cron schedule")
	ErrUnsupportedFormat  = errors.New("unsupported file format")
	ErrNoTableInPDF       = errors.New("no table found in pdf")
	ErrCallableUnresolved = errors.New("callable not registered")
	ErrInvalidPlanPayload = errors.New("invalid plan payload")
	ErrQueueEmpty         = errors.New("queue empty")
	// ErrStageTimeout is returned when a pipeline stage does not complete
	// within its configured soft timeout.
	ErrStageTimeout = errors.New("stage timeout exceeded")

	// ErrIncidentArchived is returned when a manual action targets an
	// incident that has already been archived and cannot transition further.
	ErrIncidentArchived = errors.New("incident already archived")
	// ErrIncidentNotResolved is returned when Archive is attempted on an
	// incident that has not gone through Resolve first.
	ErrIncidentNotResolved = errors.New("incident must be resolved before it can be archived")
)
