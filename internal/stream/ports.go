package stream

import (
	"context"
	"time"
)

// Gateway is the persistence collaborator. I/O failures are generic and
// treated as "retry next tick" by callers.
type Gateway interface {
	// FindDue returns once-streams in status scheduled or offline whose
	// schedule time lies in [from, to].
	FindDue(ctx context.Context, from, to time.Time) ([]Record, error)
	// FindRecurring returns recurring-enabled streams that are not live.
	FindRecurring(ctx context.Context) ([]Record, error)
	FindLive(ctx context.Context) ([]Record, error)
	// GetByID returns ErrNotFound when the record is gone.
	GetByID(ctx context.Context, id string) (Record, error)
	// UpdateStatus writes the status. Entering scheduled clears StartTime.
	UpdateStatus(ctx context.Context, id string, status Status, upd StatusUpdate) error
	UpdateDuration(ctx context.Context, id string, minutes int) error
}

// Engine starts and stops the transmission process. Implementations must be
// idempotent and must not block on process completion.
type Engine interface {
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	IsActive(id string) bool
}

// ExitNotifier is implemented by engines that report process exit.
type ExitNotifier interface {
	OnExit(fn func(id string, err error))
}

// Credential identifies the platform account owning a stream.
type Credential struct {
	UserID       string
	ClientID     string
	ClientSecret string
	RefreshToken string
}

// Lifecycle statuses reported by the platform.
const (
	LifeCycleCreated  = "created"
	LifeCycleReady    = "ready"
	LifeCycleTesting  = "testing"
	LifeCycleLive     = "live"
	LifeCycleComplete = "complete"
	LifeCycleRevoked  = "revoked"
)

// Terminal reports whether a lifecycle status means the broadcast ended.
func Terminal(lifeCycle string) bool {
	return lifeCycle == LifeCycleComplete || lifeCycle == LifeCycleRevoked
}

// BroadcastStatus is the remote view of one broadcast.
type BroadcastStatus struct {
	Exists          bool
	LifeCycleStatus string
}

// VisibilityResult is the outcome of a visibility change attempt.
type VisibilityResult struct {
	Success    bool
	NeedsRetry bool
}

// Platform is the remote broadcast status client.
type Platform interface {
	ResolveCredential(ctx context.Context, userID string) (Credential, error)
	// AccessToken returns ErrPermanentAuth when the credential can never work.
	AccessToken(ctx context.Context, c Credential) (string, error)
	FindBroadcastByKey(ctx context.Context, token, streamKey string) (string, error)
	// BroadcastStatus returns ErrQuotaExceeded when the platform quota is spent.
	BroadcastStatus(ctx context.Context, token, broadcastID string) (BroadcastStatus, error)
	SetVisibility(ctx context.Context, token, broadcastID, visibility string, attempt int) (VisibilityResult, error)
}

// Reason labels why a start or stop happened.
type Reason string

const (
	ReasonScheduleOnce    Reason = "schedule_once"
	ReasonScheduleDaily   Reason = "schedule_daily"
	ReasonScheduleWeekly  Reason = "schedule_weekly"
	ReasonReconnect       Reason = "reconnect"
	ReasonDurationElapsed Reason = "duration_elapsed"
	ReasonDurationOverdue Reason = "duration_overdue"
	ReasonPlatformEnded   Reason = "platform_ended"
	ReasonManual          Reason = "manual"
)

// TriggerReason maps a schedule type onto its start reason.
func TriggerReason(t ScheduleType) Reason {
	switch t {
	case ScheduleDaily:
		return ReasonScheduleDaily
	case ScheduleWeekly:
		return ReasonScheduleWeekly
	default:
		return ReasonScheduleOnce
	}
}
