// Package session tracks the cluster-wide run state of a crawler: one record
// per crawler id, resolved at launch into a launch decision and kept fresh by
// a heartbeat while the run lasts.
package session

import (
	"time"
)

// CrawlState is the lifecycle state stored on a session record.
type CrawlState string

// Supported crawl states.
const (
	StateUndefined CrawlState = "UNDEFINED"
	StateRunning   CrawlState = "RUNNING"
	StateStopping  CrawlState = "STOPPING"
	StateStopped   CrawlState = "STOPPED"
	StateCompleted CrawlState = "COMPLETED"
	StatePaused    CrawlState = "PAUSED"
	StateFailed    CrawlState = "FAILED"
)

// ResumeState says whether this launch continues interrupted work.
type ResumeState string

// Supported resume states.
const (
	ResumeInitial ResumeState = "INITIAL"
	ResumeResumed ResumeState = "RESUMED"
)

// CrawlMode says whether the run starts from scratch or builds on the
// previous session's processed set.
type CrawlMode string

// Supported crawl modes.
const (
	ModeFull        CrawlMode = "FULL"
	ModeIncremental CrawlMode = "INCREMENTAL"
)

// Session is the persisted record for one crawler id.
type Session struct {
	CrawlerID   string      `json:"crawlerId"`
	CrawlState  CrawlState  `json:"crawlState"`
	ResumeState ResumeState `json:"resumeState"`
	CrawlMode   CrawlMode   `json:"crawlMode"`
	// LastUpdated is epoch milliseconds.
	LastUpdated int64 `json:"lastUpdated"`
}

// IsResumed reports whether the launch resumes a previous run.
func (s Session) IsResumed() bool {
	return s.ResumeState == ResumeResumed
}

// IsIncremental reports whether the launch is an incremental pass.
func (s Session) IsIncremental() bool {
	return s.CrawlMode == ModeIncremental
}

// LastUpdatedTime converts LastUpdated to a time.Time.
func (s Session) LastUpdatedTime() time.Time {
	return time.UnixMilli(s.LastUpdated).UTC()
}

// Decision names the branch of the resolution table that was taken.
type Decision string

// Resolution decisions.
const (
	DecisionNew           Decision = "new"
	DecisionStaleResume   Decision = "stale_resume"
	DecisionJoin          Decision = "join"
	DecisionResumePaused  Decision = "resume_paused"
	DecisionIncremental   Decision = "incremental"
	DecisionResumeFailed  Decision = "resume_failed"
	DecisionResumeStopped Decision = "resume_stopped"
)

// Decide applies the launch decision table to the stored record (nil when
// none exists) and returns the record to persist. The returned session is
// always RUNNING and stamped with now.
func Decide(crawlerID string, stored *Session, now time.Time, timeout time.Duration) (Session, Decision) {
	nowMillis := now.UnixMilli()
	if stored == nil || stored.CrawlState == StateUndefined || stored.CrawlState == "" {
		return Session{
			CrawlerID:   crawlerID,
			CrawlState:  StateRunning,
			ResumeState: ResumeInitial,
			CrawlMode:   ModeFull,
			LastUpdated: nowMillis,
		}, DecisionNew
	}

	next := *stored
	next.CrawlerID = crawlerID
	if next.CrawlMode == "" {
		next.CrawlMode = ModeFull
	}
	if next.ResumeState == "" {
		next.ResumeState = ResumeInitial
	}

	var decision Decision
	switch stored.CrawlState {
	case StateRunning:
		if nowMillis-stored.LastUpdated > timeout.Milliseconds() {
			next.ResumeState = ResumeResumed
			decision = DecisionStaleResume
		} else {
			decision = DecisionJoin
		}
	case StatePaused:
		next.ResumeState = ResumeResumed
		decision = DecisionResumePaused
	case StateCompleted:
		next.CrawlMode = ModeIncremental
		next.ResumeState = ResumeInitial
		decision = DecisionIncremental
	case StateFailed:
		next.ResumeState = ResumeResumed
		decision = DecisionResumeFailed
	default:
		// STOPPING and STOPPED leave unfinished work behind, like PAUSED.
		next.ResumeState = ResumeResumed
		decision = DecisionResumeStopped
	}
	next.CrawlState = StateRunning
	next.LastUpdated = nowMillis
	return next, decision
}
