package gitsync

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status is a snapshot of the working copy against its upstream, computed on
// every poll and never persisted.
type Status struct {
	Current   string    `json:"current"`
	Tracking  string    `json:"tracking"`
	Ahead     int       `json:"ahead"`
	Behind    int       `json:"behind"`
	Changed   int       `json:"changed"`
	CheckedAt time.Time `json:"checked_at"`
}

// Commit is one entry of a pending commit summary.
type Commit struct {
	Hash      string    `json:"hash"`
	ShortHash string    `json:"short_hash"`
	Subject   string    `json:"subject"`
	Author    string    `json:"author"`
	When      time.Time `json:"when"`
}

// Summary renders the commit as a single bullet line.
func (c Commit) Summary() string {
	return fmt.Sprintf("• %s - %s", c.ShortHash, c.Subject)
}

// PullResult describes what a pull changed.
type PullResult struct {
	Changes    int    `json:"changes"`
	Insertions int    `json:"insertions"`
	Deletions  int    `json:"deletions"`
	Summary    string `json:"summary"`
}

// PushResult reports whether a push moved any ref.
type PushResult struct {
	Pushed  bool   `json:"pushed"`
	Summary string `json:"summary"`
}

// ApplyResult is returned by a successful ApplyRemoteUpdates.
type ApplyResult struct {
	Pull PullResult `json:"pull"`
	Push PushResult `json:"push"`
}

// Backend performs the version-control operations the monitor relies on.
type Backend interface {
	Fetch(ctx context.Context) error
	Status(ctx context.Context) (Status, error)
	Pull(ctx context.Context) (PullResult, error)
	Push(ctx context.Context) (PushResult, error)
	// Log returns commits reachable from to but not from from, newest first,
	// at most limit entries.
	Log(ctx context.Context, from, to string, limit int) ([]Commit, error)
}

// Stage names the step of a sync operation that failed.
type Stage string

const (
	StageFetch  Stage = "fetch"
	StageStatus Stage = "status"
	StagePull   Stage = "pull"
	StagePush   Stage = "push"
	StageLog    Stage = "log"
)

var (
	ErrFetchFailed  = errors.New("fetch failed")
	ErrStatusFailed = errors.New("status failed")
	ErrPullFailed   = errors.New("pull failed")
	ErrPushFailed   = errors.New("push failed")
	ErrLogFailed    = errors.New("log failed")
)

var stageSentinels = map[Stage]error{
	StageFetch:  ErrFetchFailed,
	StageStatus: ErrStatusFailed,
	StagePull:   ErrPullFailed,
	StagePush:   ErrPushFailed,
	StageLog:    ErrLogFailed,
}

// StageError wraps the error of a failed stage. errors.Is matches both the
// stage sentinel and the underlying cause.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", stageSentinels[e.Stage], e.Err)
}

func (e *StageError) Unwrap() []error {
	return []error{stageSentinels[e.Stage], e.Err}
}

func stageErr(s Stage, err error) error {
	return &StageError{Stage: s, Err: err}
}
