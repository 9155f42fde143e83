// Package session defines the capability that logs into a client workspace (or reuses an
// existing login) and downloads its contact export.
package session

import (
	"context"
	"fmt"

	"github.com/jonathan/contact-extractor/internal/pacing"
)

// LoginOutcome reports whether the capability authenticated or reused prior state.
type LoginOutcome string

const (
	LoginDone    LoginOutcome = "login_done"
	LoginSkipped LoginOutcome = "login_skipped"
)

// State is a serialized authenticated browser context. It is opaque to the pipeline and
// only ever handed from one workspace to the next within a single account.
type State []byte

// Credentials are the decrypted login identity of an account.
type Credentials struct {
	Email    string
	Password string
}

// Request describes one fetch.
type Request struct {
	Credentials Credentials
	WorkspaceID int64
	// PriorState may be nil, in which case a full login happens.
	PriorState  State
	Identity    pacing.Identity
	DownloadDir string
}

// Artifact is a downloaded export on local disk.
type Artifact struct {
	Path string
	Size int64
}

// Result is the outcome of a successful fetch.
type Result struct {
	Artifact Artifact
	// State is nil when the capability could not capture the browser context.
	State State
	Login LoginOutcome
}

// Capability performs login-or-reuse and export download for one workspace.
type Capability interface {
	Fetch(ctx context.Context, req Request) (*Result, error)
}

// Stage names the step a fetch failed in.
type Stage string

const (
	StageLogin  Stage = "login"
	StageSwitch Stage = "switch_workspace"
	StageExport Stage = "export"
)

// FetchError is returned by a Capability when a fetch fails. When the failure happened
// after a successful login, Login and State describe the session reached so the caller
// can keep using it.
type FetchError struct {
	Stage Stage
	Login LoginOutcome
	State State
	Cause error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Cause)
}

func (e *FetchError) Unwrap() error {
	return e.Cause
}
