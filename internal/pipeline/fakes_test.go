package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/contact-extractor/internal/ledger"
	"github.com/jonathan/contact-extractor/internal/pacing"
	"github.com/jonathan/contact-extractor/internal/roster"
	"github.com/jonathan/contact-extractor/internal/session"
)

type fakeRoster struct {
	clients []roster.Client
	err     error
}

func (f *fakeRoster) ActiveClients(ctx context.Context) ([]roster.Client, error) {
	return f.clients, f.err
}

type fetchCall struct {
	WorkspaceID int64
	Email       string
	Password    string
	PriorState  session.State
}

// fakeCapability logs in when no prior state is given and reuses it otherwise. Each
// workspace can be scripted to fail a number of times, or forever with a negative count.
type fakeCapability struct {
	mu       sync.Mutex
	calls    []fetchCall
	failures map[int64]int
	// failWith builds the error for a failing workspace; by default the failure happens
	// at export, after the session was established.
	failWith func(req session.Request) error
	inFlight int
	peak     int
	hold     time.Duration
	// onFetch runs at the start of every call.
	onFetch func()
}

func newFakeCapability() *fakeCapability {
	return &fakeCapability{failures: map[int64]int{}}
}

func (f *fakeCapability) Fetch(ctx context.Context, req session.Request) (*session.Result, error) {
	if f.onFetch != nil {
		f.onFetch()
	}
	f.mu.Lock()
	f.calls = append(f.calls, fetchCall{
		WorkspaceID: req.WorkspaceID,
		Email:       req.Credentials.Email,
		Password:    req.Credentials.Password,
		PriorState:  req.PriorState,
	})
	f.inFlight++
	if f.inFlight > f.peak {
		f.peak = f.inFlight
	}
	remaining, scripted := f.failures[req.WorkspaceID]
	fail := scripted && remaining != 0
	if fail && remaining > 0 {
		f.failures[req.WorkspaceID] = remaining - 1
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()
	if f.hold > 0 {
		time.Sleep(f.hold)
	}

	login := session.LoginDone
	if req.PriorState != nil {
		login = session.LoginSkipped
	}
	state := session.State(fmt.Sprintf("state:%s:%d", req.Credentials.Email, req.WorkspaceID))

	if fail {
		if f.failWith != nil {
			return nil, f.failWith(req)
		}
		return nil, &session.FetchError{
			Stage: session.StageExport,
			Login: login,
			State: state,
			Cause: errors.New("export button not found"),
		}
	}

	return &session.Result{
		Artifact: session.Artifact{Path: fmt.Sprintf("%s/people.csv", req.DownloadDir), Size: 10},
		State:    state,
		Login:    login,
	}, nil
}

func (f *fakeCapability) callsFor(workspaceID int64) []fetchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fetchCall
	for _, c := range f.calls {
		if c.WorkspaceID == workspaceID {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeCapability) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeLoader struct {
	rows map[string]int64
	err  error
}

func (f *fakeLoader) LoadArtifact(ctx context.Context, artifact session.Artifact, clientName string) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.rows[clientName], nil
}

type fakeTransformer struct {
	rows  int64
	err   error
	calls int
}

func (f *fakeTransformer) TransformStagingToCore(ctx context.Context) (int64, error) {
	f.calls++
	return f.rows, f.err
}

type memLedger struct {
	mu     sync.Mutex
	events []ledger.Event
	err    error
	// strict rejects writes under a done context, like a database driver does.
	strict bool
}

func (m *memLedger) AppendEvent(ctx context.Context, e ledger.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.strict && ctx.Err() != nil {
		return ctx.Err()
	}
	m.events = append(m.events, e)
	return m.err
}

func (m *memLedger) snapshot() []ledger.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ledger.Event(nil), m.events...)
}

func (m *memLedger) count(status ledger.Status) int {
	n := 0
	for _, e := range m.snapshot() {
		if e.Status == status {
			n++
		}
	}
	return n
}

func (m *memLedger) forClient(clientID int64) []ledger.Event {
	var out []ledger.Event
	for _, e := range m.snapshot() {
		if e.ClientID != nil && *e.ClientID == clientID {
			out = append(out, e)
		}
	}
	return out
}

func statuses(events []ledger.Event) []ledger.Status {
	out := make([]ledger.Status, len(events))
	for i, e := range events {
		out[i] = e.Status
	}
	return out
}

// fakeDecrypter accepts "enc:<plain>".
type fakeDecrypter struct{}

func (fakeDecrypter) Decrypt(ciphertext string) (string, error) {
	plain, ok := strings.CutPrefix(ciphertext, "enc:")
	if !ok {
		return "", errors.New("ciphertext is not encrypted")
	}
	return plain, nil
}

type fakePacer struct {
	mu       sync.Mutex
	pauses   int
	backoffs []int
}

func (f *fakePacer) Pause(ctx context.Context, minDelay, maxDelay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pauses++
	return nil
}

func (f *fakePacer) Backoff(ctx context.Context, attempt int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.backoffs = append(f.backoffs, attempt)
	return nil
}

func (f *fakePacer) RandomIdentity() pacing.Identity {
	return pacing.Identity{UserAgent: "test-agent", Viewport: pacing.Viewport{Width: 1920, Height: 1080}}
}

type fakeArchiver struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (f *fakeArchiver) Archive(ctx context.Context, runID uuid.UUID, client roster.Client, artifact session.Artifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, client.Slug())
	return f.err
}

type harness struct {
	roster      *fakeRoster
	capability  *fakeCapability
	loader      *fakeLoader
	transformer *fakeTransformer
	ledger      *memLedger
	pacer       *fakePacer
	archiver    *fakeArchiver
	opts        Options
}

func newHarness(clients ...roster.Client) *harness {
	return &harness{
		roster:      &fakeRoster{clients: clients},
		capability:  newFakeCapability(),
		loader:      &fakeLoader{rows: map[string]int64{}},
		transformer: &fakeTransformer{rows: 42},
		ledger:      &memLedger{},
		pacer:       &fakePacer{},
		opts:        Options{MaxWorkers: 2, MaxRetries: 3, DownloadDir: "dl"},
	}
}

func (h *harness) orchestrator() *Orchestrator {
	deps := Deps{
		Roster:      h.roster,
		Capability:  h.capability,
		Loader:      h.loader,
		Transformer: h.transformer,
		Ledger:      h.ledger,
		Decrypter:   fakeDecrypter{},
		Pacer:       h.pacer,
	}
	if h.archiver != nil {
		deps.Archiver = h.archiver
	}
	return New(deps, h.opts)
}

func client(id int64, name, email string, workspace int64) roster.Client {
	return roster.Client{
		ID:                id,
		Name:              name,
		Email:             email,
		EncryptedPassword: "enc:secret-" + email,
		WorkspaceID:       workspace,
		Status:            "Active",
	}
}
