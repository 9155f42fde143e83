package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/contact-extractor/internal/ledger"
	"github.com/jonathan/contact-extractor/internal/session"
)

func scenarioHarness() *harness {
	h := newHarness(
		client(1, "Acme One", "a@x.com", 1),
		client(2, "Acme Two", "a@x.com", 2),
		client(3, "Beta", "b@y.com", 3),
	)
	h.loader.rows = map[string]int64{"Acme One": 10, "Acme Two": 20, "Beta": 30}
	h.capability.failures[2] = -1
	return h
}

func TestRun_EndToEndScenario(t *testing.T) {
	h := scenarioHarness()

	summary, err := h.orchestrator().Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, h.ledger.count(ledger.StatusScraping))
	assert.Equal(t, 3, h.ledger.count(ledger.StatusLoginStarted))
	assert.Equal(t, 3, h.ledger.count(ledger.StatusLoginDone)+h.ledger.count(ledger.StatusLoginSkipped))
	assert.Equal(t, 2, h.ledger.count(ledger.StatusScrapingDone))
	assert.Equal(t, 3, h.ledger.count(ledger.StatusRetry))
	assert.Equal(t, 1, h.ledger.count(ledger.StatusTransformStarted))
	assert.Equal(t, 1, h.ledger.count(ledger.StatusTransformDone))
	assert.Equal(t, 1, h.ledger.count(ledger.StatusPipelineCompleted))

	// One failure in the first pass and one per retry round.
	failed := h.ledger.forClient(2)
	var failures []ledger.Event
	for _, e := range failed {
		if e.Status == ledger.StatusScrapingFailed {
			failures = append(failures, e)
		}
	}
	require.Len(t, failures, 4)
	require.NotNil(t, failures[3].ErrorMessage)
	assert.Equal(t, "retry 3: export failed: export button not found", *failures[3].ErrorMessage)
	assert.Equal(t, ledger.StatusScrapingFailed, failed[len(failed)-1].Status)

	for _, id := range []int64{1, 3} {
		var done []ledger.Event
		for _, e := range h.ledger.forClient(id) {
			if e.Status == ledger.StatusScrapingDone {
				done = append(done, e)
			}
		}
		require.Len(t, done, 1)
		require.NotNil(t, done[0].RowsCount)
	}

	events := h.ledger.snapshot()
	assert.Equal(t, ledger.StatusPipelineStarted, events[0].Status)
	n := len(events)
	assert.Equal(t, []ledger.Status{
		ledger.StatusTransformStarted, ledger.StatusTransformDone, ledger.StatusPipelineCompleted,
	}, statuses(events[n-3:]))

	for _, e := range events {
		assert.Equal(t, summary.RunID, e.RunID, "every event shares the run id")
	}

	assert.Equal(t, 3, summary.Clients)
	assert.Equal(t, 2, summary.Groups)
	assert.Equal(t, 2, summary.Succeeded)
	require.Len(t, summary.Failed, 1)
	assert.Equal(t, int64(2), summary.Failed[0].ID)
	assert.Equal(t, int64(40), summary.TotalRows)
	assert.Equal(t, int64(42), summary.TransformRows)
	assert.NoError(t, summary.TransformErr)
	assert.Equal(t, 1, h.transformer.calls)
	assert.Equal(t, []int{1, 2}, h.pacer.backoffs, "no backoff after the last round")
}

func TestRun_FailedIsOnlyFollowedByDoneAcrossRetry(t *testing.T) {
	h := scenarioHarness()
	h.capability.failures[2] = 2 // recovers on the second retry

	_, err := h.orchestrator().Run(context.Background())
	require.NoError(t, err)

	for _, id := range []int64{1, 2, 3} {
		sawFailure := false
		for _, e := range h.ledger.forClient(id) {
			switch e.Status {
			case ledger.StatusScrapingFailed:
				sawFailure = true
			case ledger.StatusRetry:
				sawFailure = false
			case ledger.StatusScrapingDone:
				assert.False(t, sawFailure, "client %d went from failed to done without a retry", id)
			}
		}
	}

	assert.Equal(t, 2, h.ledger.count(ledger.StatusRetry))
	assert.Equal(t, 3, h.ledger.count(ledger.StatusScrapingDone))
	assert.Equal(t, []int{1}, h.pacer.backoffs)
}

func TestRun_EmptyRoster(t *testing.T) {
	h := newHarness()

	summary, err := h.orchestrator().Run(context.Background())
	require.NoError(t, err)

	events := h.ledger.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, ledger.StatusPipelineStarted, events[0].Status)
	assert.Equal(t, ledger.StatusPipelineCompleted, events[1].Status)
	require.NotNil(t, events[1].RowsCount)
	assert.Equal(t, int64(0), *events[1].RowsCount)

	assert.Zero(t, h.capability.totalCalls())
	assert.Zero(t, h.transformer.calls)
	assert.Equal(t, 0, summary.Clients)
}

func TestRun_RosterError(t *testing.T) {
	h := newHarness()
	h.roster.err = errors.New("connection refused")

	summary, err := h.orchestrator().Run(context.Background())
	require.Error(t, err)
	assert.Nil(t, summary)
	assert.Contains(t, err.Error(), "connection refused")

	events := h.ledger.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, ledger.StatusPipelineFailed, events[1].Status)
	require.NotNil(t, events[1].ErrorMessage)
	assert.Zero(t, h.capability.totalCalls())
}

func TestRun_SessionReuseWithinGroup(t *testing.T) {
	h := newHarness(
		client(1, "One", "a@x.com", 11),
		client(2, "Two", "a@x.com", 12),
		client(3, "Three", "a@x.com", 13),
	)

	_, err := h.orchestrator().Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, h.ledger.count(ledger.StatusLoginDone), "only the first client logs in")
	assert.Equal(t, 2, h.ledger.count(ledger.StatusLoginSkipped))

	first := h.capability.callsFor(11)
	require.Len(t, first, 1)
	assert.Nil(t, first[0].PriorState)
	assert.Equal(t, "secret-a@x.com", first[0].Password)

	second := h.capability.callsFor(12)
	require.Len(t, second, 1)
	assert.Equal(t, session.State("state:a@x.com:11"), second[0].PriorState)

	third := h.capability.callsFor(13)
	require.Len(t, third, 1)
	assert.Equal(t, session.State("state:a@x.com:12"), third[0].PriorState)
}

func TestRun_SessionSurvivesFailedStep(t *testing.T) {
	h := newHarness(
		client(1, "One", "a@x.com", 21),
		client(2, "Two", "a@x.com", 22),
	)
	h.opts.MaxRetries = 0
	h.capability.failures[21] = 1

	_, err := h.orchestrator().Run(context.Background())
	require.NoError(t, err)

	second := h.capability.callsFor(22)
	require.Len(t, second, 1)
	assert.Equal(t, session.State("state:a@x.com:21"), second[0].PriorState,
		"state reached before the failure is handed to the next client")
	assert.Equal(t, 1, h.ledger.count(ledger.StatusLoginDone))
}

func TestRun_FailureBeforeLoginKeepsPriorState(t *testing.T) {
	h := newHarness(
		client(1, "One", "a@x.com", 31),
		client(2, "Two", "a@x.com", 32),
		client(3, "Three", "a@x.com", 33),
	)
	h.opts.MaxRetries = 0
	h.capability.failures[32] = 1
	h.capability.failWith = func(req session.Request) error {
		return errors.New("browser crashed")
	}

	_, err := h.orchestrator().Run(context.Background())
	require.NoError(t, err)

	third := h.capability.callsFor(33)
	require.Len(t, third, 1)
	assert.Equal(t, session.State("state:a@x.com:31"), third[0].PriorState)

	// No login outcome is known for the crashed client.
	clientTwo := statuses(h.ledger.forClient(2))
	assert.Equal(t, []ledger.Status{
		ledger.StatusScraping, ledger.StatusLoginStarted, ledger.StatusScrapingFailed,
	}, clientTwo)
}

func TestRun_LoginsPerGroupNeverExceedClients(t *testing.T) {
	h := scenarioHarness()
	h.opts.MaxRetries = 0

	_, err := h.orchestrator().Run(context.Background())
	require.NoError(t, err)

	logins := map[string]int{}
	for _, c := range h.capability.calls {
		if c.PriorState == nil {
			logins[c.Email]++
		}
	}
	assert.LessOrEqual(t, logins["a@x.com"], 2)
	assert.LessOrEqual(t, logins["b@y.com"], 1)
	assert.Equal(t, 1, logins["a@x.com"])
}

func TestRun_RetriesForceFreshLogin(t *testing.T) {
	h := newHarness(client(1, "One", "a@x.com", 41))
	h.capability.failures[41] = 1

	_, err := h.orchestrator().Run(context.Background())
	require.NoError(t, err)

	calls := h.capability.callsFor(41)
	require.Len(t, calls, 2)
	assert.Nil(t, calls[1].PriorState)

	assert.Equal(t, []ledger.Status{
		ledger.StatusScraping,
		ledger.StatusLoginStarted,
		ledger.StatusLoginDone,
		ledger.StatusScrapingFailed,
		ledger.StatusRetry,
		ledger.StatusScrapingDone,
	}, statuses(h.ledger.forClient(1)))

	retry := h.ledger.forClient(1)[4]
	require.NotNil(t, retry.ErrorMessage)
	assert.Equal(t, "attempt 1", *retry.ErrorMessage)
}

func TestRun_RetryExhaustion(t *testing.T) {
	h := newHarness(client(1, "One", "a@x.com", 51))
	h.capability.failures[51] = -1

	summary, err := h.orchestrator().Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, h.ledger.count(ledger.StatusRetry))
	events := h.ledger.forClient(1)
	assert.Equal(t, ledger.StatusScrapingFailed, events[len(events)-1].Status)
	assert.Len(t, h.capability.callsFor(51), 4)
	require.Len(t, summary.Failed, 1)
	assert.Equal(t, []int{1, 2}, h.pacer.backoffs)
}

func TestRun_ZeroRetries(t *testing.T) {
	h := newHarness(client(1, "One", "a@x.com", 61))
	h.opts.MaxRetries = 0
	h.capability.failures[61] = -1

	_, err := h.orchestrator().Run(context.Background())
	require.NoError(t, err)

	assert.Zero(t, h.ledger.count(ledger.StatusRetry))
	assert.Empty(t, h.pacer.backoffs)
	assert.Equal(t, 1, h.ledger.count(ledger.StatusTransformDone))
}

func TestRun_LoadFailureIsRetried(t *testing.T) {
	h := newHarness(client(1, "One", "a@x.com", 71))
	h.opts.MaxRetries = 1
	h.loader.err = errors.New("copy failed")

	summary, err := h.orchestrator().Run(context.Background())
	require.NoError(t, err)

	var last *string
	for _, e := range h.ledger.forClient(1) {
		if e.Status == ledger.StatusScrapingFailed {
			last = e.ErrorMessage
		}
	}
	require.NotNil(t, last)
	assert.Equal(t, "retry 1: load failed: copy failed", *last)
	assert.Len(t, summary.Failed, 1)
}

func TestRun_TransformFailureIsNotFatal(t *testing.T) {
	h := newHarness(client(1, "One", "a@x.com", 81))
	h.transformer.err = errors.New("view refresh failed")

	summary, err := h.orchestrator().Run(context.Background())
	require.NoError(t, err)
	require.Error(t, summary.TransformErr)

	events := h.ledger.snapshot()
	n := len(events)
	assert.Equal(t, ledger.StatusTransformFailed, events[n-2].Status)
	require.NotNil(t, events[n-2].ErrorMessage)
	assert.Equal(t, "view refresh failed", *events[n-2].ErrorMessage)
	assert.Equal(t, ledger.StatusPipelineCompleted, events[n-1].Status)
	assert.Zero(t, h.ledger.count(ledger.StatusTransformDone))
}

func TestRun_DecryptFailureFailsWholeGroup(t *testing.T) {
	bad := client(1, "One", "a@x.com", 91)
	bad.EncryptedPassword = "plaintext"
	bad2 := client(2, "Two", "a@x.com", 92)
	bad2.EncryptedPassword = "plaintext"
	h := newHarness(bad, bad2, client(3, "Three", "b@y.com", 93))
	h.opts.MaxRetries = 1

	summary, err := h.orchestrator().Run(context.Background())
	require.NoError(t, err)

	assert.Empty(t, h.capability.callsFor(91))
	assert.Empty(t, h.capability.callsFor(92))
	assert.Len(t, h.capability.callsFor(93), 1)

	assert.Equal(t, []ledger.Status{
		ledger.StatusScraping,
		ledger.StatusScrapingFailed,
		ledger.StatusRetry,
		ledger.StatusScrapingFailed,
	}, statuses(h.ledger.forClient(1)))
	assert.Len(t, summary.Failed, 2)
	assert.Equal(t, 1, summary.Succeeded)
}

func TestRun_NoDelayAfterLastClient(t *testing.T) {
	h := newHarness(
		client(1, "One", "a@x.com", 101),
		client(2, "Two", "a@x.com", 102),
		client(3, "Three", "a@x.com", 103),
		client(4, "Four", "b@y.com", 104),
	)

	_, err := h.orchestrator().Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, h.pacer.pauses)
}

func TestRun_LedgerWriteFailureIsSwallowed(t *testing.T) {
	h := newHarness(client(1, "One", "a@x.com", 111))
	h.ledger.err = errors.New("ledger down")

	summary, err := h.orchestrator().Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Len(t, h.capability.callsFor(111), 1)
}

func TestRun_ArchivesBeforeLoad(t *testing.T) {
	h := newHarness(client(1, "Acme Corp", "a@x.com", 121))
	h.archiver = &fakeArchiver{err: errors.New("bucket unavailable")}

	summary, err := h.orchestrator().Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"acme_corp"}, h.archiver.keys)
	assert.Equal(t, 1, summary.Succeeded, "archive failures do not fail the client")
}

func TestRun_DownloadDirPerClient(t *testing.T) {
	h := newHarness(client(1, "Acme Corp", "a@x.com", 131))
	h.opts.DownloadDir = "/tmp/exports"

	var seen string
	h.capability.failures[131] = 1
	h.capability.failWith = func(req session.Request) error {
		seen = req.DownloadDir
		return errors.New("stop")
	}
	h.opts.MaxRetries = 0

	_, err := h.orchestrator().Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/tmp/exports/acme_corp", seen)
}

func TestRun_GroupsRunConcurrentlyWithinBound(t *testing.T) {
	h := newHarness(
		client(1, "A", "a@x.com", 141),
		client(2, "B", "b@x.com", 142),
		client(3, "C", "c@x.com", 143),
		client(4, "D", "d@x.com", 144),
		client(5, "E", "e@x.com", 145),
	)
	h.opts.MaxWorkers = 2
	h.capability.hold = 20 * time.Millisecond

	o := h.orchestrator()
	_, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.LessOrEqual(t, o.Gate().Peak(), 2)
	assert.LessOrEqual(t, h.capability.peak, 2)
	assert.Zero(t, o.Gate().InUse())
}

func TestRun_CancelledRunStillRecordsEveryClient(t *testing.T) {
	h := newHarness(
		client(1, "Acme", "a@x.com", 1),
		client(2, "Beta", "b@y.com", 2),
	)
	h.opts.MaxWorkers = 1
	h.ledger.strict = true
	h.capability.failures[1] = -1
	h.capability.failures[2] = -1

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.capability.onFetch = cancel

	summary, err := h.orchestrator().Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, h.capability.totalCalls(), "the waiting group never gets a session")
	assert.Len(t, summary.Failed, 2)
	assert.Equal(t, 0, summary.Succeeded)

	for _, id := range []int64{1, 2} {
		events := h.ledger.forClient(id)
		require.NotEmpty(t, events, "client %d", id)
		assert.Equal(t, ledger.StatusScraping, events[0].Status)
		assert.Equal(t, ledger.StatusScrapingFailed, events[len(events)-1].Status)
	}

	assert.Equal(t, 0, h.ledger.count(ledger.StatusRetry))
	assert.Equal(t, 0, h.transformer.calls)
	require.Error(t, summary.TransformErr)
	assert.ErrorIs(t, summary.TransformErr, context.Canceled)
	assert.Equal(t, 1, h.ledger.count(ledger.StatusTransformStarted))
	assert.Equal(t, 1, h.ledger.count(ledger.StatusTransformFailed))

	all := h.ledger.snapshot()
	assert.Equal(t, ledger.StatusPipelineCompleted, all[len(all)-1].Status)
}

func TestOptionsDefaults(t *testing.T) {
	o := Options{}.withDefaults()
	assert.Equal(t, DefaultMaxWorkers, o.MaxWorkers)
	assert.Equal(t, 0, o.MaxRetries)
	assert.Equal(t, DefaultClientDelayMin, o.ClientDelayMin)
	assert.Equal(t, DefaultClientDelayMax, o.ClientDelayMax)
	assert.Equal(t, DefaultDownloadDir, o.DownloadDir)

	o = Options{MaxRetries: -2}.withDefaults()
	assert.Equal(t, 0, o.MaxRetries)
}
