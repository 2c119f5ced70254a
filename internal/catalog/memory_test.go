package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testScope = Scope{UserGroup: "group1", Instance: "inst1"}

func insertToProcess(t *testing.T, cat *MemoryCatalog, app, userGroup string) string {
	t.Helper()
	id, err := cat.InsertCase(context.Background(), &Case{
		UserGroup:   userGroup,
		Instance:    testScope.Instance,
		Application: app,
		Status:      StatusToProcess,
		Origin:      Origin{User: "A_user", Machine: "A_host", SubmittedAt: time.Now()},
	})
	require.NoError(t, err)
	return id
}

func TestClaimNew_FIFOPickup(t *testing.T) {
	cat := NewMemoryCatalog()
	ctx := context.Background()

	c1 := insertToProcess(t, cat, "RandomCounter", "group1")
	insertToProcess(t, cat, "RandomCounter", "group1")

	got, ok, err := cat.ClaimNew(ctx, testScope, []string{"RandomCounter"}, "B_user", "B_host")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, c1, got.ID, "claim_new must return the oldest eligible case")
}

func TestClaimNew_SetsProcessingStateAndAttempt(t *testing.T) {
	cat := NewMemoryCatalog()
	ctx := context.Background()
	id := insertToProcess(t, cat, "RandomCounter", "group1")

	_, ok, err := cat.ClaimNew(ctx, testScope, []string{"RandomCounter"}, "B_user", "B_host")
	require.NoError(t, err)
	require.True(t, ok)

	cases, err := cat.ScanAll(ctx, testScope)
	require.NoError(t, err)
	require.Len(t, cases, 1)
	c := cases[0]
	assert.Equal(t, id, c.ID)
	assert.Equal(t, StatusProcessing, c.Status)
	require.Len(t, c.Processors.Attempts, 1)
	assert.Equal(t, Attempt{User: "B_user", Machine: "B_host"}, c.Processors.Attempts[0])
	require.NotNil(t, c.LastHeartbeat)
	assert.WithinDuration(t, time.Now(), *c.LastHeartbeat, 2*time.Second)
}

func TestClaimNew_DoesNotCrossScopes(t *testing.T) {
	cat := NewMemoryCatalog()
	ctx := context.Background()

	insertToProcess(t, cat, "RandomCounter", "group1")
	otherScope := Scope{UserGroup: "group2", Instance: testScope.Instance}

	_, ok, err := cat.ClaimNew(ctx, otherScope, []string{"RandomCounter"}, "B_user", "B_host")
	require.NoError(t, err)
	assert.False(t, ok, "a case in one user_group must never be claimable by a different user_group")
}

func TestClaimStalled_IdempotentReclaim(t *testing.T) {
	cat := NewMemoryCatalog()
	ctx := context.Background()

	id := insertToProcess(t, cat, "RandomCounter", "group1")
	_, ok, err := cat.ClaimNew(ctx, testScope, []string{"RandomCounter"}, "B_user", "B_host")
	require.NoError(t, err)
	require.True(t, ok)

	stale := time.Now().Add(-2 * time.Minute)
	cat.mu.Lock()
	cat.cases[id].LastHeartbeat = &stale
	cat.mu.Unlock()

	deadThreshold := 90 * time.Second

	got1, ok1, err1 := cat.ClaimStalled(ctx, testScope, []string{"RandomCounter"}, deadThreshold, "X_user", "X_host")
	require.NoError(t, err1)
	require.True(t, ok1)
	assert.Len(t, got1.Processors.Attempts, 1, "pre-update document carries only the prior attempt")

	got2, ok2, err2 := cat.ClaimStalled(ctx, testScope, []string{"RandomCounter"}, deadThreshold, "Y_user", "Y_host")
	require.NoError(t, err2)
	assert.False(t, ok2, "a second concurrent claim_stalled on the same case must observe nothing")
	assert.Nil(t, got2)
}

func TestClaimStalled_SkipsFreshHeartbeat(t *testing.T) {
	cat := NewMemoryCatalog()
	ctx := context.Background()

	insertToProcess(t, cat, "RandomCounter", "group1")
	_, ok, err := cat.ClaimNew(ctx, testScope, []string{"RandomCounter"}, "B_user", "B_host")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok2, err2 := cat.ClaimStalled(ctx, testScope, []string{"RandomCounter"}, 90*time.Second, "X_user", "X_host")
	require.NoError(t, err2)
	assert.False(t, ok2, "a case with a recent heartbeat is not stalled")
}

func TestAbortAttempt_AtMostThreeExecutions(t *testing.T) {
	cat := NewMemoryCatalog()
	ctx := context.Background()

	id, err := cat.InsertCase(ctx, &Case{
		UserGroup:   "group1",
		Instance:    testScope.Instance,
		Application: "RandomCounter",
		Status:      StatusProcessing,
		Origin:      Origin{User: "u1", Machine: "h1", SubmittedAt: time.Now()},
		Processors: Processors{
			Attempts: []Attempt{{User: "u1", Machine: "h1"}, {User: "u2", Machine: "h2"}, {User: "u3", Machine: "h3"}},
		},
	})
	require.NoError(t, err)

	stale := time.Now().Add(-2 * time.Minute)
	cat.mu.Lock()
	cat.cases[id].LastHeartbeat = &stale
	cat.mu.Unlock()

	before, ok, err := cat.ClaimStalled(ctx, testScope, []string{"RandomCounter"}, 90*time.Second, "X_user", "X_host")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, before.Processors.Attempts, 3, "pre-update attempts reveal the cap was already reached")

	err = cat.AbortAttempt(ctx, id, NewErrorStatus("case failed to process already 3 times"))
	require.NoError(t, err)

	cases, err := cat.ScanAll(ctx, testScope)
	require.NoError(t, err)
	require.Len(t, cases, 1)
	final := cases[0]
	assert.Len(t, final.Processors.Attempts, 3, "the just-appended 4th attempt was popped")
	assert.True(t, final.Status.IsTerminal())
	assert.Equal(t, Status("error: case failed to process already 3 times"), final.Status)
}

func TestMarkTerminal_PreservesAttemptHistory(t *testing.T) {
	cat := NewMemoryCatalog()
	ctx := context.Background()

	id := insertToProcess(t, cat, "RandomCounter", "group1")
	_, ok, err := cat.ClaimNew(ctx, testScope, []string{"RandomCounter"}, "B_user", "B_host")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, cat.MarkTerminal(ctx, id, NewErrorStatus("file input not found")))

	cases, err := cat.ScanAll(ctx, testScope)
	require.NoError(t, err)
	require.Len(t, cases, 1)
	final := cases[0]
	assert.Len(t, final.Processors.Attempts, 1, "MarkTerminal must not pop the attempt, unlike AbortAttempt")
	assert.True(t, final.Status.IsTerminal())
	assert.NotNil(t, final.Processors.FinishedAt)
}

func TestTerminalCasesAreInert(t *testing.T) {
	cat := NewMemoryCatalog()
	ctx := context.Background()

	id := insertToProcess(t, cat, "RandomCounter", "group1")
	_, ok, err := cat.ClaimNew(ctx, testScope, []string{"RandomCounter"}, "B_user", "B_host")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, cat.CommitReceived(ctx, id))

	_, ok2, err2 := cat.ClaimNew(ctx, testScope, []string{"RandomCounter"}, "C_user", "C_host")
	require.NoError(t, err2)
	assert.False(t, ok2, "a received case must never be claimable again")

	stale := time.Time{}
	cat.mu.Lock()
	cat.cases[id].LastHeartbeat = &stale
	cat.mu.Unlock()
	_, ok3, err3 := cat.ClaimStalled(ctx, testScope, []string{"RandomCounter"}, 90*time.Second, "D_user", "D_host")
	require.NoError(t, err3)
	assert.False(t, ok3, "claim_stalled only matches status=processing, never a terminal status")
}

func TestVersionPolicy_DefaultsToAllowed(t *testing.T) {
	cat := NewMemoryCatalog()
	vp, err := cat.VersionPolicy(context.Background(), "9.9")
	require.NoError(t, err)
	assert.Equal(t, VersionAllowed, vp.Version)
}

func TestVersionPolicy_Refused(t *testing.T) {
	cat := NewMemoryCatalog()
	cat.SetVersionPolicy("0.2", VersionPolicy{Version: VersionRefused, Message: "obsolete"})

	vp, err := cat.VersionPolicy(context.Background(), "0.2")
	require.NoError(t, err)
	assert.Equal(t, VersionRefused, vp.Version)
	assert.Equal(t, "obsolete", vp.Message)
}
