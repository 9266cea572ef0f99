package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/laboro/internal/common"
	"github.com/ternarybob/laboro/internal/interfaces"
	"github.com/ternarybob/laboro/internal/models"
	"github.com/ternarybob/laboro/internal/services/policy"
	"github.com/ternarybob/laboro/internal/services/signer"
	"github.com/ternarybob/laboro/internal/storage/badger"
)

type submission struct {
	actor string
	args  map[string]interface{}
	opts  interfaces.SubmitOptions
}

// fakeQueue records submissions and returns canned message ids
type fakeQueue struct {
	mu        sync.Mutex
	messageID string
	err       error
	submits   []submission
}

func (q *fakeQueue) Submit(ctx context.Context, actor string, args map[string]interface{}, opts interfaces.SubmitOptions) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return "", q.err
	}
	q.submits = append(q.submits, submission{actor: actor, args: args, opts: opts})
	return q.messageID, nil
}

func (q *fakeQueue) Length(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.submits), nil
}

func (q *fakeQueue) last(t *testing.T) submission {
	t.Helper()
	q.mu.Lock()
	defer q.mu.Unlock()
	require.NotEmpty(t, q.submits, "expected at least one queue submission")
	return q.submits[len(q.submits)-1]
}

type testHarness struct {
	service   interfaces.JobService
	callbacks *Callbacks
	store     interfaces.JobStorage
	queue     *fakeQueue
	config    *common.UWSConfig
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	logger := arbor.NewLogger()

	manager, err := badger.NewManager(logger, &common.DatabaseConfig{URL: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })

	queue := &fakeQueue{messageID: "msg-1"}
	dispatcher := NewDispatcher(queue, "cutout", logger)
	cutoutPolicy := policy.NewImageCutoutPolicy(dispatcher, logger)

	urlSigner, err := signer.NewHMACSigner(&common.SignerConfig{
		URLLifetime:    900,
		ServiceAccount: "cutout-signer@localhost",
		Secret:         "test-secret",
		BaseURL:        "https://example.com/download",
	})
	require.NoError(t, err)

	config := &common.UWSConfig{
		ExecutionDuration: 600,
		Lifetime:          86400,
		WaitTimeout:       5,
		SyncTimeout:       2,
	}

	store := manager.JobStorage()
	return &testHarness{
		service:   NewService(config, store, cutoutPolicy, urlSigner, nil, logger),
		callbacks: NewCallbacks(store, nil, logger),
		store:     store,
		queue:     queue,
		config:    config,
	}
}

func cutoutParams() json.RawMessage {
	return json.RawMessage(`{"ids":["1-2-3"],"stencils":[{"type":"circle","center":{"ra":10,"dec":-5},"radius":1}]}`)
}

func callbackArgs(jobID, messageID string, extra map[string]interface{}) map[string]interface{} {
	args := map[string]interface{}{
		"job_id":     jobID,
		"message_id": messageID,
	}
	for k, v := range extra {
		args[k] = v
	}
	return args
}

// startJob walks a fresh job to the queued phase
func startJob(t *testing.T, h *testHarness, user string) *models.Job {
	t.Helper()
	ctx := context.Background()

	job, err := h.service.Create(ctx, user, cutoutParams(), "")
	require.NoError(t, err)
	_, err = h.service.Start(ctx, user, job.JobID)
	require.NoError(t, err)
	return job
}

func TestCreateAssignsDefaults(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	job, err := h.service.Create(ctx, "u", cutoutParams(), "")
	require.NoError(t, err)

	assert.Equal(t, "1", job.JobID)
	assert.Equal(t, "u", job.Owner)
	assert.Equal(t, models.PhasePending, job.Phase)
	assert.Equal(t, int64(600), job.ExecutionDuration)
	assert.Equal(t, job.CreationTime.Add(24*time.Hour), job.DestructionTime)
	assert.Nil(t, job.StartTime)
	assert.Empty(t, job.Results)

	// Parameters survive the round trip bit-identically
	stored, err := h.service.Get(ctx, "u", "1", nil)
	require.NoError(t, err)
	assert.Equal(t, string(cutoutParams()), string(stored.Parameters))
}

func TestCreateStoresRunID(t *testing.T) {
	h := newTestHarness(t)

	job, err := h.service.Create(context.Background(), "u", cutoutParams(), "run-42")
	require.NoError(t, err)
	assert.Equal(t, "run-42", job.RunID)
}

func TestCreateRejectsInvalidParams(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	raw := json.RawMessage(`{"ids":["a","b"],"stencils":[{"type":"circle","center":{"ra":1,"dec":1},"radius":1}]}`)
	_, err := h.service.Create(ctx, "u", raw, "")

	var svcErr *models.JobServiceError
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, models.ErrorCodeUnsupportedParameter, svcErr.Code)

	// Nothing was stored
	jobs, err := h.service.List(ctx, "u", nil)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestStartDispatchesToQueue(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	job, err := h.service.Create(ctx, "u", cutoutParams(), "")
	require.NoError(t, err)

	messageID, err := h.service.Start(ctx, "u", job.JobID)
	require.NoError(t, err)
	assert.Equal(t, "msg-1", messageID)

	sub := h.queue.last(t)
	assert.Equal(t, "cutout", sub.actor)
	assert.Equal(t, "1", sub.args["job_id"])
	assert.Equal(t, int64(600000), sub.opts.TimeoutMs)
	assert.Equal(t, CallbackJobCompleted, sub.opts.OnSuccess)
	assert.Equal(t, CallbackJobFailed, sub.opts.OnFailure)

	stored, err := h.service.Get(ctx, "u", job.JobID, nil)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseQueued, stored.Phase)
}

func TestStartWrongOwner(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	_, err := h.service.Create(ctx, "u", cutoutParams(), "")
	require.NoError(t, err)

	_, err = h.service.Start(ctx, "other", "1")
	var svcErr *models.JobServiceError
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, models.ErrorCodePermissionDenied, svcErr.Code)
	assert.Equal(t, "Access to job 1 denied", svcErr.Message)
}

func TestStartRejectsWrongPhase(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	startJob(t, h, "u")

	_, err := h.service.Start(ctx, "u", "1")
	var svcErr *models.JobServiceError
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, models.ErrorCodeInvalidPhase, svcErr.Code)
	assert.Equal(t, "Cannot start job in phase queued", svcErr.Message)
}

func TestStartDispatchFailureLeavesJobPending(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	_, err := h.service.Create(ctx, "u", cutoutParams(), "")
	require.NoError(t, err)

	h.queue.err = fmt.Errorf("broker down")
	_, err = h.service.Start(ctx, "u", "1")
	require.Error(t, err)

	job, err := h.service.Get(ctx, "u", "1", nil)
	require.NoError(t, err)
	assert.Equal(t, models.PhasePending, job.Phase)
}

func TestFullHappyPath(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	startJob(t, h, "u")

	_, err := h.callbacks.JobStarted(ctx, callbackArgs("1", "msg-1", map[string]interface{}{
		"timestamp": common.Isodatetime(common.Now()),
	}))
	require.NoError(t, err)

	job, err := h.service.Get(ctx, "u", "1", nil)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseExecuting, job.Phase)
	assert.NotNil(t, job.StartTime)

	_, err = h.callbacks.JobCompleted(ctx, callbackArgs("1", "msg-1", map[string]interface{}{
		"results": []interface{}{
			map[string]interface{}{"result_id": "cutout", "url": "s3://bucket/p", "mime_type": "application/fits"},
		},
	}))
	require.NoError(t, err)

	job, err = h.service.Get(ctx, "u", "1", nil)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseCompleted, job.Phase)
	assert.NotNil(t, job.EndTime)
	require.Len(t, job.Results, 1)
	assert.Equal(t, "cutout", job.Results[0].ResultID)
	assert.True(t, strings.HasPrefix(job.Results[0].URL, "https://example.com/download/bucket/p?"),
		"expected signed URL, got %s", job.Results[0].URL)
	assert.Contains(t, job.Results[0].URL, "signature=")
}

func TestStructuredFailure(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	startJob(t, h, "u")

	_, err := h.callbacks.JobFailed(ctx, callbackArgs("1", "msg-1", map[string]interface{}{
		"type":    "TaskError",
		"message": `{"error_code":"usage_error","message":"Something failed"}`,
	}))
	require.NoError(t, err)

	job, err := h.service.Get(ctx, "u", "1", nil)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseError, job.Phase)
	require.NotNil(t, job.Error)
	assert.Equal(t, "usage_error", job.Error.ErrorCode)
	assert.Equal(t, "Something failed", job.Error.Message)
	assert.Empty(t, job.Error.Detail)
	assert.Empty(t, job.Results)
}

func TestUnknownFailure(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	startJob(t, h, "u")

	_, err := h.callbacks.JobFailed(ctx, callbackArgs("1", "msg-1", map[string]interface{}{
		"type":    "ValueError",
		"message": "Unknown exception",
	}))
	require.NoError(t, err)

	job, err := h.service.Get(ctx, "u", "1", nil)
	require.NoError(t, err)
	require.NotNil(t, job.Error)
	assert.Equal(t, "unknown_error", job.Error.ErrorCode)
	assert.Equal(t, "Unknown error executing task", job.Error.Message)
	assert.Equal(t, "ValueError: Unknown exception", job.Error.Detail)
}

func TestStaleCallbacksAreNoOps(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	startJob(t, h, "u")

	// A callback carrying a different message id never advances the job
	_, err := h.callbacks.JobStarted(ctx, callbackArgs("1", "msg-stale", nil))
	require.NoError(t, err)
	_, err = h.callbacks.JobCompleted(ctx, callbackArgs("1", "msg-stale", map[string]interface{}{
		"results": []interface{}{map[string]interface{}{"result_id": "cutout", "url": "s3://bucket/p"}},
	}))
	require.NoError(t, err)

	job, err := h.service.Get(ctx, "u", "1", nil)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseQueued, job.Phase)
	assert.Empty(t, job.Results)
}

func TestCallbackForDeletedJobIsSwallowed(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	startJob(t, h, "u")
	require.NoError(t, h.service.Delete(ctx, "u", "1"))

	payload, err := h.callbacks.JobFailed(ctx, callbackArgs("1", "msg-1", map[string]interface{}{
		"type":    "ValueError",
		"message": "too late",
	}))
	assert.Nil(t, payload)
	assert.NoError(t, err)
}

func TestLongPollWaitZeroReturnsImmediately(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	_, err := h.service.Create(ctx, "u", cutoutParams(), "")
	require.NoError(t, err)

	begin := time.Now()
	job, err := h.service.Get(ctx, "u", "1", &interfaces.WaitOptions{Wait: 0})
	require.NoError(t, err)
	assert.Equal(t, models.PhasePending, job.Phase)
	assert.Less(t, time.Since(begin), 200*time.Millisecond)
}

func TestLongPollTimesOut(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	_, err := h.service.Create(ctx, "u", cutoutParams(), "")
	require.NoError(t, err)

	begin := time.Now()
	job, err := h.service.Get(ctx, "u", "1", &interfaces.WaitOptions{Wait: 1})
	require.NoError(t, err)
	elapsed := time.Since(begin)

	assert.Equal(t, models.PhasePending, job.Phase)
	assert.GreaterOrEqual(t, elapsed, 900*time.Millisecond)
	assert.Less(t, elapsed, 3*time.Second)
}

func TestLongPollNegativeWaitClampsToMaximum(t *testing.T) {
	h := newTestHarness(t)
	h.config.WaitTimeout = 1
	ctx := context.Background()

	_, err := h.service.Create(ctx, "u", cutoutParams(), "")
	require.NoError(t, err)

	begin := time.Now()
	_, err = h.service.Get(ctx, "u", "1", &interfaces.WaitOptions{Wait: -1})
	require.NoError(t, err)
	elapsed := time.Since(begin)

	assert.GreaterOrEqual(t, elapsed, 900*time.Millisecond)
	assert.Less(t, elapsed, 3*time.Second)
}

func TestLongPollSeesTransition(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	startJob(t, h, "u")

	go func() {
		time.Sleep(250 * time.Millisecond)
		h.callbacks.JobStarted(context.Background(), callbackArgs("1", "msg-1", nil))
	}()

	begin := time.Now()
	job, err := h.service.Get(ctx, "u", "1", &interfaces.WaitOptions{Wait: 5})
	require.NoError(t, err)

	assert.Equal(t, models.PhaseExecuting, job.Phase)
	assert.Less(t, time.Since(begin), 4*time.Second)
}

func TestGetFirstResultReturnsSignedURL(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	startJob(t, h, "u")

	go func() {
		time.Sleep(200 * time.Millisecond)
		bg := context.Background()
		h.callbacks.JobStarted(bg, callbackArgs("1", "msg-1", nil))
		h.callbacks.JobCompleted(bg, callbackArgs("1", "msg-1", map[string]interface{}{
			"results": []interface{}{
				map[string]interface{}{"result_id": "cutout", "url": "s3://bucket/p", "mime_type": "application/fits"},
			},
		}))
	}()

	url, err := h.service.GetFirstResult(ctx, "u", "1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "https://example.com/download/bucket/p?"),
		"expected signed URL, got %s", url)
}

func TestGetFirstResultTimesOut(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	startJob(t, h, "u")

	_, err := h.service.GetFirstResult(ctx, "u", "1")
	var svcErr *models.JobServiceError
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, models.ErrorCodeSyncTimeout, svcErr.Code)
	assert.Equal(t, "Job did not complete in 2s", svcErr.Message)
}

func TestGetFirstResultSurfacesTaskError(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	startJob(t, h, "u")
	_, err := h.callbacks.JobFailed(ctx, callbackArgs("1", "msg-1", map[string]interface{}{
		"type":    "TaskError",
		"message": `{"error_code":"usage_error","message":"Something failed"}`,
	}))
	require.NoError(t, err)

	_, err = h.service.GetFirstResult(ctx, "u", "1")
	var taskErr *models.TaskError
	require.ErrorAs(t, err, &taskErr)
	assert.Equal(t, "usage_error", taskErr.ErrorCode)
	assert.Equal(t, "Something failed", taskErr.Message)
}

func TestGetFirstResultWithoutResults(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	startJob(t, h, "u")
	_, err := h.callbacks.JobStarted(ctx, callbackArgs("1", "msg-1", nil))
	require.NoError(t, err)
	_, err = h.callbacks.JobCompleted(ctx, callbackArgs("1", "msg-1", nil))
	require.NoError(t, err)

	_, err = h.service.GetFirstResult(ctx, "u", "1")
	var taskErr *models.TaskError
	require.ErrorAs(t, err, &taskErr)
	assert.Equal(t, "no_results", taskErr.ErrorCode)
	assert.Equal(t, "Job did not return any results", taskErr.Message)
}

func TestPermissionChecks(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	_, err := h.service.Create(ctx, "u", cutoutParams(), "")
	require.NoError(t, err)

	assertDenied := func(err error) {
		t.Helper()
		var svcErr *models.JobServiceError
		require.ErrorAs(t, err, &svcErr)
		assert.Equal(t, models.ErrorCodePermissionDenied, svcErr.Code)
		assert.Equal(t, 403, svcErr.StatusCode)
	}

	_, err = h.service.Get(ctx, "other", "1", nil)
	assertDenied(err)

	assertDenied(h.service.Delete(ctx, "other", "1"))

	duration := int64(100)
	_, err = h.service.Update(ctx, "other", "1", &models.JobUpdate{ExecutionDuration: &duration})
	assertDenied(err)

	// The job is untouched
	job, err := h.service.Get(ctx, "u", "1", nil)
	require.NoError(t, err)
	assert.Equal(t, models.PhasePending, job.Phase)
}

func TestUpdateFrozenByCutoutPolicy(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	job, err := h.service.Create(ctx, "u", cutoutParams(), "")
	require.NoError(t, err)

	requested := job.DestructionTime.Add(48 * time.Hour)
	updated, err := h.service.Update(ctx, "u", "1", &models.JobUpdate{DestructionTime: &requested})
	require.NoError(t, err)
	assert.Equal(t, job.DestructionTime, updated.DestructionTime)

	duration := int64(100)
	updated, err = h.service.Update(ctx, "u", "1", &models.JobUpdate{ExecutionDuration: &duration})
	require.NoError(t, err)
	assert.Equal(t, int64(600), updated.ExecutionDuration)
}

func TestUpdateRejectsZeroExecutionDuration(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	_, err := h.service.Create(ctx, "u", cutoutParams(), "")
	require.NoError(t, err)

	zero := int64(0)
	_, err = h.service.Update(ctx, "u", "1", &models.JobUpdate{ExecutionDuration: &zero})
	var svcErr *models.JobServiceError
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, models.ErrorCodeUnsupportedParameter, svcErr.Code)
	assert.Equal(t, 422, svcErr.StatusCode)
}

func TestUpdateClampsThroughPolicy(t *testing.T) {
	logger := arbor.NewLogger()
	manager, err := badger.NewManager(logger, &common.DatabaseConfig{URL: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })

	queue := &fakeQueue{messageID: "msg-1"}
	clampPolicy := &policy.ClampPolicy{
		MaxDestructionOffset: 24 * time.Hour,
		MaxExecutionDuration: 200,
		Dispatcher:           NewDispatcher(queue, "cutout", logger),
	}
	urlSigner, err := signer.NewHMACSigner(&common.SignerConfig{
		URLLifetime: 900, Secret: "test-secret", BaseURL: "https://example.com/download",
	})
	require.NoError(t, err)
	config := &common.UWSConfig{ExecutionDuration: 600, Lifetime: 86400, WaitTimeout: 5, SyncTimeout: 2}
	service := NewService(config, manager.JobStorage(), clampPolicy, urlSigner, nil, logger)

	ctx := context.Background()
	_, err = service.Create(ctx, "u", json.RawMessage(`{"id":"bar"}`), "")
	require.NoError(t, err)

	// Within the limits the requests are honored
	requested := common.Now().Add(time.Hour)
	updated, err := service.Update(ctx, "u", "1", &models.JobUpdate{DestructionTime: &requested})
	require.NoError(t, err)
	assert.Equal(t, requested, updated.DestructionTime)

	duration := int64(100)
	updated, err = service.Update(ctx, "u", "1", &models.JobUpdate{ExecutionDuration: &duration})
	require.NoError(t, err)
	assert.Equal(t, int64(100), updated.ExecutionDuration)

	// Beyond the limits the requests are clamped
	requested = common.Now().Add(5 * 24 * time.Hour)
	updated, err = service.Update(ctx, "u", "1", &models.JobUpdate{DestructionTime: &requested})
	require.NoError(t, err)
	assert.WithinDuration(t, common.Now().Add(24*time.Hour), updated.DestructionTime, 5*time.Second)

	duration = int64(250)
	updated, err = service.Update(ctx, "u", "1", &models.JobUpdate{ExecutionDuration: &duration})
	require.NoError(t, err)
	assert.Equal(t, int64(200), updated.ExecutionDuration)
}

func TestDeleteRemovesJob(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	_, err := h.service.Create(ctx, "u", cutoutParams(), "")
	require.NoError(t, err)

	require.NoError(t, h.service.Delete(ctx, "u", "1"))

	_, err = h.service.Get(ctx, "u", "1", nil)
	var svcErr *models.JobServiceError
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, models.ErrorCodeUnknownJob, svcErr.Code)
	assert.Equal(t, 404, svcErr.StatusCode)
}

func TestGetUnknownJob(t *testing.T) {
	h := newTestHarness(t)

	_, err := h.service.Get(context.Background(), "u", "999", nil)
	var svcErr *models.JobServiceError
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, models.ErrorCodeUnknownJob, svcErr.Code)
	assert.Equal(t, "Job 999 not found", svcErr.Message)
}

func TestListScopesAndFilters(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	_, err := h.service.Create(ctx, "u", cutoutParams(), "")
	require.NoError(t, err)
	_, err = h.service.Create(ctx, "u", cutoutParams(), "")
	require.NoError(t, err)
	_, err = h.service.Create(ctx, "other", cutoutParams(), "")
	require.NoError(t, err)

	_, err = h.service.Start(ctx, "u", "2")
	require.NoError(t, err)

	jobs, err := h.service.List(ctx, "u", nil)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "2", jobs[0].JobID)
	assert.Equal(t, "1", jobs[1].JobID)

	jobs, err = h.service.List(ctx, "u", &interfaces.JobListOptions{
		Phases: []models.ExecutionPhase{models.PhasePending},
	})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "1", jobs[0].JobID)

	jobs, err = h.service.List(ctx, "u", &interfaces.JobListOptions{Count: 1})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "2", jobs[0].JobID)
}

func TestAvailability(t *testing.T) {
	h := newTestHarness(t)

	availability := h.service.Availability(context.Background())
	require.NotNil(t, availability)
	assert.True(t, availability.Available)
}

func TestDispatchErrorSurfaces(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	_, err := h.service.Create(ctx, "u", cutoutParams(), "")
	require.NoError(t, err)

	h.queue.err = errors.New("broker down")
	_, err = h.service.Start(ctx, "u", "1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
}
