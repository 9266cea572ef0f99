package jobs

import (
	"context"
	"encoding/json"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/laboro/internal/common"
	"github.com/ternarybob/laboro/internal/interfaces"
	"github.com/ternarybob/laboro/internal/models"
)

// Callback actor names. The dispatcher binds the completed and failed actors
// to every work submission; workers send started themselves on pickup.
const (
	CallbackJobStarted   = "job_started"
	CallbackJobCompleted = "job_completed"
	CallbackJobFailed    = "job_failed"
)

// Callbacks applies worker outcome messages to the job store. Every actor
// swallows failures after logging them: returning an error would make the
// queue re-deliver, and the store's message-id guards already make stale or
// duplicate callbacks harmless.
type Callbacks struct {
	store  interfaces.JobStorage
	events interfaces.EventService
	logger arbor.ILogger
}

// NewCallbacks creates the callback actor set
func NewCallbacks(store interfaces.JobStorage, events interfaces.EventService, logger arbor.ILogger) *Callbacks {
	return &Callbacks{
		store:  store,
		events: events,
		logger: logger,
	}
}

// Register installs the three callback actors on the pool
func (c *Callbacks) Register(pool interfaces.WorkerPool) {
	pool.RegisterActor(CallbackJobStarted, c.JobStarted)
	pool.RegisterActor(CallbackJobCompleted, c.JobCompleted)
	pool.RegisterActor(CallbackJobFailed, c.JobFailed)
}

// JobStarted records that a worker picked the job up
func (c *Callbacks) JobStarted(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	jobID, messageID, ok := c.identify(args, CallbackJobStarted)
	if !ok {
		return nil, nil
	}

	startTime := common.Now()
	if raw, ok := args["timestamp"].(string); ok {
		if t, err := common.ParseIsodatetime(raw); err == nil {
			startTime = t
		}
	}

	if err := c.store.MarkStarted(ctx, jobID, messageID, startTime); err != nil {
		c.logger.Error().
			Err(err).
			Str("job_id", jobID).
			Str("message_id", messageID).
			Msg("Failed to record job start")
		return nil, nil
	}

	c.publish(ctx, interfaces.EventJobStarted, jobID)
	return nil, nil
}

// JobCompleted records the worker's results and finishes the job
func (c *Callbacks) JobCompleted(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	jobID, messageID, ok := c.identify(args, CallbackJobCompleted)
	if !ok {
		return nil, nil
	}

	results, err := decodeResults(args["results"])
	if err != nil {
		c.logger.Error().
			Err(err).
			Str("job_id", jobID).
			Str("message_id", messageID).
			Msg("Callback carried undecodable results")
		return nil, nil
	}

	if err := c.store.MarkCompleted(ctx, jobID, messageID, common.Now(), results); err != nil {
		c.logger.Error().
			Err(err).
			Str("job_id", jobID).
			Str("message_id", messageID).
			Msg("Failed to record job completion")
		return nil, nil
	}

	c.publish(ctx, interfaces.EventJobCompleted, jobID)
	return nil, nil
}

// JobFailed decodes the failure envelope and moves the job to the error
// phase
func (c *Callbacks) JobFailed(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	jobID, messageID, ok := c.identify(args, CallbackJobFailed)
	if !ok {
		return nil, nil
	}

	envelopeType, _ := args["type"].(string)
	envelopeMessage, _ := args["message"].(string)
	taskErr := models.TaskErrorFromCallback(envelopeType, envelopeMessage)

	if err := c.store.MarkErrored(ctx, jobID, messageID, common.Now(), taskErr.JobError()); err != nil {
		c.logger.Error().
			Err(err).
			Str("job_id", jobID).
			Str("message_id", messageID).
			Msg("Failed to record job failure")
		return nil, nil
	}

	c.publish(ctx, interfaces.EventJobFailed, jobID)
	return nil, nil
}

func (c *Callbacks) identify(args map[string]interface{}, actor string) (string, string, bool) {
	jobID, _ := args["job_id"].(string)
	messageID, _ := args["message_id"].(string)
	if jobID == "" || messageID == "" {
		c.logger.Error().
			Str("actor", actor).
			Msg("Callback message missing job_id or message_id")
		return "", "", false
	}
	return jobID, messageID, true
}

// decodeResults converts the JSON-shaped results payload into the stored
// result list. Round-tripping through json handles the map form the queue
// delivers.
func decodeResults(raw interface{}) ([]models.JobResult, error) {
	if raw == nil {
		return nil, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var results []models.JobResult
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, err
	}
	return results, nil
}

// publish emits a phase event carrying the job's current brief form.
// Delivery is best effort; a job deleted underneath a callback just skips
// the event.
func (c *Callbacks) publish(ctx context.Context, eventType interfaces.EventType, jobID string) {
	if c.events == nil {
		return
	}
	job, err := c.store.Get(ctx, jobID)
	if err != nil {
		return
	}
	event := interfaces.Event{Type: eventType, Payload: job.Description()}
	if err := c.events.Publish(ctx, event); err != nil {
		c.logger.Warn().
			Err(err).
			Str("job_id", jobID).
			Msg("Failed to publish job event")
	}
}
