package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/laboro/internal/interfaces"
	"github.com/ternarybob/laboro/internal/models"
)

func testPoolConfig() Config {
	config := NewDefaultConfig()
	config.PollInterval = 10 * time.Millisecond
	config.Concurrency = 1
	return config
}

// waitForCallback polls the callbacks queue until a message arrives
func waitForCallback(t *testing.T, m *Manager) *Message {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msg, deleteFn, err := m.Receive(context.Background(), "callbacks")
		if err == nil {
			if err := deleteFn(); err != nil {
				t.Fatalf("Failed to delete callback: %v", err)
			}
			return msg
		}
		if !errors.Is(err, ErrNoMessage) {
			t.Fatalf("Failed to receive callback: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Timed out waiting for callback message")
	return nil
}

func TestWorkerPoolSuccessCallback(t *testing.T) {
	m := newTestManager(t, NewDefaultConfig())
	pool := NewWorkerPool(m, testPoolConfig(), "work", "callbacks", arbor.NewLogger())

	pool.RegisterActor("cutout", func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{
			"results": []interface{}{
				map[string]interface{}{"result_id": "cutout", "url": "s3://bucket/1.fits"},
			},
		}, nil
	})
	if err := pool.Start(); err != nil {
		t.Fatalf("Failed to start pool: %v", err)
	}
	defer pool.Stop()

	svc := NewService(m, "work", arbor.NewLogger())
	id, err := svc.Submit(context.Background(), "cutout", map[string]interface{}{"job_id": "1"}, interfaces.SubmitOptions{
		OnSuccess: "job_completed",
		OnFailure: "job_failed",
	})
	if err != nil {
		t.Fatalf("Failed to submit: %v", err)
	}

	callback := waitForCallback(t, m)
	if callback.Actor != "job_completed" {
		t.Errorf("Expected job_completed callback, got %s", callback.Actor)
	}
	if got := callback.Args["job_id"]; got != "1" {
		t.Errorf("Expected original args to carry through, got job_id %v", got)
	}
	if got := callback.Args["message_id"]; got != id {
		t.Errorf("Expected message_id %s, got %v", id, got)
	}
	if _, ok := callback.Args["results"]; !ok {
		t.Error("Expected actor payload merged into callback args")
	}

	// Work message was deleted after processing
	n, err := m.Length(context.Background(), "work")
	if err != nil {
		t.Fatalf("Failed to get length: %v", err)
	}
	if n != 0 {
		t.Errorf("Expected empty work queue, got length %d", n)
	}
}

func TestWorkerPoolTaskErrorCallback(t *testing.T) {
	m := newTestManager(t, NewDefaultConfig())
	pool := NewWorkerPool(m, testPoolConfig(), "work", "callbacks", arbor.NewLogger())

	pool.RegisterActor("cutout", func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		return nil, models.NewTaskError("usage_error", "Invalid stencil", "range stencils are not supported")
	})
	if err := pool.Start(); err != nil {
		t.Fatalf("Failed to start pool: %v", err)
	}
	defer pool.Stop()

	svc := NewService(m, "work", arbor.NewLogger())
	id, err := svc.Submit(context.Background(), "cutout", map[string]interface{}{"job_id": "2"}, interfaces.SubmitOptions{
		OnSuccess: "job_completed",
		OnFailure: "job_failed",
	})
	if err != nil {
		t.Fatalf("Failed to submit: %v", err)
	}

	callback := waitForCallback(t, m)
	if callback.Actor != "job_failed" {
		t.Errorf("Expected job_failed callback, got %s", callback.Actor)
	}
	if got := callback.Args["message_id"]; got != id {
		t.Errorf("Expected message_id %s, got %v", id, got)
	}
	if got := callback.Args["type"]; got != models.TaskErrorType {
		t.Errorf("Expected envelope type TaskError, got %v", got)
	}

	// A task error serializes its fields into the envelope message
	raw, _ := callback.Args["message"].(string)
	var decoded struct {
		ErrorCode string `json:"error_code"`
		Message   string `json:"message"`
	}
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		t.Fatalf("Failed to decode envelope message %q: %v", raw, err)
	}
	if decoded.ErrorCode != "usage_error" {
		t.Errorf("Expected error_code usage_error, got %s", decoded.ErrorCode)
	}
	if decoded.Message != "Invalid stencil" {
		t.Errorf("Expected message Invalid stencil, got %s", decoded.Message)
	}
}

func TestWorkerPoolGenericErrorCallback(t *testing.T) {
	m := newTestManager(t, NewDefaultConfig())
	pool := NewWorkerPool(m, testPoolConfig(), "work", "callbacks", arbor.NewLogger())

	pool.RegisterActor("cutout", func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		return nil, fmt.Errorf("backend exploded")
	})
	if err := pool.Start(); err != nil {
		t.Fatalf("Failed to start pool: %v", err)
	}
	defer pool.Stop()

	svc := NewService(m, "work", arbor.NewLogger())
	if _, err := svc.Submit(context.Background(), "cutout", nil, interfaces.SubmitOptions{OnFailure: "job_failed"}); err != nil {
		t.Fatalf("Failed to submit: %v", err)
	}

	callback := waitForCallback(t, m)
	if got := callback.Args["type"]; got != "Error" {
		t.Errorf("Expected envelope type Error, got %v", got)
	}
	if got := callback.Args["message"]; got != "backend exploded" {
		t.Errorf("Expected raw error message, got %v", got)
	}
}

func TestCallbackPoolSeesWorkMessageID(t *testing.T) {
	m := newTestManager(t, NewDefaultConfig())

	workPool := NewWorkerPool(m, testPoolConfig(), "work", "callbacks", arbor.NewLogger())
	workPool.RegisterActor("cutout", func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"results": []interface{}{}}, nil
	})
	if err := workPool.Start(); err != nil {
		t.Fatalf("Failed to start work pool: %v", err)
	}
	defer workPool.Stop()

	// The callback pool has no callback queue of its own
	seen := make(chan string, 1)
	callbackPool := NewWorkerPool(m, testPoolConfig(), "callbacks", "", arbor.NewLogger())
	callbackPool.RegisterActor("job_completed", func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		id, _ := args["message_id"].(string)
		seen <- id
		return nil, nil
	})
	if err := callbackPool.Start(); err != nil {
		t.Fatalf("Failed to start callback pool: %v", err)
	}
	defer callbackPool.Stop()

	svc := NewService(m, "work", arbor.NewLogger())
	id, err := svc.Submit(context.Background(), "cutout", map[string]interface{}{"job_id": "1"}, interfaces.SubmitOptions{
		OnSuccess: "job_completed",
	})
	if err != nil {
		t.Fatalf("Failed to submit: %v", err)
	}

	select {
	case got := <-seen:
		if got != id {
			t.Errorf("Expected callback actor to see work message id %s, got %s", id, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for callback actor")
	}
}

func TestWorkerPoolDeletesUnroutableMessages(t *testing.T) {
	m := newTestManager(t, NewDefaultConfig())
	pool := NewWorkerPool(m, testPoolConfig(), "work", "callbacks", arbor.NewLogger())
	if err := pool.Start(); err != nil {
		t.Fatalf("Failed to start pool: %v", err)
	}
	defer pool.Stop()

	svc := NewService(m, "work", arbor.NewLogger())
	if _, err := svc.Submit(context.Background(), "nobody", nil, interfaces.SubmitOptions{}); err != nil {
		t.Fatalf("Failed to submit: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, err := m.Length(context.Background(), "work")
		if err != nil {
			t.Fatalf("Failed to get length: %v", err)
		}
		if n == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Expected unroutable message to be deleted")
}
