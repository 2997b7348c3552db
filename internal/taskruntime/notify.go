package taskruntime

import (
	"context"
	"errors"
	"log"

	"github.com/antoniostano/deskpilot/internal/tasks"
)

// Notifier delivers progress text and artifacts to the requester of a task.
// Delivery is best effort; the driver logs errors and carries on.
type Notifier interface {
	Notify(ctx context.Context, to tasks.Requester, taskID, text string) error
	SendArtifact(ctx context.Context, to tasks.Requester, taskID, path string) error
}

// EventNotifier turns notifications into queue events so stream subscribers
// for the requester's chat see them.
type EventNotifier struct {
	Queue *tasks.Queue
}

func (n EventNotifier) Notify(_ context.Context, to tasks.Requester, taskID, text string) error {
	if n.Queue == nil {
		return errors.New("event notifier has no queue")
	}
	n.Queue.Publish(tasks.Event{
		Type:   tasks.EventTaskProgress,
		TaskID: taskID,
		ChatID: to.ChatID,
		UserID: to.UserID,
		Text:   text,
	})
	return nil
}

func (n EventNotifier) SendArtifact(_ context.Context, to tasks.Requester, taskID, path string) error {
	if n.Queue == nil {
		return errors.New("event notifier has no queue")
	}
	n.Queue.Publish(tasks.Event{
		Type:     tasks.EventTaskArtifact,
		TaskID:   taskID,
		ChatID:   to.ChatID,
		UserID:   to.UserID,
		Artifact: path,
	})
	return nil
}

type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, to tasks.Requester, taskID, text string) error {
	log.Printf("task %s chat=%d: %s", taskID, to.ChatID, text)
	return nil
}

func (LogNotifier) SendArtifact(_ context.Context, to tasks.Requester, taskID, path string) error {
	log.Printf("task %s chat=%d artifact: %s", taskID, to.ChatID, path)
	return nil
}

// MultiNotifier fans out to every notifier and joins their errors.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, to tasks.Requester, taskID, text string) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, to, taskID, text); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiNotifier) SendArtifact(ctx context.Context, to tasks.Requester, taskID, path string) error {
	var errs []error
	for _, n := range m {
		if err := n.SendArtifact(ctx, to, taskID, path); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
