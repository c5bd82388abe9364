package main

import (
	"context"
	"fmt"

	"github.com/linnemanlabs/incidentd/internal/dispatch"
	"github.com/linnemanlabs/incidentd/internal/incident"
	"github.com/linnemanlabs/incidentd/internal/postgres"
	"github.com/linnemanlabs/incidentd/internal/voice"
)

type processor interface {
	Process(ctx context.Context, sub *incident.Submission) (*incident.Incident, error)
}

type recordingProcessor interface {
	ProcessRecording(ctx context.Context, recordingURL, conversationID, caller string) (*voice.RecordingResult, error)
	LinkIncident(ctx context.Context, conversationID string, incidentID int64) error
}

// registerJobs binds the worker handlers for every queued topic.
func registerJobs(pool *dispatch.Pool, svc processor, recordings recordingProcessor) {
	pool.Handle(dispatch.TopicIncident, incidentJob(svc))
	if recordings != nil {
		pool.Handle(dispatch.TopicVoice, voiceJob(svc, recordings))
	}
}

func incidentJob(svc processor) dispatch.Handler {
	return func(ctx context.Context, job dispatch.Job) error {
		ctx = postgres.WithSource(ctx, "job:"+job.Topic)
		sub, err := dispatch.Decode[incident.Submission](job)
		if err != nil {
			return err
		}
		_, err = svc.Process(ctx, &sub)
		return err
	}
}

func voiceJob(svc processor, recordings recordingProcessor) dispatch.Handler {
	return func(ctx context.Context, job dispatch.Job) error {
		ctx = postgres.WithSource(ctx, "job:"+job.Topic)
		rj, err := dispatch.Decode[voice.RecordingJob](job)
		if err != nil {
			return err
		}
		res, err := recordings.ProcessRecording(ctx, rj.RecordingURL, rj.ConversationID, rj.Caller)
		if err != nil {
			return fmt.Errorf("process recording: %w", err)
		}
		if res.Draft == nil {
			// duplicate webhook delivery
			return nil
		}
		inc, err := svc.Process(ctx, res.Draft)
		if err != nil {
			return fmt.Errorf("process voice incident: %w", err)
		}
		if err := recordings.LinkIncident(ctx, rj.ConversationID, inc.ID); err != nil {
			return fmt.Errorf("link call %s to incident %d: %w", rj.ConversationID, inc.ID, err)
		}
		return nil
	}
}
