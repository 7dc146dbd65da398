package sns

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pnptv/herald/internal/db"
)

type fakeAPI struct {
	inputs []*sns.PublishInput
	err    error
}

func (f *fakeAPI) Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.inputs = append(f.inputs, in)
	return &sns.PublishOutput{MessageId: aws.String("m-1")}, nil
}

func TestPublishJobEvent(t *testing.T) {
	api := &fakeAPI{}
	p := NewPublisher(api, "arn:aws:sns:us-east-1:000000000000:broadcasts", zap.NewNop())

	evt := db.JobEvent{
		Type:     db.EventCompleted,
		JobID:    uuid.New(),
		Title:    "launch",
		Status:   db.JobCompleted,
		Counters: db.Counters{Total: 5, Sent: 4, Failed: 1, Blocked: 1},
		At:       time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := p.PublishJobEvent(context.Background(), evt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(api.inputs) != 1 {
		t.Fatalf("expected one publish, got %d", len(api.inputs))
	}
	in := api.inputs[0]
	if aws.ToString(in.TopicArn) != "arn:aws:sns:us-east-1:000000000000:broadcasts" {
		t.Errorf("unexpected topic %s", aws.ToString(in.TopicArn))
	}

	attrs := map[string]string{}
	for k, v := range in.MessageAttributes {
		attrs[k] = aws.ToString(v.StringValue)
	}
	wantAttrs := map[string]string{
		"event_type": db.EventCompleted,
		"status":     db.JobCompleted,
		"job_id":     evt.JobID.String(),
	}
	if diff := cmp.Diff(wantAttrs, attrs); diff != "" {
		t.Errorf("attributes mismatch (-want +got):\n%s", diff)
	}

	var got db.JobEvent
	if err := json.Unmarshal([]byte(aws.ToString(in.Message)), &got); err != nil {
		t.Fatalf("message is not a job event: %v", err)
	}
	if diff := cmp.Diff(evt, got); diff != "" {
		t.Errorf("event mismatch (-want +got):\n%s", diff)
	}
}

func TestPublishJobEvent_Error(t *testing.T) {
	p := NewPublisher(&fakeAPI{err: errors.New("not authorized")}, "arn", zap.NewNop())

	if err := p.PublishJobEvent(context.Background(), db.JobEvent{Type: db.EventFailed}); err == nil {
		t.Fatal("expected error")
	}
}
