package webhook

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"socialops.com/autoresponder/internal/core"
	"socialops.com/autoresponder/internal/store"
	"socialops.com/autoresponder/internal/worker"
)

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"object":"instagram","entry":[]}`)
	header := Sign("s3cret", body)

	if !VerifySignature("s3cret", body, header) {
		t.Fatal("expected a valid signature to verify")
	}
	for _, bad := range []string{"", "sha256=", "sha1=abcd", "sha256=zz", Sign("other", body)} {
		if VerifySignature("s3cret", body, bad) {
			t.Errorf("expected %q to be rejected", bad)
		}
	}
	if VerifySignature("s3cret", []byte(`{"object":"page"}`), header) {
		t.Error("a signature for another body must not verify")
	}
}

func TestNormalizeShapes(t *testing.T) {
	body := []byte(`{
      "object": "instagram",
      "entry": [
        {"id": "acct", "messaging": [
          {"sender": {"id": "u1"}, "recipient": {"id": "acct"}, "timestamp": 1767225600000,
           "message": {"mid": "m1", "text": "When is the next event?"}},
          {"sender": {"id": "acct"}, "message": {"mid": "m2", "text": "echo", "is_echo": true}},
          {"sender": {"id": "u1"}, "message": {"mid": "m3", "attachments": [{"type": "image"}]}}
        ]},
        {"id": "acct", "changes": [
          {"field": "messages", "value": {"messaging": [
            {"sender": {"id": "u2"}, "message": {"id": "m4", "text": "nested shape"}}
          ]}},
          {"field": "messages", "value": {"sender": {"id": "u3"}, "timestamp": 1, "message": {"mid": "m5", "text": "single object"}}},
          {"field": "comments", "value": {"id": "c1", "text": "INFO please", "from": {"id": "u4", "username": "jane"}, "media": {"id": "post-1"}}},
          {"field": "comments", "value": {"id": "c2", "text": "our own reply", "from": {"id": "acct"}, "media": {"id": "post-1"}}}
        ]},
        "not an object",
        {"id": "acct", "changes": [{"field": "mentions", "value": {"media_id": "x"}}]}
      ]
    }`)

	b, err := Normalize(body)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}

	wantIDs := []string{"m1", "m4", "m5"}
	if len(b.Messages) != len(wantIDs) {
		t.Fatalf("expected %d messages, got %+v", len(wantIDs), b.Messages)
	}
	for i, id := range wantIDs {
		if b.Messages[i].MessageID != id {
			t.Errorf("message %d: got id %s, want %s", i, b.Messages[i].MessageID, id)
		}
	}
	if !b.Messages[0].Timestamp.Equal(time.UnixMilli(1767225600000)) || b.Messages[0].RecipientID != "acct" {
		t.Errorf("unexpected first message: %+v", b.Messages[0])
	}

	if len(b.Comments) != 1 {
		t.Fatalf("expected one comment, got %+v", b.Comments)
	}
	c := b.Comments[0]
	if c.CommentID != "c1" || c.PostID != "post-1" || c.UserID != "u4" || c.Username != "jane" {
		t.Errorf("unexpected comment: %+v", c)
	}
	// echo, attachment-only, own comment, bad entry, unknown change
	if b.Skipped != 5 {
		t.Errorf("expected 5 skipped events, got %d", b.Skipped)
	}
}

func TestNormalizeRejectsGarbage(t *testing.T) {
	if _, err := Normalize([]byte(`{"entry": [`)); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload, got %v", err)
	}
}

type fakeMessages struct {
	mu      sync.Mutex
	seen    map[string]bool
	allow   bool
	failIDs map[string]bool
	replies []string
}

func (f *fakeMessages) HandleInbound(_ context.Context, in store.InboundMessage) (core.InboundResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failIDs[in.RemoteMessageID] {
		return core.InboundResult{}, errors.New("database is locked")
	}
	if f.seen[in.RemoteMessageID] {
		return core.InboundResult{Duplicate: true}, nil
	}
	f.seen[in.RemoteMessageID] = true
	return core.InboundResult{Conversation: &store.Conversation{ID: "conv-" + in.RemoteUserID}, Allowed: f.allow}, nil
}

func (f *fakeMessages) ProcessReply(_ context.Context, conv *store.Conversation, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, conv.ID+":"+text)
	return nil
}

type fakeComments struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeComments) AutoReply(_ context.Context, ev core.CommentEvent) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "reply:"+ev.CommentID)
	return core.ActionRepliedToComment
}

func (f *fakeComments) CommentToDM(_ context.Context, ev core.CommentEvent) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "dm:"+ev.CommentID)
	return core.ActionNoTrigger
}

type recordingSubmitter struct {
	jobs []worker.Job
	err  error
}

func (r *recordingSubmitter) Submit(_ context.Context, job worker.Job) error {
	if r.err != nil {
		return r.err
	}
	r.jobs = append(r.jobs, job)
	return nil
}

const dmPayload = `{"object":"instagram","entry":[{"id":"acct","messaging":[
  {"sender":{"id":"u1"},"timestamp":1767225600000,"message":{"mid":"m1","text":"When is the next event?"}}]}]}`

func TestHandleQueuesReplyOnce(t *testing.T) {
	msgs := &fakeMessages{seen: map[string]bool{}, allow: true}
	jobs := &recordingSubmitter{}
	p := NewProcessor(msgs, &fakeComments{}, jobs, zerolog.Nop())

	n, err := p.Handle(context.Background(), []byte(dmPayload))
	if err != nil || n != 1 {
		t.Fatalf("expected 1 processed event, got %d %v", n, err)
	}
	n, err = p.Handle(context.Background(), []byte(dmPayload))
	if err != nil || n != 1 {
		t.Fatalf("replay: expected 1 processed event, got %d %v", n, err)
	}
	if len(jobs.jobs) != 1 {
		t.Fatalf("expected one reply job across both deliveries, got %d", len(jobs.jobs))
	}

	if err := jobs.jobs[0].Run(context.Background()); err != nil {
		t.Fatalf("job failed: %v", err)
	}
	if len(msgs.replies) != 1 || msgs.replies[0] != "conv-u1:When is the next event?" {
		t.Errorf("unexpected replies: %v", msgs.replies)
	}
}

func TestHandleRepliesInlineWhenQueueIsFull(t *testing.T) {
	msgs := &fakeMessages{seen: map[string]bool{}, allow: true}
	jobs := &recordingSubmitter{err: worker.ErrQueueFull}
	p := NewProcessor(msgs, &fakeComments{}, jobs, zerolog.Nop())

	n, err := p.Handle(context.Background(), []byte(dmPayload))
	if err != nil || n != 1 {
		t.Fatalf("expected 1 processed event, got %d %v", n, err)
	}
	if len(msgs.replies) != 1 || msgs.replies[0] != "conv-u1:When is the next event?" {
		t.Fatalf("expected an inline reply, got %v", msgs.replies)
	}

	if _, err := p.Handle(context.Background(), []byte(dmPayload)); err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if len(msgs.replies) != 1 {
		t.Errorf("replay must not reply again, got %v", msgs.replies)
	}
}

func TestHandleNoReplyWhenPolicyRejects(t *testing.T) {
	jobs := &recordingSubmitter{}
	p := NewProcessor(&fakeMessages{seen: map[string]bool{}}, &fakeComments{}, jobs, zerolog.Nop())
	if _, err := p.Handle(context.Background(), []byte(dmPayload)); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if len(jobs.jobs) != 0 {
		t.Errorf("expected no jobs when the policy says no, got %d", len(jobs.jobs))
	}
}

func TestHandleDispatchesCommentsIndependently(t *testing.T) {
	body := []byte(`{"object":"instagram","entry":[
      {"id":"acct","messaging":[{"sender":{"id":"u1"},"message":{"mid":"bad","text":"fails to store"}},
                               {"sender":{"id":"u2"},"message":{"mid":"ok","text":"stored fine"}}]},
      {"id":"acct","changes":[{"field":"comments","value":{"id":"c1","text":"INFO","from":{"id":"u3"},"media":{"id":"p1"}}}]}]}`)

	msgs := &fakeMessages{seen: map[string]bool{}, allow: true, failIDs: map[string]bool{"bad": true}}
	comments := &fakeComments{}
	jobs := &recordingSubmitter{}
	p := NewProcessor(msgs, comments, jobs, zerolog.Nop())

	n, err := p.Handle(context.Background(), body)
	if err == nil {
		t.Fatal("expected the storage failure to be reported")
	}
	if n != 2 {
		t.Errorf("expected siblings to be processed, got %d", n)
	}
	if len(jobs.jobs) != 3 {
		t.Fatalf("expected 1 reply job and 2 comment jobs, got %d", len(jobs.jobs))
	}
	for _, j := range jobs.jobs {
		j.Run(context.Background())
	}
	if len(comments.calls) != 2 {
		t.Errorf("expected both comment behaviors to run, got %v", comments.calls)
	}
}
