package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	testQueueURL     = "https://sqs.us-east-1.amazonaws.com/123/ready-us-east-1"
	testFIFOQueueURL = "https://sqs.us-east-1.amazonaws.com/123/ready-us-east-1.fifo"
	testDLQURL       = "https://sqs.us-east-1.amazonaws.com/123/dlq"
)

// mockSQSClient implements sqsAPI for testing.
type mockSQSClient struct {
	mu            sync.Mutex
	messages      []sqsReceivedMessage // messages to return from ReceiveMessage
	sent          []sqsSendInput
	deleted       []sqsDeleteInput
	visibility    []sqsChangeVisibilityInput
	depth         int64
	sendErr       error
	receiveErr    error
	receiveCount  int
	receiveOnce   bool // return messages only on the first call
	receiveCalled chan struct{}
}

func newMockSQSClient() *mockSQSClient {
	return &mockSQSClient{
		receiveCalled: make(chan struct{}, 100),
	}
}

func (m *mockSQSClient) SendMessage(_ context.Context, input *sqsSendInput) (*sqsSendOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.sent = append(m.sent, *input)
	return &sqsSendOutput{MessageID: "mock-msg-id"}, nil
}

func (m *mockSQSClient) ReceiveMessage(_ context.Context, _ *sqsReceiveInput) (*sqsReceiveOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receiveCount++

	select {
	case m.receiveCalled <- struct{}{}:
	default:
	}

	if m.receiveErr != nil {
		return nil, m.receiveErr
	}
	if m.receiveOnce && m.receiveCount > 1 {
		return &sqsReceiveOutput{}, nil
	}
	msgs := make([]sqsReceivedMessage, len(m.messages))
	copy(msgs, m.messages)
	if m.receiveOnce {
		m.messages = nil
	}
	return &sqsReceiveOutput{Messages: msgs}, nil
}

func (m *mockSQSClient) DeleteMessage(_ context.Context, input *sqsDeleteInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, *input)
	return nil
}

func (m *mockSQSClient) ChangeMessageVisibility(_ context.Context, input *sqsChangeVisibilityInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.visibility = append(m.visibility, *input)
	return nil
}

func (m *mockSQSClient) ApproximateDepth(_ context.Context, _ string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.depth, nil
}

func (m *mockSQSClient) getSent() []sqsSendInput {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]sqsSendInput, len(m.sent))
	copy(out, m.sent)
	return out
}

func (m *mockSQSClient) getDeleted() []sqsDeleteInput {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]sqsDeleteInput, len(m.deleted))
	copy(out, m.deleted)
	return out
}

// mockHandler implements JobHandler for testing.
type mockHandler struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (h *mockHandler) HandleJob(_ context.Context, _ *Job) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	return h.err
}

func (h *mockHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

// testLogger returns a zerolog.Logger that discards all output.
func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func testSQSConfig() Config {
	return Config{
		Localities:      []string{"us-east-1"},
		WorkerCount:     1,
		SQSQueueURLs:    map[string]string{"us-east-1": testQueueURL},
		SQSWaitTime:     1,
		SQSVisTimeout:   30,
		ProcessTimeout:  5 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

func encodedJob(t *testing.T, job *Job) string {
	t.Helper()
	body, err := encodeJob(job)
	if err != nil {
		t.Fatalf("encodeJob() error = %v", err)
	}
	return body
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// --- Enqueuer Tests ---

func TestSQSEnqueuer_Enqueue(t *testing.T) {
	t.Parallel()

	mock := newMockSQSClient()
	enqueuer := NewSQSEnqueuer(mock, map[string]string{"us-east-1": testQueueURL}, testLogger())

	job := &Job{Key: "msg:abc", MessageID: uuid.New(), Locality: "us-east-1", Idempotent: true}
	msgID, err := enqueuer.Enqueue(context.Background(), job)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgID != "mock-msg-id" {
		t.Errorf("expected message ID %q, got %q", "mock-msg-id", msgID)
	}

	sent := mock.getSent()
	if len(sent) != 1 {
		t.Fatalf("expected 1 sent message, got %d", len(sent))
	}
	if sent[0].QueueURL != testQueueURL {
		t.Errorf("unexpected queue URL: %s", sent[0].QueueURL)
	}
	if sent[0].JobKey != "msg:abc" || sent[0].MessageID != job.MessageID.String() {
		t.Errorf("attributes = %q/%q", sent[0].JobKey, sent[0].MessageID)
	}

	var decoded Job
	if err := json.Unmarshal([]byte(sent[0].MessageBody), &decoded); err != nil {
		t.Fatalf("failed to unmarshal sent body: %v", err)
	}
	if decoded.MessageID != job.MessageID {
		t.Errorf("expected message ID %s in body, got %s", job.MessageID, decoded.MessageID)
	}
}

func TestSQSEnqueuer_DedupIDPerPromotion(t *testing.T) {
	t.Parallel()

	mock := newMockSQSClient()
	enqueuer := NewSQSEnqueuer(mock, map[string]string{"us-east-1": testFIFOQueueURL}, testLogger())

	fired := time.UnixMilli(1_700_000_000_000)
	first := &Job{Key: "msg:abc", MessageID: uuid.New(), Locality: "us-east-1", Idempotent: true, FireAt: fired}
	retry := *first
	retry.RetryCount = 1
	retry.FireAt = fired.Add(15 * time.Second)
	deferred := *first
	deferred.FireAt = fired.Add(time.Hour)
	duplicate := *first

	for _, job := range []*Job{first, &retry, &deferred, &duplicate} {
		if _, err := enqueuer.Enqueue(context.Background(), job); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	sent := mock.getSent()
	seen := make(map[string]int)
	for i, in := range sent[:3] {
		if in.DedupID == "" {
			t.Fatalf("send %d has no dedup id", i)
		}
		seen[in.DedupID]++
	}
	if len(seen) != 3 {
		t.Errorf("dedup ids = %q/%q/%q, want distinct for first, retry and deferral", sent[0].DedupID, sent[1].DedupID, sent[2].DedupID)
	}
	if sent[3].DedupID != sent[0].DedupID {
		t.Errorf("duplicate promotion dedup id = %q, want %q", sent[3].DedupID, sent[0].DedupID)
	}
}

func TestPromotionDedupID_FitsSQSLimit(t *testing.T) {
	t.Parallel()

	job := &Job{Key: "msg:" + uuid.NewString() + ":" + strings.Repeat("k", 200), FireAt: time.Now()}
	id := promotionDedupID(job)
	if len(id) > maxDedupIDLen {
		t.Errorf("len(dedup id) = %d, want <= %d", len(id), maxDedupIDLen)
	}
	if id != promotionDedupID(job) {
		t.Error("dedup id is not stable for the same promotion")
	}
}

func TestSQSDLQ_MoveToDLQSetsDedupID(t *testing.T) {
	t.Parallel()

	mock := newMockSQSClient()
	dlq := NewSQSDLQ(mock, testDLQURL, NewMemoryScheduler(testSQSConfig(), testLogger()), testLogger())
	job := &Job{Key: "msg:dlq", MessageID: uuid.New(), Locality: "us-east-1", RetryCount: 5}

	if err := dlq.MoveToDLQ(context.Background(), job, "exhausted"); err != nil {
		t.Fatalf("MoveToDLQ() error = %v", err)
	}
	sent := mock.getSent()
	if len(sent) != 1 || !strings.HasPrefix(sent[0].DedupID, "msg:dlq:5:") {
		t.Errorf("sent = %+v, want dedup id for retry 5", sent)
	}
}

func TestSQSEnqueuer_UnknownLocality(t *testing.T) {
	t.Parallel()

	mock := newMockSQSClient()
	enqueuer := NewSQSEnqueuer(mock, map[string]string{"us-east-1": testQueueURL}, testLogger())

	_, err := enqueuer.Enqueue(context.Background(), &Job{Key: "msg:x", Locality: "ap-south-1"})
	if err == nil {
		t.Fatal("expected error for unconfigured locality")
	}
	if len(mock.getSent()) != 0 {
		t.Error("nothing should be sent")
	}
}

func TestSQSEnqueuer_Enqueue_Error(t *testing.T) {
	t.Parallel()

	mock := newMockSQSClient()
	mock.sendErr = errors.New("sqs unavailable")
	enqueuer := NewSQSEnqueuer(mock, map[string]string{"us-east-1": testQueueURL}, testLogger())

	_, err := enqueuer.Enqueue(context.Background(), &Job{Key: "msg:y", Locality: "us-east-1"})
	if !errors.Is(err, mock.sendErr) {
		t.Fatalf("expected wrapped send error, got %v", err)
	}
}

func TestIsFIFO(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{testQueueURL, false},
		{"https://sqs.eu-west-1.amazonaws.com/123/ready-eu-west-1.fifo", true},
		{"http://localhost:4566/000000000000/ready.fifo", true},
	}
	for _, tt := range tests {
		if got := isFIFO(tt.url); got != tt.want {
			t.Errorf("isFIFO(%q) = %v, want %v", tt.url, got, tt.want)
		}
	}
}

// --- Dequeuer Tests ---

func TestSQSDequeuer_StartWithoutQueues(t *testing.T) {
	t.Parallel()

	cfg := testSQSConfig()
	cfg.SQSQueueURLs = nil
	sched := NewMemoryScheduler(cfg, testLogger())
	dq := NewSQSDequeuer(newMockSQSClient(), sched, NewMemoryDLQ(sched), &mockHandler{}, nil, NewRetryStrategy(3), cfg, testLogger())

	if err := dq.Start(context.Background()); err == nil {
		t.Fatal("expected error when no queue urls are configured")
	}
}

func TestSQSDequeuer_StartStop(t *testing.T) {
	t.Parallel()

	mock := newMockSQSClient()
	cfg := testSQSConfig()
	cfg.WorkerCount = 2
	sched := NewMemoryScheduler(cfg, testLogger())
	dq := NewSQSDequeuer(mock, sched, NewMemoryDLQ(sched), &mockHandler{}, nil, NewRetryStrategy(3), cfg, testLogger())

	ctx := context.Background()
	if err := dq.Start(ctx); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}

	select {
	case <-mock.receiveCalled:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for workers to start polling")
	}

	if err := dq.Stop(ctx); err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}
}

func TestSQSDequeuer_ProcessMessage(t *testing.T) {
	t.Parallel()

	job := &Job{Key: "msg:010", MessageID: uuid.New(), Locality: "us-east-1", Idempotent: true}

	mock := newMockSQSClient()
	mock.messages = []sqsReceivedMessage{
		{MessageID: "sqs-1", ReceiptHandle: "receipt-1", Body: encodedJob(t, job)},
	}
	mock.receiveOnce = true

	cfg := testSQSConfig()
	sched := NewMemoryScheduler(cfg, testLogger())
	handler := &mockHandler{}
	dq := NewSQSDequeuer(mock, sched, NewMemoryDLQ(sched), handler, nil, NewRetryStrategy(3), cfg, testLogger())

	ctx := context.Background()
	if err := dq.Start(ctx); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	waitFor(t, "message deletion", func() bool { return len(mock.getDeleted()) > 0 })
	if err := dq.Stop(ctx); err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}

	if got := mock.getDeleted()[0].ReceiptHandle; got != "receipt-1" {
		t.Errorf("expected receipt handle %q, got %q", "receipt-1", got)
	}
	if handler.callCount() != 1 {
		t.Errorf("handler calls = %d, want 1", handler.callCount())
	}
	if n := len(sched.Pending("us-east-1")); n != 0 {
		t.Errorf("expected no retry scheduled, got %d", n)
	}
}

func TestSQSDequeuer_ProcessMessage_Retry(t *testing.T) {
	t.Parallel()

	job := &Job{Key: "msg:020", MessageID: uuid.New(), Locality: "us-east-1", Idempotent: true}

	mock := newMockSQSClient()
	mock.messages = []sqsReceivedMessage{
		{MessageID: "sqs-2", ReceiptHandle: "receipt-2", Body: encodedJob(t, job)},
	}
	mock.receiveOnce = true

	cfg := testSQSConfig()
	sched := NewMemoryScheduler(cfg, testLogger())
	dlq := NewMemoryDLQ(sched)
	handler := &mockHandler{err: errors.New("temporary failure")}
	dq := NewSQSDequeuer(mock, sched, dlq, handler, nil, NewRetryStrategy(3), cfg, testLogger())

	ctx := context.Background()
	if err := dq.Start(ctx); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	waitFor(t, "retry to be scheduled", func() bool {
		return len(sched.Pending("us-east-1")) == 1 && len(mock.getDeleted()) == 1
	})
	if err := dq.Stop(ctx); err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}

	retried := sched.Pending("us-east-1")[0]
	if retried.Key != job.Key {
		t.Errorf("retry key = %q, want %q", retried.Key, job.Key)
	}
	if retried.RetryCount != 1 {
		t.Errorf("expected retry count 1, got %d", retried.RetryCount)
	}
	if !retried.FireAt.After(time.Now()) {
		t.Errorf("retry should fire in the future, got %v", retried.FireAt)
	}
	if len(dlq.Entries()) != 0 {
		t.Error("retryable failure should not be dead-lettered")
	}
}

func TestSQSDequeuer_ProcessMessage_DLQ(t *testing.T) {
	t.Parallel()

	// Already at 4 with max 5: the next failure exhausts retries.
	job := &Job{Key: "msg:030", MessageID: uuid.New(), Locality: "us-east-1", Idempotent: true, RetryCount: 4}

	mock := newMockSQSClient()
	mock.messages = []sqsReceivedMessage{
		{MessageID: "sqs-3", ReceiptHandle: "receipt-3", Body: encodedJob(t, job)},
	}
	mock.receiveOnce = true

	cfg := testSQSConfig()
	sched := NewMemoryScheduler(cfg, testLogger())
	dlq := NewSQSDLQ(mock, testDLQURL, sched, testLogger())

	var hooked sync.WaitGroup
	hooked.Add(1)
	var hookReason string
	hook := func(_ context.Context, j *Job, reason string) {
		hookReason = reason
		hooked.Done()
	}

	handler := &mockHandler{err: errors.New("persistent failure")}
	dq := NewSQSDequeuer(mock, sched, dlq, handler, hook, NewRetryStrategy(5), cfg, testLogger())

	ctx := context.Background()
	if err := dq.Start(ctx); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	hooked.Wait()
	waitFor(t, "message deletion", func() bool { return len(mock.getDeleted()) > 0 })
	if err := dq.Stop(ctx); err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}

	if hookReason != "persistent failure" {
		t.Errorf("hook reason = %q", hookReason)
	}

	sent := mock.getSent()
	if len(sent) != 1 || sent[0].QueueURL != testDLQURL {
		t.Fatalf("expected 1 message sent to DLQ, got %+v", sent)
	}
	var entry DLQEntry
	if err := json.Unmarshal([]byte(sent[0].MessageBody), &entry); err != nil {
		t.Fatalf("failed to unmarshal DLQ entry: %v", err)
	}
	if entry.Job == nil || entry.Job.MessageID != job.MessageID {
		t.Errorf("DLQ entry job = %+v", entry.Job)
	}
	if entry.Job.RetryCount != 5 {
		t.Errorf("expected retry count 5, got %d", entry.Job.RetryCount)
	}
	if entry.FinalError != "persistent failure" {
		t.Errorf("expected final error %q, got %q", "persistent failure", entry.FinalError)
	}
	if n := len(sched.Pending("us-east-1")); n != 0 {
		t.Errorf("exhausted job should not be rescheduled, pending = %d", n)
	}
}

func TestSQSDequeuer_PermanentFailureSkipsRetries(t *testing.T) {
	t.Parallel()

	job := &Job{Key: "msg:040", MessageID: uuid.New(), Locality: "us-east-1", Idempotent: true}

	mock := newMockSQSClient()
	mock.messages = []sqsReceivedMessage{
		{MessageID: "sqs-4", ReceiptHandle: "receipt-4", Body: encodedJob(t, job)},
	}
	mock.receiveOnce = true

	cfg := testSQSConfig()
	sched := NewMemoryScheduler(cfg, testLogger())
	dlq := NewMemoryDLQ(sched)
	handler := &mockHandler{err: Permanent(errors.New("mailbox does not exist"))}
	dq := NewSQSDequeuer(mock, sched, dlq, handler, nil, NewRetryStrategy(5), cfg, testLogger())

	ctx := context.Background()
	if err := dq.Start(ctx); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	waitFor(t, "dead letter", func() bool { return len(dlq.Entries()) == 1 })
	if err := dq.Stop(ctx); err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}

	entry := dlq.Entries()[0]
	if entry.Job.RetryCount != 0 {
		t.Errorf("permanent failure should not consume retries, got %d", entry.Job.RetryCount)
	}
	if !strings.Contains(entry.FinalError, "mailbox does not exist") {
		t.Errorf("final error = %q", entry.FinalError)
	}
}

func TestSQSDequeuer_ExtendsVisibility(t *testing.T) {
	t.Parallel()

	job := &Job{Key: "msg:050", MessageID: uuid.New(), Locality: "us-east-1", Idempotent: true}

	mock := newMockSQSClient()
	mock.messages = []sqsReceivedMessage{
		{MessageID: "sqs-5", ReceiptHandle: "receipt-5", Body: encodedJob(t, job)},
	}
	mock.receiveOnce = true

	cfg := testSQSConfig()
	cfg.ProcessTimeout = 60 * time.Second
	sched := NewMemoryScheduler(cfg, testLogger())
	dq := NewSQSDequeuer(mock, sched, NewMemoryDLQ(sched), &mockHandler{}, nil, NewRetryStrategy(3), cfg, testLogger())

	ctx := context.Background()
	if err := dq.Start(ctx); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	waitFor(t, "message deletion", func() bool { return len(mock.getDeleted()) > 0 })
	_ = dq.Stop(ctx)

	mock.mu.Lock()
	defer mock.mu.Unlock()
	if len(mock.visibility) != 1 || mock.visibility[0].VisibilityTimeout != 65 {
		t.Errorf("visibility changes = %+v, want one change to 65s", mock.visibility)
	}
}

// --- DLQ Tests ---

func TestSQSDLQ_Reprocess(t *testing.T) {
	t.Parallel()

	here := &Job{Key: "msg:060", MessageID: uuid.New(), Locality: "us-east-1", Idempotent: true, RetryCount: 5}
	there := &Job{Key: "msg:061", MessageID: uuid.New(), Locality: "eu-west-1", Idempotent: true, RetryCount: 5}
	entryBody := func(j *Job) string {
		b, _ := json.Marshal(DLQEntry{Job: j, FinalError: "boom", MovedAt: time.Now()})
		return string(b)
	}

	mock := newMockSQSClient()
	mock.messages = []sqsReceivedMessage{
		{MessageID: "dlq-1", ReceiptHandle: "dlq-receipt-1", Body: entryBody(here)},
		{MessageID: "dlq-2", ReceiptHandle: "dlq-receipt-2", Body: entryBody(there)},
		{MessageID: "dlq-3", ReceiptHandle: "dlq-receipt-3", Body: "not json"},
	}

	sched := NewMemoryScheduler(testSQSConfig(), testLogger())
	dlq := NewSQSDLQ(mock, testDLQURL, sched, testLogger())

	n, err := dlq.Reprocess(context.Background(), "us-east-1", []string{"dlq-1", "dlq-2", "dlq-3"})
	if err != nil {
		t.Fatalf("Reprocess() error = %v", err)
	}
	if n != 1 {
		t.Errorf("reprocessed = %d, want 1", n)
	}

	pending := sched.Pending("us-east-1")
	if len(pending) != 1 || pending[0].Key != here.Key || pending[0].RetryCount != 0 {
		t.Errorf("pending = %+v, want %s with retry count reset", pending, here.Key)
	}
	deleted := mock.getDeleted()
	if len(deleted) != 1 || deleted[0].ReceiptHandle != "dlq-receipt-1" {
		t.Errorf("deleted = %+v, want only dlq-receipt-1", deleted)
	}
}

func TestSQSDLQ_ReprocessByJobKey(t *testing.T) {
	t.Parallel()

	job := &Job{Key: "msg:070", MessageID: uuid.New(), Locality: "us-east-1", Idempotent: true, RetryCount: 5}
	body, _ := json.Marshal(DLQEntry{Job: job, FinalError: "boom", MovedAt: time.Now()})

	mock := newMockSQSClient()
	mock.messages = []sqsReceivedMessage{{MessageID: "dlq-9", ReceiptHandle: "r-9", Body: string(body)}}
	mock.receiveOnce = true
	sched := NewMemoryScheduler(testSQSConfig(), testLogger())

	n, err := NewSQSDLQ(mock, testDLQURL, sched, testLogger()).Reprocess(context.Background(), "us-east-1", []string{"msg:070", "msg:missing"})
	if err != nil || n != 1 {
		t.Fatalf("Reprocess() = %d, %v; want 1", n, err)
	}
	if mock.receiveCount != 2 {
		t.Errorf("receive calls = %d, want 2 (second finds nothing new)", mock.receiveCount)
	}
}

func TestSQSDLQ_ReleasesUnwantedMessages(t *testing.T) {
	t.Parallel()

	other := &Job{Key: "msg:080", MessageID: uuid.New(), Locality: "us-east-1", Idempotent: true}
	body, _ := json.Marshal(DLQEntry{Job: other, FinalError: "boom", MovedAt: time.Now()})

	mock := newMockSQSClient()
	mock.messages = []sqsReceivedMessage{{MessageID: "dlq-8", ReceiptHandle: "r-8", Body: string(body)}}
	sched := NewMemoryScheduler(testSQSConfig(), testLogger())

	n, err := NewSQSDLQ(mock, testDLQURL, sched, testLogger()).Reprocess(context.Background(), "us-east-1", []string{"msg:unrelated"})
	if err != nil || n != 0 {
		t.Fatalf("Reprocess() = %d, %v; want 0", n, err)
	}
	mock.mu.Lock()
	defer mock.mu.Unlock()
	if len(mock.visibility) != 1 || mock.visibility[0].ReceiptHandle != "r-8" || mock.visibility[0].VisibilityTimeout != 0 {
		t.Errorf("visibility changes = %+v, want r-8 released", mock.visibility)
	}
}

func TestSQSDequeuer_ReceiveErrorBacksOff(t *testing.T) {
	t.Parallel()

	mock := newMockSQSClient()
	mock.receiveErr = errors.New("throttled")
	cfg := testSQSConfig()
	sched := NewMemoryScheduler(cfg, testLogger())
	dq := NewSQSDequeuer(mock, sched, NewMemoryDLQ(sched), &mockHandler{}, nil, NewRetryStrategy(3), cfg, testLogger())

	if err := dq.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	<-mock.receiveCalled
	time.Sleep(100 * time.Millisecond)
	if err := dq.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	mock.mu.Lock()
	defer mock.mu.Unlock()
	if mock.receiveCount != 1 {
		t.Errorf("receive calls = %d, want 1 while backing off", mock.receiveCount)
	}
}

func TestSQSDLQ_ReprocessEmpty(t *testing.T) {
	t.Parallel()

	mock := newMockSQSClient()
	dlq := NewSQSDLQ(mock, testDLQURL, NewMemoryScheduler(Config{}, testLogger()), testLogger())

	n, err := dlq.Reprocess(context.Background(), "us-east-1", nil)
	if err != nil || n != 0 {
		t.Errorf("Reprocess(nil) = %d, %v", n, err)
	}
	if mock.receiveCount != 0 {
		t.Error("empty reprocess should not poll the DLQ")
	}
}
