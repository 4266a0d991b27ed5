package worker

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsmailer/mailing-service/internal/domain"
	"github.com/opsmailer/mailing-service/internal/infrastructure/rabbitmq"
	"github.com/opsmailer/mailing-service/internal/logger"
	"github.com/opsmailer/mailing-service/internal/validate"
)

func init() {
	logger.Init()
}

type fakeMailings struct {
	mu          sync.Mutex
	mailing     domain.Mailing
	lockErr     error
	getErr      error
	locked      bool
	released    bool
	totalLines  int
	checkpoints []int
	completed   bool
	failedMsg   string
}

func (f *fakeMailings) CreateWithOutbox(ctx context.Context, m *domain.Mailing, msg *domain.OutboxMessage) error {
	return nil
}

func (f *fakeMailings) GetByID(ctx context.Context, id uuid.UUID) (*domain.Mailing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	m := f.mailing
	return &m, nil
}

func (f *fakeMailings) AcquireLock(ctx context.Context, id uuid.UUID, staleAfter time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lockErr != nil {
		return f.lockErr
	}
	f.locked = true
	return nil
}

func (f *fakeMailings) ReleaseLock(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = true
	return nil
}

func (f *fakeMailings) SetTotalLines(ctx context.Context, id uuid.UUID, total int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.totalLines = total
	return nil
}

func (f *fakeMailings) Checkpoint(ctx context.Context, id uuid.UUID, processed int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkpoints = append(f.checkpoints, processed)
	return nil
}

func (f *fakeMailings) Complete(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = true
	return nil
}

func (f *fakeMailings) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failedMsg = errMsg
	return nil
}

type entryRecord struct {
	status     domain.EntryStatus
	token      string
	externalID string
	reason     string
	invalid    domain.InvalidReason
}

type fakeEntries struct {
	mu      sync.Mutex
	records map[string]*entryRecord
}

func newFakeEntries() *fakeEntries {
	return &fakeEntries{records: map[string]*entryRecord{}}
}

func (f *fakeEntries) rec(email string) *entryRecord {
	r, ok := f.records[email]
	if !ok {
		r = &entryRecord{}
		f.records[email] = r
	}
	return r
}

func (f *fakeEntries) MarkSending(ctx context.Context, mailingID uuid.UUID, email, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.rec(email)
	r.status = domain.EntrySending
	r.token = token
	return nil
}

func (f *fakeEntries) MarkSent(ctx context.Context, mailingID uuid.UUID, email, externalID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.rec(email)
	r.status = domain.EntrySent
	r.externalID = externalID
	return nil
}

func (f *fakeEntries) MarkFailed(ctx context.Context, mailingID uuid.UUID, email, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.rec(email)
	r.status = domain.EntryFailed
	r.reason = reason
	return nil
}

func (f *fakeEntries) MarkInvalid(ctx context.Context, mailingID uuid.UUID, email string, reason domain.InvalidReason, detail string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.rec(email)
	r.status = domain.EntryInvalid
	r.invalid = reason
	r.reason = detail
	return nil
}

func (f *fakeEntries) CountByStatus(ctx context.Context, mailingID uuid.UUID) (domain.EntryCounts, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var c domain.EntryCounts
	for _, r := range f.records {
		switch r.status {
		case domain.EntryPending:
			c.Pending++
		case domain.EntrySending:
			c.Sending++
		case domain.EntrySent:
			c.Sent++
		case domain.EntryFailed:
			c.Failed++
		case domain.EntryInvalid:
			c.Invalid++
		}
	}
	return c, nil
}

func (f *fakeEntries) ListByMailing(ctx context.Context, mailingID uuid.UUID, status *domain.EntryStatus, limit, offset int) ([]domain.MailingEntry, error) {
	return nil, nil
}

type fakeBlobs struct {
	mu      sync.Mutex
	data    []byte
	openErr error
	opens   int
}

func (f *fakeBlobs) Save(ctx context.Context, mailingID uuid.UUID, filename string, r io.Reader) (string, error) {
	return "mem://" + filename, nil
}

func (f *fakeBlobs) Open(ctx context.Context, url string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if f.openErr != nil {
		return nil, f.openErr
	}
	return io.NopCloser(bytes.NewReader(f.data)), nil
}

type sentMail struct {
	to, subject, body, key string
}

type fakeMailer struct {
	mu     sync.Mutex
	sent   []sentMail
	script map[string][]error // popped per call; exhausted means success
}

func (f *fakeMailer) Send(ctx context.Context, to, subject, body, idempotencyKey string) (domain.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMail{to: to, subject: subject, body: body, key: idempotencyKey})
	if s := f.script[to]; len(s) > 0 {
		err := s[0]
		f.script[to] = s[1:]
		if err != nil {
			return domain.SendResult{}, err
		}
	}
	return domain.SendResult{MessageID: "ext-" + to}, nil
}

type published struct {
	queue     string
	payload   domain.JobPayload
	messageID string
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (f *fakePublisher) Publish(ctx context.Context, queue string, p domain.JobPayload, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, published{queue: queue, payload: p, messageID: messageID})
	return nil
}

func (f *fakePublisher) Live() bool { return true }

type fakeDeadLetters struct {
	mu   sync.Mutex
	rows []domain.DeadLetter
}

func (f *fakeDeadLetters) Insert(ctx context.Context, dl domain.DeadLetter) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, dl)
	return nil
}

type fixture struct {
	mailings *fakeMailings
	entries  *fakeEntries
	dls      *fakeDeadLetters
	blobs    *fakeBlobs
	mailer   *fakeMailer
	pub      *fakePublisher
	w        *Worker
	sleeps   []time.Duration
}

func newFixture(csvData string) *fixture {
	fx := &fixture{
		mailings: &fakeMailings{},
		entries:  newFakeEntries(),
		dls:      &fakeDeadLetters{},
		blobs:    &fakeBlobs{data: []byte(csvData)},
		mailer:   &fakeMailer{script: map[string][]error{}},
		pub:      &fakePublisher{},
	}
	fx.w = New(Deps{
		Mailings:    fx.mailings,
		Entries:     fx.entries,
		DeadLetters: fx.dls,
		Blobs:       fx.blobs,
		Mailer:      fx.mailer,
		Broker:      fx.pub,
		Validator:   validate.New(false, false),
		Policy:      domain.RetryPolicy{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: time.Minute},
	}, Config{
		Subject:            "Your code",
		BodyTemplate:       "code: %s",
		CheckpointInterval: 100,
		BatchSize:          500,
		FailureThreshold:   0.2,
		StaleLockThreshold: 30 * time.Second,
	})
	fx.w.sleep = func(ctx context.Context, d time.Duration) bool {
		fx.sleeps = append(fx.sleeps, d)
		return true
	}
	return fx
}

func jobDelivery(t *testing.T, p domain.JobPayload) amqp.Delivery {
	t.Helper()
	body, err := p.Marshal()
	require.NoError(t, err)
	return amqp.Delivery{Body: body, MessageId: "m-1"}
}

func TestHandle_CompletesCleanFile(t *testing.T) {
	fx := newFixture("email\na@example.com\nb@example.com\nc@example.com\n")
	id := uuid.New()
	fx.mailings.mailing = domain.Mailing{ID: id}
	p := domain.NewJobPayload(id, "list.csv", "mem://list.csv", time.Now())

	err := fx.w.Handle(context.Background(), jobDelivery(t, p))
	require.NoError(t, err)

	assert.True(t, fx.mailings.locked)
	assert.True(t, fx.mailings.completed)
	assert.Equal(t, 3, fx.mailings.totalLines)
	assert.Equal(t, []int{3}, fx.mailings.checkpoints)

	require.Len(t, fx.entries.records, 3)
	for _, email := range []string{"a@example.com", "b@example.com", "c@example.com"} {
		r := fx.entries.records[email]
		require.NotNil(t, r)
		assert.Equal(t, domain.EntrySent, r.status)
		assert.Equal(t, "ext-"+email, r.externalID)
	}
	assert.Empty(t, fx.pub.msgs)
}

func TestHandle_MalformedPayloadIsRejected(t *testing.T) {
	fx := newFixture("email\n")

	err := fx.w.Handle(context.Background(), amqp.Delivery{Body: []byte("not json")})
	require.Error(t, err)
	assert.False(t, rabbitmq.IsRequeue(err))
	assert.False(t, fx.mailings.locked)
}

func TestHandle_SkipsWhenLockNotAcquired(t *testing.T) {
	fx := newFixture("email\na@example.com\n")
	fx.mailings.lockErr = domain.ErrLockNotAcquired
	p := domain.NewJobPayload(uuid.New(), "list.csv", "mem://list.csv", time.Now())

	err := fx.w.Handle(context.Background(), jobDelivery(t, p))
	require.NoError(t, err)
	assert.Equal(t, 0, fx.blobs.opens)
	assert.False(t, fx.mailings.completed)
}

func TestHandle_UnknownMailingIsDeadLettered(t *testing.T) {
	fx := newFixture("email\na@example.com\n")
	fx.mailings.lockErr = domain.ErrLockNotAcquired
	fx.mailings.getErr = domain.ErrMailingNotFound
	p := domain.NewJobPayload(uuid.New(), "list.csv", "mem://list.csv", time.Now())

	err := fx.w.Handle(context.Background(), jobDelivery(t, p))
	require.ErrorIs(t, err, domain.ErrMailingNotFound)
	// Plain error, so the DLX carries the delivery to the DLQ.
	assert.False(t, rabbitmq.IsRequeue(err))
	assert.Equal(t, 0, fx.blobs.opens)
}

func TestHandle_LockInfrastructureFailureRequeues(t *testing.T) {
	fx := newFixture("email\na@example.com\n")
	fx.mailings.lockErr = fmt.Errorf("connection refused")
	p := domain.NewJobPayload(uuid.New(), "list.csv", "mem://list.csv", time.Now())

	err := fx.w.Handle(context.Background(), jobDelivery(t, p))
	require.Error(t, err)
	assert.True(t, rabbitmq.IsRequeue(err))
}

func TestHandle_AllInvalidFileStillCompletes(t *testing.T) {
	fx := newFixture("email\nbad-address\nalso@bad\nworse@@x.io\n")
	id := uuid.New()
	fx.mailings.mailing = domain.Mailing{ID: id}
	p := domain.NewJobPayload(id, "list.csv", "mem://list.csv", time.Now())

	err := fx.w.Handle(context.Background(), jobDelivery(t, p))
	require.NoError(t, err)

	assert.True(t, fx.mailings.completed)
	assert.Empty(t, fx.mailer.sent)
	for _, r := range fx.entries.records {
		assert.Equal(t, domain.EntryInvalid, r.status)
		assert.Equal(t, domain.InvalidSyntax, r.invalid)
	}
}

func TestHandle_HeaderOnlyFileCompletes(t *testing.T) {
	fx := newFixture("email\n")
	id := uuid.New()
	fx.mailings.mailing = domain.Mailing{ID: id}
	p := domain.NewJobPayload(id, "list.csv", "mem://list.csv", time.Now())

	err := fx.w.Handle(context.Background(), jobDelivery(t, p))
	require.NoError(t, err)

	// Zero data rows is a successful run, not a failure.
	assert.True(t, fx.mailings.completed)
	assert.Empty(t, fx.mailer.sent)
	assert.Equal(t, []int{0}, fx.mailings.checkpoints)
}

func TestHandle_FailureRateSchedulesFirstRetry(t *testing.T) {
	fx := newFixture("email\na@x.io\nb@x.io\nc@x.io\nd@x.io\ne@x.io\n")
	id := uuid.New()
	fx.mailings.mailing = domain.Mailing{ID: id}
	fx.mailer.script["a@x.io"] = []error{&domain.ProviderError{StatusCode: 500, Body: "boom"}}
	fx.mailer.script["b@x.io"] = []error{&domain.ProviderError{StatusCode: 503, Body: "down"}}
	p := domain.NewJobPayload(id, "list.csv", "mem://list.csv", time.Now())

	err := fx.w.Handle(context.Background(), jobDelivery(t, p))
	require.NoError(t, err)

	assert.False(t, fx.mailings.completed)
	assert.Contains(t, fx.mailings.failedMsg, "failure rate exceeded")

	require.Len(t, fx.pub.msgs, 1)
	msg := fx.pub.msgs[0]
	assert.Equal(t, rabbitmq.QueueRetry1, msg.queue)
	assert.Equal(t, 1, msg.payload.Attempt)
	require.NotNil(t, msg.payload.LastError)
	assert.Contains(t, *msg.payload.LastError, "failure rate exceeded")
	assert.NotNil(t, msg.payload.RetriedAt)

	assert.Equal(t, domain.EntryFailed, fx.entries.records["a@x.io"].status)
	assert.Equal(t, domain.EntrySent, fx.entries.records["c@x.io"].status)
}

func TestHandle_SubsequentRetriesUseSecondQueue(t *testing.T) {
	fx := newFixture("email\na@x.io\nb@x.io\n")
	id := uuid.New()
	fx.mailings.mailing = domain.Mailing{ID: id}
	fx.mailer.script["a@x.io"] = []error{&domain.ProviderError{StatusCode: 500, Body: "boom"}}

	p := domain.NewJobPayload(id, "list.csv", "mem://list.csv", time.Now())
	p = p.NextRetry("earlier failure", time.Now()) // attempt 1

	err := fx.w.Handle(context.Background(), jobDelivery(t, p))
	require.NoError(t, err)

	require.Len(t, fx.pub.msgs, 1)
	assert.Equal(t, rabbitmq.QueueRetry2, fx.pub.msgs[0].queue)
	assert.Equal(t, 2, fx.pub.msgs[0].payload.Attempt)
}

func TestHandle_ExhaustedAttemptsDeadLetter(t *testing.T) {
	fx := newFixture("email\na@x.io\nb@x.io\n")
	id := uuid.New()
	fx.mailings.mailing = domain.Mailing{ID: id}
	fx.mailer.script["a@x.io"] = []error{&domain.ProviderError{StatusCode: 500, Body: "boom"}}

	p := domain.NewJobPayload(id, "list.csv", "mem://list.csv", time.Now())
	p = p.NextRetry("first failure", time.Now())
	p = p.NextRetry("second failure", time.Now()) // attempt 2 of MaxRetries 3

	err := fx.w.Handle(context.Background(), jobDelivery(t, p))
	require.NoError(t, err)

	require.Len(t, fx.dls.rows, 1)
	dl := fx.dls.rows[0]
	assert.Equal(t, domain.DeadLetterJob, dl.Scope)
	assert.Equal(t, id, dl.MailingID)
	require.NotNil(t, dl.Filename)
	assert.Equal(t, "list.csv", *dl.Filename)
	assert.Equal(t, 3, dl.Attempts)
	assert.Contains(t, dl.Reason, "failure rate exceeded")

	require.Len(t, fx.pub.msgs, 1)
	msg := fx.pub.msgs[0]
	assert.Equal(t, rabbitmq.QueueDLQ, msg.queue)
	require.NotNil(t, msg.payload.FinalError)
	require.NotNil(t, msg.payload.TotalAttempts)
	assert.Equal(t, 3, *msg.payload.TotalAttempts)
	assert.NotNil(t, msg.payload.MovedToDLQAt)

	assert.Contains(t, fx.mailings.failedMsg, "failure rate exceeded")
	assert.False(t, fx.mailings.completed)
}

func TestHandle_PermanentStorageErrorSkipsRetries(t *testing.T) {
	fx := newFixture("")
	id := uuid.New()
	fx.mailings.mailing = domain.Mailing{ID: id}
	fx.blobs.openErr = &domain.StorageError{Op: "open", Permanent: true, Err: fmt.Errorf("object gone")}
	p := domain.NewJobPayload(id, "list.csv", "mem://list.csv", time.Now())

	err := fx.w.Handle(context.Background(), jobDelivery(t, p))
	require.NoError(t, err)

	require.Len(t, fx.pub.msgs, 1)
	assert.Equal(t, rabbitmq.QueueDLQ, fx.pub.msgs[0].queue)
	require.Len(t, fx.dls.rows, 1)
	assert.Equal(t, 1, fx.dls.rows[0].Attempts)
}

func TestHandle_TransientStorageErrorRetries(t *testing.T) {
	fx := newFixture("")
	id := uuid.New()
	fx.mailings.mailing = domain.Mailing{ID: id}
	fx.blobs.openErr = &domain.StorageError{Op: "open", Err: fmt.Errorf("timeout")}
	p := domain.NewJobPayload(id, "list.csv", "mem://list.csv", time.Now())

	err := fx.w.Handle(context.Background(), jobDelivery(t, p))
	require.NoError(t, err)

	require.Len(t, fx.pub.msgs, 1)
	assert.Equal(t, rabbitmq.QueueRetry1, fx.pub.msgs[0].queue)
	assert.Empty(t, fx.dls.rows)
}

func TestHandle_ResumesFromCheckpoint(t *testing.T) {
	fx := newFixture("email\na@x.io\nb@x.io\nc@x.io\nd@x.io\n")
	id := uuid.New()
	fx.mailings.mailing = domain.Mailing{ID: id, ProcessedLines: 2, TotalLines: 4}
	p := domain.NewJobPayload(id, "list.csv", "mem://list.csv", time.Now())

	err := fx.w.Handle(context.Background(), jobDelivery(t, p))
	require.NoError(t, err)

	var sentTo []string
	for _, s := range fx.mailer.sent {
		sentTo = append(sentTo, s.to)
	}
	assert.Equal(t, []string{"c@x.io", "d@x.io"}, sentTo)
	assert.Equal(t, []int{4}, fx.mailings.checkpoints)
	assert.True(t, fx.mailings.completed)
}

func TestHandle_RateLimitedRowRecoversWithBackoff(t *testing.T) {
	fx := newFixture("email\na@x.io\n")
	id := uuid.New()
	fx.mailings.mailing = domain.Mailing{ID: id}
	tooMany := &domain.ProviderError{StatusCode: 429, Body: "slow down"}
	fx.mailer.script["a@x.io"] = []error{tooMany, tooMany}
	p := domain.NewJobPayload(id, "list.csv", "mem://list.csv", time.Now())

	err := fx.w.Handle(context.Background(), jobDelivery(t, p))
	require.NoError(t, err)

	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, fx.sleeps)
	assert.Equal(t, domain.EntrySent, fx.entries.records["a@x.io"].status)
	assert.Len(t, fx.mailer.sent, 3)
	assert.True(t, fx.mailings.completed)
}

func TestHandle_RateLimitExhaustionFailsRow(t *testing.T) {
	fx := newFixture("email\na@x.io\nb@x.io\nc@x.io\nd@x.io\ne@x.io\nf@x.io\n")
	id := uuid.New()
	fx.mailings.mailing = domain.Mailing{ID: id}
	tooMany := &domain.ProviderError{StatusCode: 429, Body: "slow down"}
	fx.mailer.script["a@x.io"] = []error{tooMany, tooMany, tooMany, tooMany}
	p := domain.NewJobPayload(id, "list.csv", "mem://list.csv", time.Now())

	err := fx.w.Handle(context.Background(), jobDelivery(t, p))
	require.NoError(t, err)

	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}, fx.sleeps)
	assert.Equal(t, domain.EntryFailed, fx.entries.records["a@x.io"].status)
	assert.Contains(t, fx.entries.records["a@x.io"].reason, "429")
	// 1 failure out of 6 rows stays under the threshold.
	assert.True(t, fx.mailings.completed)
}

func TestHandle_BlankEmailsCountTowardFailureRate(t *testing.T) {
	fx := newFixture("name,email\nAna,a@x.io\nBob,\nCyd,\nDee,d@x.io\nEve,e@x.io\n")
	id := uuid.New()
	fx.mailings.mailing = domain.Mailing{ID: id}
	p := domain.NewJobPayload(id, "list.csv", "mem://list.csv", time.Now())

	err := fx.w.Handle(context.Background(), jobDelivery(t, p))
	require.NoError(t, err)

	// 2 blanks out of 5 rows breach the 0.2 threshold.
	assert.False(t, fx.mailings.completed)
	require.Len(t, fx.pub.msgs, 1)
	assert.Equal(t, rabbitmq.QueueRetry1, fx.pub.msgs[0].queue)
	// Blank rows never become entries.
	assert.Len(t, fx.entries.records, 3)
}

func TestHandle_RetryPublishFailureRequeuesDelivery(t *testing.T) {
	fx := newFixture("email\na@x.io\nb@x.io\n")
	id := uuid.New()
	fx.mailings.mailing = domain.Mailing{ID: id}
	fx.mailer.script["a@x.io"] = []error{&domain.ProviderError{StatusCode: 500, Body: "boom"}}
	fx.pub.err = fmt.Errorf("broker gone")
	p := domain.NewJobPayload(id, "list.csv", "mem://list.csv", time.Now())

	err := fx.w.Handle(context.Background(), jobDelivery(t, p))
	require.Error(t, err)
	assert.True(t, rabbitmq.IsRequeue(err))
	// The claim is freed so the redelivery can re-lock immediately.
	assert.True(t, fx.mailings.released)
}

func TestHandle_CheckpointsAtConfiguredInterval(t *testing.T) {
	fx := newFixture("email\na@x.io\nb@x.io\nc@x.io\nd@x.io\ne@x.io\n")
	fx.w.cfg.CheckpointInterval = 2
	id := uuid.New()
	fx.mailings.mailing = domain.Mailing{ID: id}
	p := domain.NewJobPayload(id, "list.csv", "mem://list.csv", time.Now())

	err := fx.w.Handle(context.Background(), jobDelivery(t, p))
	require.NoError(t, err)

	assert.Equal(t, []int{2, 4, 5}, fx.mailings.checkpoints)
}

func TestHandle_ShutdownMidRunRequeuesAndCheckpoints(t *testing.T) {
	fx := newFixture("email\na@x.io\nb@x.io\n")
	id := uuid.New()
	fx.mailings.mailing = domain.Mailing{ID: id}
	p := domain.NewJobPayload(id, "list.csv", "mem://list.csv", time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := fx.w.Handle(ctx, jobDelivery(t, p))
	require.Error(t, err)
	assert.True(t, rabbitmq.IsRequeue(err))
	assert.False(t, fx.mailings.completed)
	assert.Empty(t, fx.mailings.failedMsg)
	// The detached checkpoint persisted the cursor before requeueing.
	assert.NotEmpty(t, fx.mailings.checkpoints)
	assert.True(t, fx.mailings.released)
}

func TestHandle_ClosedLimiterRequeuesWithoutFailingRow(t *testing.T) {
	fx := newFixture("email\na@x.io\nb@x.io\n")
	id := uuid.New()
	fx.mailings.mailing = domain.Mailing{ID: id}
	fx.mailer.script["a@x.io"] = []error{domain.ErrSchedulerClosed}
	p := domain.NewJobPayload(id, "list.csv", "mem://list.csv", time.Now())

	err := fx.w.Handle(context.Background(), jobDelivery(t, p))
	require.Error(t, err)
	assert.True(t, rabbitmq.IsRequeue(err))

	// The row stays SENDING rather than FAILED; the redelivery retries it.
	assert.Equal(t, domain.EntrySending, fx.entries.records["a@x.io"].status)
	assert.False(t, fx.mailings.completed)
	assert.Empty(t, fx.mailings.failedMsg)
	assert.True(t, fx.mailings.released)
}

func TestHandle_SendsSubjectAndTemplatedBody(t *testing.T) {
	fx := newFixture("email\na@example.com\n")
	id := uuid.New()
	fx.mailings.mailing = domain.Mailing{ID: id}
	p := domain.NewJobPayload(id, "list.csv", "mem://list.csv", time.Now())

	err := fx.w.Handle(context.Background(), jobDelivery(t, p))
	require.NoError(t, err)

	require.Len(t, fx.mailer.sent, 1)
	sent := fx.mailer.sent[0]
	assert.Equal(t, "Your code", sent.subject)

	token := fx.entries.records["a@example.com"].token
	require.Len(t, token, 32)
	assert.Equal(t, "code: "+token, sent.body)

	sum := sha256.Sum256([]byte(fmt.Sprintf("%s-%s-%s", id, "a@example.com", token)))
	assert.Equal(t, hex.EncodeToString(sum[:]), sent.key)
}

func TestHandle_AlreadyProcessedFileCompletesWithoutSends(t *testing.T) {
	fx := newFixture("email\na@x.io\nb@x.io\n")
	id := uuid.New()
	fx.mailings.mailing = domain.Mailing{ID: id, ProcessedLines: 2, TotalLines: 2}
	p := domain.NewJobPayload(id, "list.csv", "mem://list.csv", time.Now())

	err := fx.w.Handle(context.Background(), jobDelivery(t, p))
	require.NoError(t, err)

	assert.Empty(t, fx.mailer.sent)
	assert.True(t, fx.mailings.completed)
}

func TestNewToken(t *testing.T) {
	a, err := newToken()
	require.NoError(t, err)
	b, err := newToken()
	require.NoError(t, err)

	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
	_, err = hex.DecodeString(a)
	assert.NoError(t, err)
}

func TestTruncateReason(t *testing.T) {
	long := make([]byte, 900)
	for i := range long {
		long[i] = 'x'
	}
	assert.Len(t, truncateReason(string(long)), maxReasonLen)
	assert.Equal(t, "short", truncateReason("short"))
}
