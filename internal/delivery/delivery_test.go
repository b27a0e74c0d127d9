package delivery_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/document-delivery/internal/cache"
	"github.com/example/document-delivery/internal/delivery"
	"github.com/example/document-delivery/internal/failure"
	"github.com/example/document-delivery/internal/models"
	"github.com/example/document-delivery/internal/render"
	"github.com/example/document-delivery/internal/retry"
	"github.com/example/document-delivery/internal/scheduler"
	"github.com/example/document-delivery/internal/token"
)

type stubRenderer struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (r *stubRenderer) Render(_ context.Context, kind models.DocumentKind, data models.DocumentData) (render.Artifact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return render.Artifact{}, r.err
	}
	return render.Artifact{ContentType: "text/html", FileName: r.FileName(kind, data.Reference), Body: []byte("doc:" + data.Reference)}, nil
}

func (r *stubRenderer) Version() string { return "test-1" }

func (r *stubRenderer) Priority(models.DocumentKind) int { return 1 }

func (r *stubRenderer) FileName(k models.DocumentKind, ref string) string {
	return string(k) + "-" + ref + ".html"
}

func (r *stubRenderer) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type stubMessenger struct {
	mu        sync.Mutex
	docCalls  int
	textCalls int
	docErr    error
	textErr   error
	lastDoc   models.DocumentMessage
	lastText  models.TextMessage
}

func (m *stubMessenger) SendDocument(_ context.Context, msg models.DocumentMessage) (models.SendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docCalls++
	m.lastDoc = msg
	if m.docErr != nil {
		return models.SendResult{}, m.docErr
	}
	return models.SendResult{MessageID: "SM-doc"}, nil
}

func (m *stubMessenger) SendText(_ context.Context, msg models.TextMessage) (models.SendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.textCalls++
	m.lastText = msg
	if m.textErr != nil {
		return models.SendResult{}, m.textErr
	}
	return models.SendResult{MessageID: "SM-text"}, nil
}

type countingScheduler struct {
	inner *scheduler.Scheduler
	mu    sync.Mutex
	n     int
	err   error
}

func (s *countingScheduler) Submit(ctx context.Context, task scheduler.Task) error {
	s.mu.Lock()
	s.n++
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.inner.Submit(ctx, task)
}

func (s *countingScheduler) Submissions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []models.AlertEvent
	panics bool
}

func (n *recordingNotifier) Name() string { return "recording" }

func (n *recordingNotifier) Notify(_ context.Context, a models.AlertEvent) error {
	n.mu.Lock()
	n.alerts = append(n.alerts, a)
	n.mu.Unlock()
	if n.panics {
		panic("notifier exploded")
	}
	return errors.New("pager unreachable")
}

func (n *recordingNotifier) Alerts() []models.AlertEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]models.AlertEvent(nil), n.alerts...)
}

type memStore map[string]*models.Transaction

var errMissing = errors.New("not found")

func (s memStore) FindTransactionByReference(_ context.Context, ref string) (*models.Transaction, error) {
	if txn, ok := s[ref]; ok {
		return txn, nil
	}
	return nil, errMissing
}

func noSleep(ctx context.Context, _ time.Duration) bool { return ctx.Err() == nil }

type harness struct {
	orch      *delivery.Orchestrator
	renderer  *stubRenderer
	messenger *stubMessenger
	sched     *countingScheduler
	notifier  *recordingNotifier
	cache     *cache.Cache
	attempts  *[]delivery.Attempt
}

func newHarness(t *testing.T, store delivery.TransactionStore) *harness {
	t.Helper()

	var mu sync.Mutex
	attempts := []delivery.Attempt{}
	h := &harness{
		renderer:  &stubRenderer{},
		messenger: &stubMessenger{},
		notifier:  &recordingNotifier{},
		attempts:  &attempts,
	}

	h.cache = cache.New(cache.Config{MaxEntries: 16, MaxBytes: 1 << 20, DefaultTTL: time.Hour}, zerolog.Nop())
	sched := scheduler.New(scheduler.Config{MaxConcurrentOperations: 2, MaxQueueSize: 8, QueueTimeout: time.Second, OperationTimeout: time.Second}, zerolog.Nop())
	t.Cleanup(sched.Close)
	h.sched = &countingScheduler{inner: sched}

	issuer, err := token.NewIssuer(token.Config{
		Secret:  []byte(strings.Repeat("k", 32)),
		BaseURL: "https://docs.example.com",
	}, zerolog.Nop())
	require.NoError(t, err)

	ctrl, err := delivery.NewController(h.messenger, h.notifier, zerolog.Nop(),
		delivery.WithSleeper(noSleep),
		delivery.WithFallbackPolicy(retry.Policy{MaxAttempts: 2, InitialDelay: time.Millisecond, BackoffMultiplier: 2, MaxDelay: time.Millisecond}),
		delivery.WithAttemptObserver(func(a delivery.Attempt) {
			mu.Lock()
			attempts = append(attempts, a)
			mu.Unlock()
		}),
	)
	require.NoError(t, err)

	policy := retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, BackoffMultiplier: 2, MaxDelay: 4 * time.Millisecond}
	h.orch, err = delivery.NewOrchestrator(delivery.Config{RenderPolicy: policy, DeliveryPolicy: policy}, delivery.Dependencies{
		Renderer:   h.renderer,
		Scheduler:  h.sched,
		Cache:      h.cache,
		Tokens:     issuer,
		Messenger:  h.messenger,
		Controller: ctrl,
		Store:      store,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) countAttempts(op delivery.Operation) int {
	n := 0
	for _, a := range *h.attempts {
		if a.Operation == op {
			n++
		}
	}
	return n
}

func validData() models.DocumentData {
	return models.DocumentData{
		Reference:  "PAY-1001",
		Kind:       models.DocumentTicket,
		HolderName: "Ada Lovelace",
		Email:      "ada@example.com",
		Phone:      "+447700900123",
		Amount:     4500,
		Currency:   "GBP",
		PaidAt:     time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC),
		QRPayload:  "PAY-1001|ADA",
	}
}

func TestCacheMissRenderThenPrimaryDelivery(t *testing.T) {
	h := newHarness(t, nil)

	res := h.orch.GenerateAndDeliver(context.Background(), validData())

	assert.True(t, res.Success)
	assert.True(t, res.ArtifactGenerated)
	assert.True(t, res.PrimaryChannelUsed)
	assert.False(t, res.FallbackUsed)
	assert.Equal(t, "SM-doc", res.MessageID)
	assert.Equal(t, 1, h.renderer.Calls())
	assert.Equal(t, 1, h.sched.Submissions())
	assert.Contains(t, h.messenger.lastDoc.DocumentURL, "https://docs.example.com/secure-download?token=")
	assert.Equal(t, "ticket-PAY-1001.html", h.messenger.lastDoc.FileName)
	assert.Empty(t, h.notifier.Alerts())
}

func TestCacheHitSkipsScheduler(t *testing.T) {
	h := newHarness(t, nil)

	require.True(t, h.orch.GenerateAndDeliver(context.Background(), validData()).Success)
	require.True(t, h.orch.GenerateAndDeliver(context.Background(), validData()).Success)

	assert.Equal(t, 1, h.renderer.Calls())
	assert.Equal(t, 1, h.sched.Submissions())
	assert.Equal(t, uint64(1), h.cache.Stats().Hits)
}

func TestChangedInputMissesCache(t *testing.T) {
	h := newHarness(t, nil)
	changed := validData()
	changed.Amount = 5000

	h.orch.GenerateAndDeliver(context.Background(), validData())
	h.orch.GenerateAndDeliver(context.Background(), changed)

	assert.Equal(t, 2, h.renderer.Calls())
}

func TestZeroAmountFailsFastWithoutSideEffects(t *testing.T) {
	h := newHarness(t, nil)
	data := validData()
	data.Amount = 0

	res := h.orch.GenerateAndDeliver(context.Background(), data)

	assert.False(t, res.Success)
	assert.False(t, res.ArtifactGenerated)
	assert.Equal(t, failure.KindValidationFailed.String(), res.ErrorKind)
	assert.Equal(t, delivery.MsgAmountNotPositive, res.Error)
	assert.Zero(t, h.sched.Submissions())
	assert.Zero(t, h.messenger.docCalls+h.messenger.textCalls)
	assert.Empty(t, *h.attempts)
	assert.Empty(t, h.notifier.Alerts())
}

func TestValidationMessagesAreDistinct(t *testing.T) {
	cases := map[string]func(*models.DocumentData){
		delivery.MsgMissingReference:  func(d *models.DocumentData) { d.Reference = " " },
		delivery.MsgMissingName:       func(d *models.DocumentData) { d.HolderName = "" },
		delivery.MsgAmountNotPositive: func(d *models.DocumentData) { d.Amount = -1 },
		delivery.MsgMalformedEmail:    func(d *models.DocumentData) { d.Email = "not-an-email" },
		delivery.MsgMalformedPhone:    func(d *models.DocumentData) { d.Phone = "07700 900123" },
		delivery.MsgEmptyQRPayload:    func(d *models.DocumentData) { d.QRPayload = "" },
		delivery.MsgUnknownKind:       func(d *models.DocumentData) { d.Kind = "invoice" },
	}

	seen := map[string]bool{}
	for want, mutate := range cases {
		data := validData()
		mutate(&data)
		_, err := delivery.Validate(data)
		require.Error(t, err, want)
		assert.True(t, failure.Is(err, failure.KindValidationFailed))
		assert.Contains(t, err.Error(), want)
		assert.False(t, seen[want])
		seen[want] = true
	}
}

func TestValidateNormalisesContacts(t *testing.T) {
	data := validData()
	data.Email = "Ada@Example.com"
	data.Kind = ""

	got, err := delivery.Validate(data)
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", got.Email)
	assert.Equal(t, models.DocumentTicket, got.Kind)
}

func TestFallbackAfterPrimaryExhaustion(t *testing.T) {
	h := newHarness(t, nil)
	h.messenger.docErr = failure.New(failure.KindDeliveryChannelFailed, "send", errors.New("503"))

	res := h.orch.GenerateAndDeliver(context.Background(), validData())

	assert.True(t, res.Success)
	assert.True(t, res.FallbackUsed)
	assert.False(t, res.PrimaryChannelUsed)
	assert.True(t, res.ArtifactGenerated)
	assert.Equal(t, "SM-text", res.MessageID)
	assert.Equal(t, 3, h.messenger.docCalls)
	assert.Equal(t, 1, h.messenger.textCalls)
	assert.Contains(t, h.messenger.lastText.Text, "delayed, resent via text")
	assert.Contains(t, h.messenger.lastText.Text, "https://docs.example.com/secure-download?token=")
	assert.Empty(t, h.notifier.Alerts())
}

func TestPermanentRejectionSkipsPrimaryRetries(t *testing.T) {
	h := newHarness(t, nil)
	h.messenger.docErr = failure.New(failure.KindDeliveryRejected, "send", errors.New("invalid number"))

	res := h.orch.GenerateAndDeliver(context.Background(), validData())

	assert.True(t, res.FallbackUsed)
	assert.Equal(t, 1, h.messenger.docCalls)
}

func TestTotalFailureNotifiesOperator(t *testing.T) {
	h := newHarness(t, nil)
	h.messenger.docErr = errors.New("connection reset")
	h.messenger.textErr = errors.New("connection reset")

	res := h.orch.GenerateAndDeliver(context.Background(), validData())

	assert.False(t, res.Success)
	assert.True(t, res.ArtifactGenerated, "artifact was rendered even though delivery failed")
	assert.False(t, res.FallbackUsed)
	assert.Equal(t, failure.KindFallbackFailed.String(), res.ErrorKind)
	assert.NotContains(t, res.Error, "connection reset")
	assert.Equal(t, 3, h.messenger.docCalls)
	assert.Equal(t, 2, h.messenger.textCalls)

	alerts := h.notifier.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, "PAY-1001", alerts[0].Reference)
	assert.True(t, alerts[0].ArtifactGenerated)
}

func TestRenderExhaustionIsFatal(t *testing.T) {
	h := newHarness(t, nil)
	h.renderer.err = failure.New(failure.KindRenderFailed, "render", errors.New("template exploded"))

	res := h.orch.GenerateAndDeliver(context.Background(), validData())

	assert.False(t, res.Success)
	assert.False(t, res.ArtifactGenerated)
	assert.Equal(t, failure.KindRenderFailed.String(), res.ErrorKind)
	assert.Equal(t, 3, h.renderer.Calls())
	assert.Zero(t, h.messenger.docCalls+h.messenger.textCalls)
	assert.Equal(t, 3, h.countAttempts(delivery.OpRender))
	require.Len(t, h.notifier.Alerts(), 1)
	assert.False(t, h.notifier.Alerts()[0].ArtifactGenerated)
}

func TestQueueFullIsRetried(t *testing.T) {
	h := newHarness(t, nil)
	h.sched.err = scheduler.ErrQueueFull

	res := h.orch.GenerateAndDeliver(context.Background(), validData())

	assert.False(t, res.ArtifactGenerated)
	assert.Equal(t, failure.KindQueueFull.String(), res.ErrorKind)
	assert.Equal(t, 3, h.sched.Submissions())
}

func TestClosedSchedulerIsNotRetried(t *testing.T) {
	h := newHarness(t, nil)
	h.sched.err = scheduler.ErrClosed

	h.orch.GenerateAndDeliver(context.Background(), validData())

	assert.Equal(t, 1, h.sched.Submissions())
}

func TestNotifierPanicIsContained(t *testing.T) {
	h := newHarness(t, nil)
	h.notifier.panics = true
	h.renderer.err = failure.New(failure.KindValidationFailed, "render", errors.New("no template"))

	assert.NotPanics(t, func() {
		res := h.orch.GenerateAndDeliver(context.Background(), validData())
		assert.False(t, res.Success)
	})
	assert.Len(t, h.notifier.Alerts(), 1)
}

func TestInvalidateForcesRerender(t *testing.T) {
	h := newHarness(t, nil)

	h.orch.GenerateAndDeliver(context.Background(), validData())
	assert.Equal(t, 1, h.orch.Invalidate("PAY-1001"))
	h.orch.GenerateAndDeliver(context.Background(), validData())

	assert.Equal(t, 2, h.renderer.Calls())
}

func TestDeliverReferenceUsesStore(t *testing.T) {
	data := validData()
	store := memStore{"PAY-1001": &models.Transaction{
		Reference:  data.Reference,
		HolderName: data.HolderName,
		Email:      data.Email,
		Phone:      data.Phone,
		Amount:     data.Amount,
		Currency:   data.Currency,
		PaidAt:     data.PaidAt,
		QRPayload:  data.QRPayload,
	}}
	h := newHarness(t, store)

	res, err := h.orch.DeliverReference(context.Background(), "PAY-1001")
	require.NoError(t, err)
	assert.True(t, res.Success)

	_, err = h.orch.DeliverReference(context.Background(), "PAY-404")
	assert.ErrorIs(t, err, errMissing)

	art, err := h.orch.Artifact(context.Background(), "PAY-1001")
	require.NoError(t, err)
	assert.Equal(t, "doc:PAY-1001", string(art.Body))
	assert.Equal(t, "ticket-PAY-1001.html", art.FileName)
	assert.Equal(t, 1, h.renderer.Calls(), "artifact retrieval must reuse the cached render")
}

func TestReferenceOperationsNeedStore(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.orch.Artifact(context.Background(), "PAY-1")
	assert.ErrorIs(t, err, delivery.ErrNoStore)
}
