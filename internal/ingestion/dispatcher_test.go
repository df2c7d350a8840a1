package ingestion_test

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"testing"

	"PowerPerp/internal/core"
	"PowerPerp/internal/event"
	"PowerPerp/internal/ingestion"
	"PowerPerp/internal/ledger"
	fpmath "PowerPerp/internal/math"
	"PowerPerp/internal/observability"
	"PowerPerp/internal/oracle"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type applyCall struct {
	op     string
	key    string
	owner  uuid.UUID
	asset  ledger.AssetID
	amount *big.Int
}

type fakeApplier struct {
	calls []applyCall
	err   error
}

func (f *fakeApplier) RecordPrice(_ context.Context, obs *event.PriceObserved) error {
	f.calls = append(f.calls, applyCall{op: "price", key: obs.IdempotencyKey(), amount: obs.Price})
	return f.err
}

func (f *fakeApplier) DepositWallet(_ context.Context, key string, owner uuid.UUID, asset ledger.AssetID, amount *big.Int) error {
	f.calls = append(f.calls, applyCall{"deposit", key, owner, asset, amount})
	return f.err
}

func (f *fakeApplier) WithdrawWallet(_ context.Context, key string, owner uuid.UUID, asset ledger.AssetID, amount *big.Int) error {
	f.calls = append(f.calls, applyCall{"withdraw", key, owner, asset, amount})
	return f.err
}

type ackRecorder struct {
	acks, naks int
}

func (r *ackRecorder) raw(subject string, data []byte) ingestion.RawEvent {
	return ingestion.RawEvent{
		Subject: subject,
		Data:    data,
		AckFunc: func() { r.acks++ },
		NakFunc: func() { r.naks++ },
	}
}

func depositJSON(t *testing.T, depositID, userID uuid.UUID) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]string{
		"deposit_id": depositID.String(),
		"user_id":    userID.String(),
		"asset":      "USDC",
		"amount":     "100",
	})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestDispatcher_AppliesDepositWithDepositIDAsKey(t *testing.T) {
	app := &fakeApplier{}
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())
	d := ingestion.NewDispatcher(app, ingestion.DefaultSubjects(), metrics).
		WithLogger(observability.NewNopLogger())
	rec := &ackRecorder{}

	depID, user := uuid.New(), uuid.New()
	d.Handle(context.Background(), rec.raw("powerperp.wallet.deposits.us-east", depositJSON(t, depID, user)))

	if rec.acks != 1 || rec.naks != 0 {
		t.Fatalf("acks=%d naks=%d, want 1/0", rec.acks, rec.naks)
	}
	if len(app.calls) != 1 {
		t.Fatalf("calls: got %d, want 1", len(app.calls))
	}
	c := app.calls[0]
	if c.op != "deposit" || c.key != depID.String() || c.owner != user || c.asset != ledger.AssetUSDC {
		t.Errorf("unexpected call %+v", c)
	}
	if c.amount.Cmp(fpmath.WadFromInt(100)) != 0 {
		t.Errorf("amount: got %s", c.amount)
	}
	if got := testutil.ToFloat64(metrics.IngestMessages.WithLabelValues("WalletDeposited", "applied")); got != 1 {
		t.Errorf("applied counter: got %v", got)
	}
}

func TestDispatcher_RoutesByLongestPrefix(t *testing.T) {
	app := &fakeApplier{}
	d := ingestion.NewDispatcher(app, ingestion.DefaultSubjects(), nil).
		WithLogger(observability.NewNopLogger())
	rec := &ackRecorder{}

	b, _ := json.Marshal(map[string]string{
		"withdrawal_id": uuid.NewString(),
		"user_id":       uuid.NewString(),
		"asset":         "ETH",
		"amount":        "2",
	})
	d.Handle(context.Background(), rec.raw("powerperp.wallet.withdrawals.x", b))

	if len(app.calls) != 1 || app.calls[0].op != "withdraw" {
		t.Fatalf("expected one withdraw call, got %+v", app.calls)
	}
}

func TestDispatcher_AckNakPolicy(t *testing.T) {
	price, _ := json.Marshal(map[string]interface{}{
		"pool": "eth-usdc", "price": "3000", "price_sequence": 7,
	})

	cases := []struct {
		name     string
		subject  string
		data     []byte
		err      error
		acks     int
		naks     int
		outcome  string
		evtLabel string
	}{
		{"applied", "powerperp.prices.eth-usdc", price, nil, 1, 0, "applied", "PriceObserved"},
		{"duplicate", "powerperp.prices.eth-usdc", price, core.ErrDuplicateRequest, 1, 0, "duplicate", "PriceObserved"},
		{"stale", "powerperp.prices.eth-usdc", price, fmt.Errorf("%w: seq 7", core.ErrStalePrice), 1, 0, "duplicate", "PriceObserved"},
		{"oracle down", "powerperp.prices.eth-usdc", price, fmt.Errorf("wrap: %w", oracle.ErrOracleUnavailable), 0, 1, "retry", "PriceObserved"},
		{"deadline", "powerperp.prices.eth-usdc", price, context.DeadlineExceeded, 0, 1, "retry", "PriceObserved"},
		{"rejected", "powerperp.prices.eth-usdc", price, core.ErrWrongPool, 1, 0, "rejected", "PriceObserved"},
		{"malformed", "powerperp.prices.eth-usdc", []byte("{"), nil, 1, 0, "invalid", "PriceObserved"},
		{"unknown subject", "other.stuff", price, nil, 1, 0, "invalid", "unknown"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			metrics := observability.NewMetricsWith(prometheus.NewRegistry())
			d := ingestion.NewDispatcher(&fakeApplier{err: tc.err}, ingestion.DefaultSubjects(), metrics).
				WithLogger(observability.NewNopLogger())
			rec := &ackRecorder{}

			d.Handle(context.Background(), rec.raw(tc.subject, tc.data))

			if rec.acks != tc.acks || rec.naks != tc.naks {
				t.Errorf("acks=%d naks=%d, want %d/%d", rec.acks, rec.naks, tc.acks, tc.naks)
			}
			if got := testutil.ToFloat64(metrics.IngestMessages.WithLabelValues(tc.evtLabel, tc.outcome)); got != 1 {
				t.Errorf("%s/%s counter: got %v, want 1", tc.evtLabel, tc.outcome, got)
			}
		})
	}
}

func TestDispatcher_RunStopsWhenChannelCloses(t *testing.T) {
	app := &fakeApplier{}
	d := ingestion.NewDispatcher(app, ingestion.DefaultSubjects(), nil).
		WithLogger(observability.NewNopLogger())
	rec := &ackRecorder{}

	ch := make(chan ingestion.RawEvent, 2)
	ch <- rec.raw("powerperp.wallet.deposits.a", depositJSON(t, uuid.New(), uuid.New()))
	ch <- rec.raw("powerperp.wallet.deposits.a", depositJSON(t, uuid.New(), uuid.New()))
	close(ch)

	if err := d.Run(context.Background(), ch); err != nil {
		t.Fatalf("run: %v", err)
	}
	if rec.acks != 2 || len(app.calls) != 2 {
		t.Errorf("acks=%d calls=%d, want 2/2", rec.acks, len(app.calls))
	}
}

func TestAdminIngest_Validates(t *testing.T) {
	app := &fakeApplier{}
	svc := ingestion.NewAdminIngestService(app, nil)
	ctx := context.Background()
	user := uuid.New()

	if err := svc.InjectDeposit(ctx, "", user, "DOGE", fpmath.WadFromInt(1)); err == nil {
		t.Error("expected unknown asset error")
	}
	if err := svc.InjectWithdrawal(ctx, "k", user, "ETH", fpmath.Zero()); err == nil {
		t.Error("expected non-positive amount error")
	}
	if err := svc.InjectPrice(ctx, "", fpmath.WadFromInt(1), 1); err == nil {
		t.Error("expected missing pool error")
	}
	if len(app.calls) != 0 {
		t.Fatalf("no call should reach the controller, got %d", len(app.calls))
	}

	if err := svc.InjectDeposit(ctx, "", user, "ETH", fpmath.WadFromInt(3)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := svc.InjectPrice(ctx, "eth-usdc", fpmath.WadFromInt(3000), 9); err != nil {
		t.Fatalf("price: %v", err)
	}
	if app.calls[0].key == "" {
		t.Error("empty key should be replaced")
	}
	if app.calls[1].key != "eth-usdc:price:9" {
		t.Errorf("price key: got %s", app.calls[1].key)
	}
}

type capturePublisher struct {
	subjects []string
	bodies   [][]byte
	msgIDs   []string
}

func (p *capturePublisher) Publish(_ context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	p.subjects = append(p.subjects, subject)
	p.bodies = append(p.bodies, data)
	p.msgIDs = append(p.msgIDs, fmt.Sprint(len(opts)))
	return &jetstream.PubAck{}, nil
}

func TestOutboundPublisher_PublishesEveryEnvelope(t *testing.T) {
	vid := uint64(12)
	payload, _ := json.Marshal(map[string]string{"caller": "x"})
	out := core.CoreOutput{
		OperationID: uuid.New(),
		Op:          "deposit",
		Envelopes: []*event.EventEnvelope{
			{Sequence: 5, EventType: event.EventTypeNormalizationUpdated, Payload: []byte(`{}`)},
			{Sequence: 6, EventType: event.EventTypeCollateralDeposited, VaultID: &vid, Payload: payload},
		},
	}

	pub := &capturePublisher{}
	ch := make(chan core.CoreOutput, 1)
	ch <- out
	close(ch)

	p := ingestion.NewOutboundPublisher(pub, ch).WithLogger(observability.NewNopLogger())
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	want := []string{
		"powerperp.events.NormalizationUpdated",
		"powerperp.events.CollateralDeposited.vault.12",
	}
	if len(pub.subjects) != 2 {
		t.Fatalf("published %d, want 2", len(pub.subjects))
	}
	for i := range want {
		if pub.subjects[i] != want[i] {
			t.Errorf("subject %d: got %s, want %s", i, pub.subjects[i], want[i])
		}
		if pub.msgIDs[i] != "1" {
			t.Errorf("subject %d: expected a msg id option", i)
		}
	}

	var pe ingestion.PublishedEvent
	if err := json.Unmarshal(pub.bodies[1], &pe); err != nil {
		t.Fatal(err)
	}
	if pe.Sequence != 6 || pe.Operation != "deposit" || pe.VaultID == nil || *pe.VaultID != 12 {
		t.Errorf("unexpected body %+v", pe)
	}
	if string(pe.Payload) != string(payload) {
		t.Errorf("payload: got %s", pe.Payload)
	}
}
