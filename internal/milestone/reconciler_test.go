package milestone

import (
	"context"
	"errors"
	"testing"
	"time"

	events "escrowchat/contracts/realtime"
	"escrowchat/internal/model"

	"github.com/shopspring/decimal"
	"go.uber.org/zap/zaptest"
)

const chatID = "c1"

var (
	seller = model.User{ID: "seller"}
	buyer  = model.User{ID: "buyer"}
)

func newReconciler(t *testing.T, b *fakeBackend) (*Reconciler, *fakePublisher) {
	t.Helper()
	pub := &fakePublisher{}
	r := NewReconciler(b, b, pub, ByPointer{}, zaptest.NewLogger(t))
	return r, pub
}

func TestNoMilestoneIsNoneNotError(t *testing.T) {
	b := newFakeBackend(chatID, "seller", "buyer")
	r, _ := newReconciler(t, b)

	if err := r.Open(context.Background(), chatID); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if m, ok := r.Current(); ok || m != nil {
		t.Fatalf("Current = %+v, want none", m)
	}
	if _, ok := r.View(buyer); ok {
		t.Fatal("view present without milestone")
	}
}

func TestPullFailureDegradesToNone(t *testing.T) {
	b := newFakeBackend(chatID, "seller", "buyer")
	b.put(pendingMilestone("m1", chatID, "seller"))
	b.failList = true
	r, _ := newReconciler(t, b)

	if err := r.Open(context.Background(), chatID); err == nil {
		t.Fatal("expected pull error to be reported")
	}
	if _, ok := r.Current(); ok {
		t.Fatal("milestone present after failed pull")
	}
}

func TestPointerOutsideListIsNone(t *testing.T) {
	b := newFakeBackend(chatID, "seller", "buyer")
	b.put(pendingMilestone("m1", chatID, "seller"))
	b.conv.ActiveMilestone = "gone"
	r, _ := newReconciler(t, b)

	_ = r.Open(context.Background(), chatID)
	if _, ok := r.Current(); ok {
		t.Fatal("resolved a milestone the pointer does not name")
	}
	if len(r.Milestones()) != 1 {
		t.Fatal("list not kept")
	}
}

// 整体替换：最后一次服务端确认的对象胜出，不做字段合并
func TestLastServerConfirmedObjectWins(t *testing.T) {
	b := newFakeBackend(chatID, "seller", "buyer")
	m := pendingMilestone("m1", chatID, "seller")
	m.Description = "first draft"
	b.put(m)
	r, _ := newReconciler(t, b)
	_ = r.Open(context.Background(), chatID)

	pushed := m
	pushed.Status = model.StatusInProgress
	pushed.Description = ""
	if !r.ApplyEvent(chatID, events.MilestonePayload{ChatID: chatID, Milestone: &pushed}) {
		t.Fatal("push not applied")
	}

	got, _ := r.Current()
	if got.Status != model.StatusInProgress || got.Description != "" {
		t.Fatalf("got hybrid %+v", got)
	}

	captured := pushed
	captured.BuyerPaid = true
	captured.Title = "Logo design v2"
	r.Replace(chatID, &captured)
	got, _ = r.Current()
	if *got != captured {
		t.Fatalf("current = %+v, want %+v", got, captured)
	}
}

func TestApplySequencesAlwaysEndOnLastObject(t *testing.T) {
	base := pendingMilestone("m1", chatID, "seller")
	variants := []model.Milestone{base, base, base, base}
	variants[1].Status = model.StatusInProgress
	variants[2].Status = model.StatusInProgress
	variants[2].BuyerPaid = true
	variants[3].Status = model.StatusCompleted
	variants[3].Price = decimal.NewFromInt(120)

	// 每种顺序都应以最后一次写入为准
	orders := [][]int{{0, 1, 2, 3}, {3, 2, 1, 0}, {1, 3, 0, 2}, {2, 0, 3, 1}}
	for _, order := range orders {
		b := newFakeBackend(chatID, "seller", "buyer")
		r, _ := newReconciler(t, b)
		_ = r.Open(context.Background(), chatID)

		for _, i := range order {
			v := variants[i]
			r.Replace(chatID, &v)
		}
		last := variants[order[len(order)-1]]
		got, ok := r.Current()
		if !ok || !got.Price.Equal(last.Price) || got.Status != last.Status || got.BuyerPaid != last.BuyerPaid {
			t.Fatalf("order %v: current = %+v, want %+v", order, got, last)
		}
	}
}

func TestForeignConversationEventsDropped(t *testing.T) {
	b := newFakeBackend(chatID, "seller", "buyer")
	r, _ := newReconciler(t, b)
	_ = r.Open(context.Background(), chatID)

	other := pendingMilestone("m9", "c2", "seller")
	if r.ApplyEvent(chatID, events.MilestonePayload{ChatID: "c2", Milestone: &other}) {
		t.Fatal("applied event scoped to another conversation")
	}
	if r.Replace(chatID, &other) {
		t.Fatal("applied milestone belonging to another conversation")
	}
	if _, ok := r.Current(); ok {
		t.Fatal("state changed")
	}
}

func TestStaleAfterConversationSwitch(t *testing.T) {
	b := newFakeBackend(chatID, "seller", "buyer")
	b.put(pendingMilestone("m1", chatID, "seller"))
	r, _ := newReconciler(t, b)
	_ = r.Open(context.Background(), chatID)
	_ = r.Open(context.Background(), "c2")

	m := pendingMilestone("m1", chatID, "seller")
	if r.Replace(chatID, &m) {
		t.Fatal("late update for closed conversation applied")
	}
	if _, err := r.Agree(context.Background(), chatID, buyer); !errors.Is(err, ErrStale) {
		t.Fatalf("Agree on closed conversation: %v", err)
	}
}

func TestSecondMilestoneDoesNotDisplaceActiveOne(t *testing.T) {
	b := newFakeBackend(chatID, "seller", "buyer")
	b.put(pendingMilestone("m1", chatID, "seller"))
	r, _ := newReconciler(t, b)
	_ = r.Open(context.Background(), chatID)

	next := pendingMilestone("m2", chatID, "seller")
	if r.Replace(chatID, &next) {
		t.Fatal("m2 displaced the active m1")
	}
	if got, _ := r.Current(); got.ID != "m1" {
		t.Fatalf("active = %s", got.ID)
	}
	if _, ok := r.Find(chatID, "m2"); !ok {
		t.Fatal("m2 not kept in list")
	}

	settled := pendingMilestone("m1", chatID, "seller")
	settled.Status = model.StatusCompleted
	settled.PaidToSeller = true
	r.Replace(chatID, &settled)
	if !r.Replace(chatID, &next) {
		t.Fatal("m2 should take over once m1 is settled")
	}
}

func TestFailedAgreeLeavesStateUnchanged(t *testing.T) {
	b := newFakeBackend(chatID, "seller", "buyer")
	b.put(pendingMilestone("m1", chatID, "seller"))
	b.failAgree = true
	r, pub := newReconciler(t, b)
	_ = r.Open(context.Background(), chatID)

	_, err := r.Agree(context.Background(), chatID, buyer)
	var ae *ActionError
	if !errors.As(err, &ae) || !errors.Is(err, errBackend) {
		t.Fatalf("err = %v", err)
	}
	got, _ := r.Current()
	if got.Status != model.StatusPending || got.BuyerPaid {
		t.Fatalf("state changed after failed agree: %+v", got)
	}
	if len(pub.types()) != 0 {
		t.Fatalf("broadcast after failure: %v", pub.types())
	}
}

func TestActionsAreRoleGatedWithoutNetwork(t *testing.T) {
	b := newFakeBackend(chatID, "seller", "buyer")
	b.put(pendingMilestone("m1", chatID, "seller"))
	r, _ := newReconciler(t, b)
	_ = r.Open(context.Background(), chatID)
	before := len(b.calls)

	if _, err := r.Agree(context.Background(), chatID, seller); !errors.Is(err, ErrActionNotAllowed) {
		t.Fatalf("creator agree: %v", err)
	}
	if _, err := r.MarkCompleted(context.Background(), chatID, seller); !errors.Is(err, ErrActionNotAllowed) {
		t.Fatalf("complete while pending: %v", err)
	}
	if _, err := r.Release(context.Background(), chatID, buyer); !errors.Is(err, ErrActionNotAllowed) {
		t.Fatalf("release while pending: %v", err)
	}
	if len(b.calls) != before {
		t.Fatalf("network calls made: %v", b.calls[before:])
	}
}

func TestNoActiveMilestoneAction(t *testing.T) {
	b := newFakeBackend(chatID, "seller", "buyer")
	r, _ := newReconciler(t, b)
	_ = r.Open(context.Background(), chatID)
	if _, err := r.Fund(context.Background(), chatID, buyer); !errors.Is(err, ErrNoActiveMilestone) {
		t.Fatalf("err = %v", err)
	}
}

func TestCaptureWithoutIDsIsNoop(t *testing.T) {
	b := newFakeBackend(chatID, "seller", "buyer")
	r, _ := newReconciler(t, b)
	_ = r.Open(context.Background(), chatID)

	if _, err := r.Capture(context.Background(), chatID, "", "ord"); !errors.Is(err, ErrNothingToCapture) {
		t.Fatalf("err = %v", err)
	}
	if _, err := r.Capture(context.Background(), chatID, "m1", ""); !errors.Is(err, ErrNothingToCapture) {
		t.Fatalf("err = %v", err)
	}
	if b.captureCalls != 0 {
		t.Fatal("capture reached the backend")
	}
}

func TestCreateValidatesDraft(t *testing.T) {
	b := newFakeBackend(chatID, "seller", "buyer")
	r, _ := newReconciler(t, b)
	_ = r.Open(context.Background(), chatID)

	drafts := []model.MilestoneDraft{
		{Title: " ", Price: decimal.NewFromInt(1), DueDate: time.Now()},
		{Title: "x", Price: decimal.Zero, DueDate: time.Now()},
		{Title: "x", Price: decimal.NewFromInt(-5), DueDate: time.Now()},
		{Title: "x", Price: decimal.NewFromInt(1)},
	}
	for _, d := range drafts {
		if _, err := r.Create(context.Background(), chatID, d); !errors.Is(err, ErrInvalidDraft) {
			t.Errorf("Create(%+v) = %v", d, err)
		}
	}
	if len(b.calls) != 1 { // 只有 Open 的 list
		t.Fatalf("calls = %v", b.calls)
	}
}

// 完整生命周期：提议 → 同意 → 托管付款 → 交付 → 放款
func TestFullLifecycle(t *testing.T) {
	ctx := context.Background()
	b := newFakeBackend(chatID, "seller", "buyer")
	sellerSide, pub := newReconciler(t, b)
	_ = sellerSide.Open(ctx, chatID)

	created, err := sellerSide.Create(ctx, chatID, model.MilestoneDraft{
		Title:   "Logo design",
		Price:   decimal.NewFromInt(100),
		DueDate: time.Now().Add(5 * 24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.Status != model.StatusPending {
		t.Fatalf("status = %s", created.Status)
	}

	buyerSide, _ := newReconciler(t, b)
	_ = buyerSide.Open(ctx, chatID)
	v, ok := buyerSide.View(buyer)
	if !ok || !v.Can(ActionAgree) || v.TimeLeft != 5 {
		t.Fatalf("buyer view = %+v", v)
	}

	redirect, err := buyerSide.Agree(ctx, chatID, buyer)
	if err != nil {
		t.Fatalf("Agree: %v", err)
	}
	if redirect == "" {
		t.Fatal("no payment redirect")
	}
	if got, _ := buyerSide.Current(); got.Status != model.StatusInProgress || got.BuyerPaid {
		t.Fatalf("after agree: %+v", got)
	}

	captured, err := buyerSide.Capture(ctx, chatID, created.ID, "ord-"+created.ID)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if captured.Status != model.StatusInProgress || !captured.BuyerPaid {
		t.Fatalf("after capture: %+v", captured)
	}

	// 卖方通过推送看到付款
	sellerSide.ApplyEvent(chatID, events.MilestonePayload{ChatID: chatID, Milestone: captured})
	v, _ = sellerSide.View(seller)
	if v.Phase != model.PhaseFunded || !v.Can(ActionMarkCompleted) {
		t.Fatalf("seller view = %+v", v)
	}

	done, err := sellerSide.MarkCompleted(ctx, chatID, seller)
	if err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	if done.Status != model.StatusCompleted || done.PaidToSeller {
		t.Fatalf("after complete: %+v", done)
	}

	buyerSide.ApplyEvent(chatID, events.MilestonePayload{ChatID: chatID, Milestone: done})
	paid, err := buyerSide.Release(ctx, chatID, buyer)
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if !paid.PaidToSeller {
		t.Fatalf("after release: %+v", paid)
	}
	v, _ = buyerSide.View(buyer)
	if v.Phase != model.PhaseSettled || len(v.Actions) != 0 {
		t.Fatalf("terminal view = %+v", v)
	}

	if types := pub.types(); len(types) == 0 || types[0] != events.EventMilestoneCreated {
		t.Fatalf("seller broadcasts = %v", types)
	}
}

func TestSubscribeNotifiesOnChange(t *testing.T) {
	b := newFakeBackend(chatID, "seller", "buyer")
	r, _ := newReconciler(t, b)
	_ = r.Open(context.Background(), chatID)

	n := 0
	r.Subscribe(func() { n++ })
	m := pendingMilestone("m1", chatID, "seller")
	r.Replace(chatID, &m)
	if n != 1 {
		t.Fatalf("notified %d times", n)
	}
	r.Close()
	if r.ConversationID() != "" {
		t.Fatal("still scoped after Close")
	}
}
