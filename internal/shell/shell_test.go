package shell

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"escrowchat/internal/milestone"
	"escrowchat/internal/model"
	"escrowchat/internal/payment"

	"github.com/shopspring/decimal"
)

func TestParseDraft(t *testing.T) {
	d, err := ParseDraft("Logo | $150.50 | 2030-01-15 | three concepts | two revisions")
	if err != nil {
		t.Fatalf("ParseDraft: %v", err)
	}
	if d.Title != "Logo" || !d.Price.Equal(decimal.RequireFromString("150.50")) {
		t.Fatalf("draft = %+v", d)
	}
	if d.DueDate.Year() != 2030 || d.DueDate.Day() != 15 {
		t.Fatalf("due = %v", d.DueDate)
	}
	if d.Description != "three concepts | two revisions" {
		t.Fatalf("description = %q", d.Description)
	}

	for _, bad := range []string{"Logo", "Logo | abc | 2030-01-15", "Logo | 10 | tomorrow"} {
		if _, err := ParseDraft(bad); err == nil {
			t.Errorf("ParseDraft(%q) accepted", bad)
		}
	}
}

func TestRenderCard(t *testing.T) {
	var buf bytes.Buffer
	r := NewRenderer(&buf)
	m := model.Milestone{
		ID:        "m1",
		Title:     "Logo",
		Price:     decimal.NewFromInt(100),
		DueDate:   time.Now().Add(60 * time.Hour),
		CreatedBy: model.UserRef{User: model.User{ID: "seller"}},
		Status:    model.StatusInProgress,
	}
	v, _ := milestone.NewView(&m, model.User{ID: "buyer"}, time.Now())
	r.Card(v)

	out := buf.String()
	for _, want := range []string{"Logo", "$100.00", "3 days left", "waiting for buyer to fund", "buyer", "/fund"} {
		if !strings.Contains(out, want) {
			t.Errorf("card missing %q:\n%s", want, out)
		}
	}
}

func TestRenderErrorMessages(t *testing.T) {
	var buf bytes.Buffer
	r := NewRenderer(&buf)

	r.Error(milestone.ErrActionNotAllowed, false)
	r.Error(&milestone.ActionError{Action: milestone.ActionRelease, Err: errors.New("boom")}, true)
	r.Error(errors.New("boom"), false)

	out := buf.String()
	for _, want := range []string{"isn't available", msgContactSupport, msgTryAgain} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRenderPaymentResult(t *testing.T) {
	var buf bytes.Buffer
	r := NewRenderer(&buf)
	r.PaymentResult(payment.Result{Status: payment.StatusFailed, Message: "no match"})
	if !strings.Contains(buf.String(), "Payment failed: no match") {
		t.Fatalf("output = %q", buf.String())
	}
}
