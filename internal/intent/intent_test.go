package intent

import (
	"testing"
	"time"
)

func day(hour, minute int) time.Time {
	return time.Date(2025, 6, 10, hour, minute, 0, 0, time.Local)
}

func TestTransition_ForwardOnly(t *testing.T) {
	it, err := New("EURUSD", DirectionBuy, day(9, 0), day(17, 0), 0)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	if err := it.Transition(StatusEntered); err != nil {
		t.Fatalf("PENDING→ENTERED should be allowed: %v", err)
	}
	if err := it.Transition(StatusClosed); err != nil {
		t.Fatalf("ENTERED→CLOSED should be allowed: %v", err)
	}
	if err := it.Transition(StatusEntered); err == nil {
		t.Errorf("terminal state must reject transitions")
	}
	if it.Status != StatusClosed {
		t.Errorf("status mutated after rejected transition: %s", it.Status)
	}
}

func TestTransition_NoSkippingEntered(t *testing.T) {
	it, _ := New("EURUSD", DirectionBuy, day(9, 0), day(17, 0), 0)
	if err := it.Transition(StatusClosed); err == nil {
		t.Fatalf("PENDING→CLOSED must be rejected")
	}
	if it.Status != StatusPending {
		t.Errorf("status should stay PENDING, got %s", it.Status)
	}
}

func TestTransition_EnteredCannotSkip(t *testing.T) {
	it, _ := New("EURUSD", DirectionSell, day(9, 0), day(17, 0), 0)
	if err := it.Transition(StatusEntered); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := it.Transition(StatusSkipped); err == nil {
		t.Fatalf("ENTERED→SKIPPED must be rejected")
	}
}

func TestDeriveID_Deterministic(t *testing.T) {
	a := DeriveID(day(9, 0), "EUR_USD", DirectionBuy)
	b := DeriveID(day(9, 0), "eurusd", DirectionBuy)
	if a != b {
		t.Errorf("ID must be stable across instrument spellings: %s vs %s", a, b)
	}
	if a != "20250610-0900-EURUSD-BUY" {
		t.Errorf("unexpected ID format: %s", a)
	}

	c := DeriveID(day(9, 0), "EURUSD", DirectionSell)
	if a == c {
		t.Errorf("direction must participate in the ID")
	}
}

func TestNew_NextDayClose(t *testing.T) {
	it, err := New("USDJPY", DirectionSell, day(22, 0), day(6, 0), 0)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if !it.CloseAt.After(it.EntryAt) {
		t.Fatalf("closeAt must be after entryAt, got entry=%v close=%v", it.EntryAt, it.CloseAt)
	}
	if it.CloseAt.Day() != 11 {
		t.Errorf("close should roll to next day, got %v", it.CloseAt)
	}
}

func TestParseDirection(t *testing.T) {
	cases := map[string]Direction{
		"BUY":  DirectionBuy,
		"long": DirectionBuy,
		"L":    DirectionBuy,
		"買い":   DirectionBuy,
		"SELL": DirectionSell,
		"s":    DirectionSell,
		"売り":   DirectionSell,
	}
	for raw, want := range cases {
		got, err := ParseDirection(raw)
		if err != nil {
			t.Errorf("ParseDirection(%q) returned error: %v", raw, err)
			continue
		}
		if got != want {
			t.Errorf("ParseDirection(%q) = %s, want %s", raw, got, want)
		}
	}

	if _, err := ParseDirection("HOLD"); err == nil {
		t.Errorf("unknown direction must be rejected")
	}
}
