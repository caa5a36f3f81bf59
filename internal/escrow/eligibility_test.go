package escrow

import (
	"testing"
	"time"
)

func TestIsAutoReleaseEligible(t *testing.T) {
	confirmed := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	window := 72 * time.Hour

	tests := []struct {
		name   string
		status Status
		at     *time.Time
		now    time.Time
		want   bool
	}{
		{"seller confirmed, 2 days", StatusSellerConfirmed, &confirmed, confirmed.Add(48 * time.Hour), false},
		{"seller confirmed, exactly 3 days", StatusSellerConfirmed, &confirmed, confirmed.Add(72 * time.Hour), true},
		{"seller confirmed, 4 days", StatusSellerConfirmed, &confirmed, confirmed.Add(96 * time.Hour), true},
		{"buyer confirmed, 3 days", StatusBuyerConfirmed, &confirmed, confirmed.Add(72 * time.Hour), true},
		{"held", StatusHeld, nil, confirmed.Add(720 * time.Hour), false},
		{"disputed after confirmation", StatusDisputed, &confirmed, confirmed.Add(720 * time.Hour), false},
		{"released", StatusReleased, &confirmed, confirmed.Add(720 * time.Hour), false},
		{"refunded", StatusRefunded, &confirmed, confirmed.Add(720 * time.Hour), false},
		{"confirmed status without timestamp", StatusSellerConfirmed, nil, confirmed.Add(720 * time.Hour), false},
		{"clock before confirmation", StatusSellerConfirmed, &confirmed, confirmed.Add(-time.Hour), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := &Order{ID: "ord_1", EscrowStatus: tt.status, SellerConfirmedAt: tt.at}
			if got := IsAutoReleaseEligible(o, tt.now, window); got != tt.want {
				t.Errorf("IsAutoReleaseEligible = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEligibility_DoesNotMutate(t *testing.T) {
	confirmed := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	o := &Order{ID: "ord_1", EscrowStatus: StatusSellerConfirmed, SellerConfirmedAt: &confirmed, Version: 2}
	before := *o

	e := Eligibility{Window: time.Hour}
	for i := 0; i < 5; i++ {
		if !e.IsAutoReleaseEligible(o, confirmed.Add(2*time.Hour)) {
			t.Fatal("expected eligible")
		}
	}
	if o.EscrowStatus != before.EscrowStatus || o.Version != before.Version || o.EscrowReleasedAt != nil {
		t.Errorf("order mutated: %+v", o)
	}
}

func TestEligibility_DefaultWindow(t *testing.T) {
	confirmed := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	o := &Order{EscrowStatus: StatusSellerConfirmed, SellerConfirmedAt: &confirmed}

	var e Eligibility
	at := e.EligibleAt(o)
	if at == nil || !at.Equal(confirmed.Add(DefaultAutoReleaseWindow)) {
		t.Errorf("EligibleAt = %v, want confirmation + 72h", at)
	}

	report := e.Report(o, confirmed.Add(71*time.Hour))
	if report.Eligible {
		t.Error("expected not yet eligible")
	}
	if report.Window != DefaultAutoReleaseWindow {
		t.Errorf("Window = %v", report.Window)
	}
}

func TestEligibility_EligibleAtNilWhenNotAwaiting(t *testing.T) {
	e := Eligibility{Window: time.Hour}
	if at := e.EligibleAt(&Order{EscrowStatus: StatusHeld}); at != nil {
		t.Errorf("EligibleAt = %v, want nil", at)
	}
}
