package escrow

import "time"

// DefaultAutoReleaseWindow is how long after seller confirmation an order
// becomes release-ready.
const DefaultAutoReleaseWindow = 72 * time.Hour

// Eligibility decides whether an order is ready for release. It reads only
// the order and the supplied time; it never touches a store or the clock.
type Eligibility struct {
	Window time.Duration
}

// IsAutoReleaseEligible reports whether the order is confirmed by the seller
// (and possibly the buyer) and the confirmation is at least Window old.
func (e Eligibility) IsAutoReleaseEligible(o *Order, now time.Time) bool {
	return IsAutoReleaseEligible(o, now, e.window())
}

// EligibleAt returns the instant the order becomes eligible, or nil if it
// never will in its current state.
func (e Eligibility) EligibleAt(o *Order) *time.Time {
	if !awaitingRelease(o) {
		return nil
	}
	t := o.SellerConfirmedAt.Add(e.window())
	return &t
}

func (e Eligibility) window() time.Duration {
	if e.Window <= 0 {
		return DefaultAutoReleaseWindow
	}
	return e.Window
}

// IsAutoReleaseEligible is the pure predicate behind Eligibility.
func IsAutoReleaseEligible(o *Order, now time.Time, window time.Duration) bool {
	if !awaitingRelease(o) {
		return false
	}
	return now.Sub(*o.SellerConfirmedAt) >= window
}

func awaitingRelease(o *Order) bool {
	if o == nil || o.SellerConfirmedAt == nil {
		return false
	}
	return o.EscrowStatus == StatusSellerConfirmed || o.EscrowStatus == StatusBuyerConfirmed
}

// EligibilityReport is the eligibility view returned to callers.
type EligibilityReport struct {
	OrderID    string        `json:"orderId"`
	Eligible   bool          `json:"eligible"`
	EligibleAt *time.Time    `json:"eligibleAt,omitempty"`
	Window     time.Duration `json:"windowNanos"`
	Status     Status        `json:"escrowStatus"`
}

// Report evaluates o at now.
func (e Eligibility) Report(o *Order, now time.Time) EligibilityReport {
	return EligibilityReport{
		OrderID:    o.ID,
		Eligible:   e.IsAutoReleaseEligible(o, now),
		EligibleAt: e.EligibleAt(o),
		Window:     e.window(),
		Status:     o.EscrowStatus,
	}
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
