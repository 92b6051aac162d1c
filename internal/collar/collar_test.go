package collar

import (
	"testing"

	"github.com/shopspring/decimal"
)

// d is a test helper for creating decimals from int64.
func d(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

func terms(start, taker, provider int64, putBPS, callBPS int64) Terms {
	return Terms{
		StartPrice:     d(start),
		PutStrikeBPS:   putBPS,
		CallStrikeBPS:  callBPS,
		TakerLocked:    d(taker),
		ProviderLocked: d(provider),
	}
}

func TestProviderLockedFor(t *testing.T) {
	got := ProviderLockedFor(d(300), 11000)
	if !got.Equal(d(30)) {
		t.Errorf("expected 30, got %s", got)
	}
}

func TestSettle_DownMove(t *testing.T) {
	// start=1000 put=900 call=1100, taker=300 provider=30, end=950:
	// lpPart=50 putRange=100, providerGain=min(300, 150)=150.
	p, err := terms(1000, 300, 30, 9000, 11000).Settle(d(950))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.TakerPayout.Equal(d(150)) || !p.ProviderPayout.Equal(d(180)) {
		t.Errorf("expected 150/180, got %s/%s", p.TakerPayout, p.ProviderPayout)
	}
}

func TestSettle_UpMove(t *testing.T) {
	// end=1050: userPart=50 callRange=100, userGain=min(30, 15)=15.
	p, err := terms(1000, 300, 30, 9000, 11000).Settle(d(1050))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.TakerPayout.Equal(d(315)) || !p.ProviderPayout.Equal(d(15)) {
		t.Errorf("expected 315/15, got %s/%s", p.TakerPayout, p.ProviderPayout)
	}
}

func TestSettle_UnchangedPrice(t *testing.T) {
	p, err := terms(1000, 300, 30, 9000, 11000).Settle(d(1000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.TakerPayout.Equal(d(300)) || !p.ProviderPayout.Equal(d(30)) {
		t.Errorf("expected 300/30, got %s/%s", p.TakerPayout, p.ProviderPayout)
	}
}

func TestSettle_ClampsAtPutStrike(t *testing.T) {
	tm := terms(1000, 300, 30, 9000, 11000)
	for _, end := range []int64{900, 850, 500, 1} {
		p, err := tm.Settle(d(end))
		if err != nil {
			t.Fatalf("end=%d: unexpected error: %v", end, err)
		}
		if !p.TakerPayout.IsZero() {
			t.Errorf("end=%d: taker payout should clamp to 0, got %s", end, p.TakerPayout)
		}
		if !p.ProviderPayout.Equal(d(330)) {
			t.Errorf("end=%d: provider should receive full 330, got %s", end, p.ProviderPayout)
		}
	}
}

func TestSettle_ClampsAtCallStrike(t *testing.T) {
	tm := terms(1000, 300, 30, 9000, 11000)
	for _, end := range []int64{1100, 1200, 5000} {
		p, err := tm.Settle(d(end))
		if err != nil {
			t.Fatalf("end=%d: unexpected error: %v", end, err)
		}
		if !p.ProviderPayout.IsZero() {
			t.Errorf("end=%d: provider payout should clamp to 0, got %s", end, p.ProviderPayout)
		}
		if !p.TakerPayout.Equal(d(330)) {
			t.Errorf("end=%d: taker should receive full 330, got %s", end, p.TakerPayout)
		}
	}
}

func TestSettle_ConservationSweep(t *testing.T) {
	tm := terms(1000, 300, 30, 9000, 11000)
	total := d(330)
	for end := int64(1); end <= 2000; end += 7 {
		p, err := tm.Settle(d(end))
		if err != nil {
			t.Fatalf("end=%d: unexpected error: %v", end, err)
		}
		if !p.TakerPayout.Add(p.ProviderPayout).Equal(total) {
			t.Fatalf("end=%d: conservation broken: %s + %s != %s",
				end, p.TakerPayout, p.ProviderPayout, total)
		}
		if !tm.Conserved(p) {
			t.Fatalf("end=%d: Conserved() disagrees with direct sum", end)
		}
	}
}

func TestSettle_ConservationWithTruncation(t *testing.T) {
	// putRange=100 does not divide 777*lpPart evenly for most end prices, so
	// this exercises the floored-gain path.
	tm := terms(1000, 777, 77, 9000, 11000)
	total := d(854)
	for end := int64(890); end <= 1110; end++ {
		p, err := tm.Settle(d(end))
		if err != nil {
			t.Fatalf("end=%d: unexpected error: %v", end, err)
		}
		if !p.TakerPayout.Add(p.ProviderPayout).Equal(total) {
			t.Fatalf("end=%d: conservation broken: %s + %s", end, p.TakerPayout, p.ProviderPayout)
		}
	}
}

func TestSettle_Monotonicity(t *testing.T) {
	tm := terms(1000, 300, 30, 9000, 11000)
	prevTaker := decimal.NewFromInt(-1)
	prevProvider := d(331)
	for end := int64(800); end <= 1200; end++ {
		p, err := tm.Settle(d(end))
		if err != nil {
			t.Fatalf("end=%d: unexpected error: %v", end, err)
		}
		if p.TakerPayout.LessThan(prevTaker) {
			t.Fatalf("end=%d: taker payout decreased: %s < %s", end, p.TakerPayout, prevTaker)
		}
		if p.ProviderPayout.GreaterThan(prevProvider) {
			t.Fatalf("end=%d: provider payout increased: %s > %s", end, p.ProviderPayout, prevProvider)
		}
		prevTaker = p.TakerPayout
		prevProvider = p.ProviderPayout
	}
}

func TestSettle_GainRoundsDown(t *testing.T) {
	// taker=100, putRange=100, end=999 -> lpPart=1, gain=floor(100*1/100)=1.
	// end=9995/10 is not representable with integer prices here, so use a
	// wider position: taker=999, end=999 -> gain=floor(999/100)=9.
	p, err := terms(1000, 999, 99, 9000, 11000).Settle(d(999))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.TakerPayout.Equal(d(990)) || !p.ProviderPayout.Equal(d(108)) {
		t.Errorf("expected 990/108, got %s/%s", p.TakerPayout, p.ProviderPayout)
	}
}

func TestValidate_RejectsBadStrikes(t *testing.T) {
	tests := []struct {
		name    string
		putBPS  int64
		callBPS int64
	}{
		{"put at par", 10000, 11000},
		{"put above par", 10500, 11000},
		{"put zero", 0, 11000},
		{"call at par", 9000, 10000},
		{"call below par", 9000, 9500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := terms(1000, 300, 30, tt.putBPS, tt.callBPS).Validate()
			if err != ErrStrikeBounds {
				t.Errorf("expected ErrStrikeBounds, got %v", err)
			}
		})
	}
}

func TestSettle_RejectsZeroEndPrice(t *testing.T) {
	_, err := terms(1000, 300, 30, 9000, 11000).Settle(d(0))
	if err != ErrBadInput {
		t.Errorf("expected ErrBadInput, got %v", err)
	}
}

func TestValidate_RejectsCollapsedRange(t *testing.T) {
	// A tiny start price floors both strikes onto the start price.
	err := Terms{
		StartPrice:     d(1),
		PutStrikeBPS:   9999,
		CallStrikeBPS:  10001,
		TakerLocked:    d(100),
		ProviderLocked: d(1),
	}.Validate()
	if err != ErrZeroRange {
		t.Errorf("expected ErrZeroRange, got %v", err)
	}
}
