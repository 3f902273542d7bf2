package model

import (
	"testing"
	"time"
)

func TestTierFor(t *testing.T) {
	cases := []struct {
		name    string
		average int64 // scaled x100
		count   int64
		want    Tier
	}{
		{"no feedback", 0, 0, TierNew},
		{"high average too few reviews", 500, 4, TierNew},
		{"bronze floor", 300, 5, TierBronze},
		{"below bronze average", 299, 50, TierNew},
		{"silver floor", 350, 20, TierSilver},
		{"gold floor", 400, 50, TierGold},
		{"platinum floor", 450, 100, TierPlatinum},
		// Both thresholds must hold: a 4.60 average with 60 reviews is
		// Gold, not Platinum.
		{"platinum average gold count", 460, 60, TierGold},
		{"platinum average platinum count", 460, 150, TierPlatinum},
		{"gold average silver count", 420, 30, TierSilver},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := ReputationScore{
				AverageRating: tc.average,
				FeedbackCount: tc.count,
				TotalRating:   tc.average * tc.count / RatingScale,
			}
			if got := TierFor(s); got != tc.want {
				t.Errorf("TierFor(avg=%d, count=%d) = %s, want %s", tc.average, tc.count, got, tc.want)
			}
		})
	}
}

func TestParseValidationType(t *testing.T) {
	for _, valid := range []string{"tee", "zk-proof", "staked-inference", "manual-review", "automated-test", "third-party-audit"} {
		if _, err := ParseValidationType(valid); err != nil {
			t.Errorf("ParseValidationType(%q) unexpectedly failed: %v", valid, err)
		}
	}
	for _, invalid := range []string{"", "TEE", "tee ", "blockchain"} {
		if _, err := ParseValidationType(invalid); err == nil {
			t.Errorf("ParseValidationType(%q) unexpectedly succeeded", invalid)
		}
	}
}

func TestValidationActive(t *testing.T) {
	now := time.Now()

	never := Validation{}
	if !never.Active(now) {
		t.Error("validation without expiry should never expire")
	}

	live := Validation{ExpiresAt: now.Add(time.Hour)}
	if !live.Active(now) {
		t.Error("validation expiring in an hour should be active")
	}

	expired := Validation{ExpiresAt: now.Add(-time.Hour)}
	if expired.Active(now) {
		t.Error("validation past expiry should be inactive")
	}
}
