package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestTrackerConfig_MatchGroup_FirstEnabledContainingPrice(t *testing.T) {
	cfg := &TrackerConfig{
		Groups: []TrackerGroup{
			{GroupID: "disabled-match", MinPrice: d("0"), MaxPrice: d("1000"), Enabled: false},
			{GroupID: "low", MinPrice: d("0"), MaxPrice: d("100"), Enabled: true},
			{GroupID: "high", MinPrice: d("100"), MaxPrice: d("1000"), Enabled: true},
		},
	}

	g := cfg.MatchGroup(d("50"))
	require.NotNil(t, g)
	require.Equal(t, "low", g.GroupID, "a disabled group must never match even if its range contains the price")

	g = cfg.MatchGroup(d("500"))
	require.NotNil(t, g)
	require.Equal(t, "high", g.GroupID)
}

// B3 — a price outside every enabled group's range matches nothing.
func TestTrackerConfig_MatchGroup_NoneContains_ReturnsNil(t *testing.T) {
	cfg := &TrackerConfig{
		Groups: []TrackerGroup{
			{GroupID: "g", MinPrice: d("1000"), MaxPrice: d("2000"), Enabled: true},
		},
	}
	require.Nil(t, cfg.MatchGroup(d("1")))
}

func TestTrackerConfig_Validate_RejectsOverlappingGroups(t *testing.T) {
	cfg := &TrackerConfig{
		Groups: []TrackerGroup{
			{GroupID: "a", MinPrice: d("0"), MaxPrice: d("100"), Enabled: true},
			{GroupID: "b", MinPrice: d("50"), MaxPrice: d("150"), Enabled: true},
		},
	}
	require.Error(t, cfg.Validate())
}

func TestTrackerConfig_Validate_RejectsNonMonotonicStop(t *testing.T) {
	cfg := &TrackerConfig{
		Groups: []TrackerGroup{
			{
				GroupID: "a", MinPrice: d("0"), MaxPrice: d("100"), Enabled: true,
				Steps: []TrackerStep{
					{Pnl: d("50"), Stop: d("0.10")},
					{Pnl: d("100"), Stop: d("0.05")}, // decreases: invalid
				},
			},
		},
	}
	require.Error(t, cfg.Validate())
}

func TestTrackerConfig_Validate_AcceptsValidConfig(t *testing.T) {
	cfg := &TrackerConfig{
		Groups: []TrackerGroup{
			{
				GroupID: "a", MinPrice: d("0"), MaxPrice: d("100"), Enabled: true,
				InitialStopPriceOffset: d("-0.20"),
				Steps: []TrackerStep{
					{Pnl: d("50"), Stop: d("0.00")},
					{Pnl: d("100"), Stop: d("0.10")},
				},
			},
			{GroupID: "b", MinPrice: d("100.01"), MaxPrice: d("200"), Enabled: true},
		},
	}
	require.NoError(t, cfg.Validate())
}
