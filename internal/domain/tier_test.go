package domain

import (
	"math"
	"testing"
	"time"
)

func TestNewEntryTable_Validation(t *testing.T) {
	tests := []struct {
		name        string
		tiers       []Tier
		expectError bool
	}{
		{
			name: "valid ascending ladder",
			tiers: []Tier{
				{Trigger: 10, Recover: 20, Immediate: true},
				{Trigger: 20, Recover: 25, Immediate: true},
				{Trigger: 25, Recover: 30, Immediate: true},
			},
			expectError: false,
		},
		{
			name: "unsorted input is accepted and reordered",
			tiers: []Tier{
				{Trigger: 25, Recover: 30},
				{Trigger: 10, Recover: 20},
				{Trigger: 20, Recover: 25},
			},
			expectError: false,
		},
		{
			name:        "empty table",
			tiers:       nil,
			expectError: true,
		},
		{
			name: "trigger above recover",
			tiers: []Tier{
				{Trigger: 30, Recover: 25},
			},
			expectError: true,
		},
		{
			name: "duplicate trigger",
			tiers: []Tier{
				{Trigger: 20, Recover: 25},
				{Trigger: 20, Recover: 30},
			},
			expectError: true,
		},
		{
			name: "non-finite bound",
			tiers: []Tier{
				{Trigger: math.NaN(), Recover: 25},
			},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table, err := NewEntryTable(tt.tiers)
			if tt.expectError {
				if err == nil {
					t.Error("Expected error but got none")
				}
				return
			}
			if err != nil {
				t.Errorf("Unexpected error: %v", err)
				return
			}
			for i := 1; i < table.Len(); i++ {
				if table.At(i-1).Trigger >= table.At(i).Trigger {
					t.Errorf("Table not strictly ascending at index %d", i)
				}
			}
		})
	}
}

func TestNewExitTable_Validation(t *testing.T) {
	tests := []struct {
		name        string
		tiers       []Tier
		expectError bool
	}{
		{
			name: "valid ladder",
			tiers: []Tier{
				{Trigger: 0.12, Recover: 0.07, Immediate: true},
				{Trigger: 0.20, Recover: 0.12, Immediate: true},
			},
			expectError: false,
		},
		{
			name: "stop at or above trigger",
			tiers: []Tier{
				{Trigger: 0.12, Recover: 0.12},
			},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewExitTable(tt.tiers)
			if tt.expectError && err == nil {
				t.Error("Expected error but got none")
			}
			if !tt.expectError && err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

func TestTierTable_ForWatermark(t *testing.T) {
	table, err := NewEntryTable([]Tier{
		{Trigger: 10, Recover: 20},
		{Trigger: 20, Recover: 25},
		{Trigger: 25, Recover: 30},
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	tests := []struct {
		name        string
		watermark   float64
		wantTrigger float64
		wantOK      bool
	}{
		{name: "above every trigger stays unarmed", watermark: 26, wantOK: false},
		{name: "exactly at the highest trigger", watermark: 25, wantTrigger: 25, wantOK: true},
		{name: "inside a middle band", watermark: 22, wantTrigger: 20, wantOK: true},
		{name: "inside the lowest band", watermark: 12, wantTrigger: 10, wantOK: true},
		{name: "below every trigger falls back to the lowest row", watermark: 4, wantTrigger: 10, wantOK: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tier, ok := table.ForWatermark(tt.watermark)
			if ok != tt.wantOK {
				t.Fatalf("ForWatermark(%v) ok = %v, want %v", tt.watermark, ok, tt.wantOK)
			}
			if ok && tier.Trigger != tt.wantTrigger {
				t.Errorf("ForWatermark(%v) trigger = %v, want %v", tt.watermark, tier.Trigger, tt.wantTrigger)
			}
		})
	}
}

func TestTierTable_ForProfit(t *testing.T) {
	table, err := NewExitTable([]Tier{
		{Trigger: 0.12, Recover: 0.07},
		{Trigger: 0.20, Recover: 0.12},
		{Trigger: 0.25, Recover: 0.20},
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	tests := []struct {
		name        string
		profit      float64
		wantTrigger float64
		wantOK      bool
	}{
		{name: "below the first band", profit: 0.05, wantOK: false},
		{name: "inside the first band", profit: 0.08, wantTrigger: 0.12, wantOK: true},
		{name: "band boundaries belong to the upper row", profit: 0.12, wantTrigger: 0.20, wantOK: true},
		{name: "inside the top band", profit: 0.22, wantTrigger: 0.25, wantOK: true},
		{name: "above the top trigger keeps the top row", profit: 3.5, wantTrigger: 0.25, wantOK: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tier, ok := table.ForProfit(tt.profit)
			if ok != tt.wantOK {
				t.Fatalf("ForProfit(%v) ok = %v, want %v", tt.profit, ok, tt.wantOK)
			}
			if ok && tier.Trigger != tt.wantTrigger {
				t.Errorf("ForProfit(%v) trigger = %v, want %v", tt.profit, tier.Trigger, tt.wantTrigger)
			}
		})
	}
}

func TestTradeFromPosition(t *testing.T) {
	opened := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	pos := &Position{
		ID:         7,
		Symbol:     "BTCUSDC",
		EntryPrice: 100,
		Quantity:   0.5,
		OpenedAt:   opened,
		Status:     StatusOpen,
	}
	trade := TradeFromPosition(pos, 110, opened.Add(45*time.Minute), CloseReasonTieredStop)

	if trade.PNL != 5.0 {
		t.Errorf("PNL = %v, want 5.0", trade.PNL)
	}
	if trade.PNLPercent != 10.0 {
		t.Errorf("PNLPercent = %v, want 10.0", trade.PNLPercent)
	}
	if trade.PositionID != 7 {
		t.Errorf("PositionID = %v, want 7", trade.PositionID)
	}
	if trade.Duration() != 45*time.Minute {
		t.Errorf("Duration = %v, want 45m", trade.Duration())
	}
	if trade.CloseReason != CloseReasonTieredStop {
		t.Errorf("CloseReason = %v, want %v", trade.CloseReason, CloseReasonTieredStop)
	}
}
