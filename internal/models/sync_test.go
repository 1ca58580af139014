package models

import (
	"testing"
	"time"
)

func TestSync_Terminal(t *testing.T) {
	tests := []struct {
		status   SyncStatus
		terminal bool
	}{
		{SyncPending, false},
		{SyncRunning, false},
		{SyncCompleted, true},
		{SyncFailed, true},
		{SyncCancelled, true},
	}

	for _, tt := range tests {
		s := &Sync{Status: tt.status}
		if got := s.Terminal(); got != tt.terminal {
			t.Errorf("Terminal() with status %s = %v, want %v", tt.status, got, tt.terminal)
		}
	}
}

func TestSync_InFlight(t *testing.T) {
	tests := []struct {
		status   SyncStatus
		inFlight bool
	}{
		{SyncPending, true},
		{SyncRunning, true},
		{SyncCompleted, false},
		{SyncFailed, false},
		{SyncCancelled, false},
	}

	for _, tt := range tests {
		s := &Sync{Status: tt.status}
		if got := s.InFlight(); got != tt.inFlight {
			t.Errorf("InFlight() with status %s = %v, want %v", tt.status, got, tt.inFlight)
		}
	}
}

func TestOAuthState_Expired(t *testing.T) {
	now := time.Now()

	fresh := &OAuthState{ExpiresAt: now.Add(time.Minute)}
	if fresh.Expired(now) {
		t.Error("expected a future expiry to not be expired")
	}

	stale := &OAuthState{ExpiresAt: now.Add(-time.Second)}
	if !stale.Expired(now) {
		t.Error("expected a past expiry to be expired")
	}
}
