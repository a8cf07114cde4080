package main

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/blockflow-labs/blockflow-go/internal/eventstream"
	"github.com/blockflow-labs/blockflow-go/internal/repo/memory"
	"github.com/blockflow-labs/blockflow-go/internal/service/jobs"
)

func TestNewMaintenance_Schedules(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := jobs.New(memory.NewJobStore(), jobs.DefaultConfig())

	c, err := newMaintenance(scheduleConfig{CleanupSchedule: "0 */6 * * *", ReapSchedule: "@every 30s", RunTimeout: time.Minute}, svc, nil, logger)
	if err != nil {
		t.Fatalf("newMaintenance: %v", err)
	}
	if got := len(c.Entries()); got != 2 {
		t.Fatalf("expected 2 entries, got %d", got)
	}

	c, err = newMaintenance(scheduleConfig{CleanupSchedule: "@hourly", ReapSchedule: "@every 30s", RunTimeout: time.Minute}, svc, eventstream.NewMemoryBuffer(eventstream.DefaultConfig()), logger)
	if err != nil {
		t.Fatalf("newMaintenance with memory buffer: %v", err)
	}
	if got := len(c.Entries()); got != 3 {
		t.Fatalf("expected cleanup, reap and sweep entries, got %d", got)
	}

	c, err = newMaintenance(scheduleConfig{CleanupSchedule: "off", ReapSchedule: "", RunTimeout: time.Minute}, svc, nil, logger)
	if err != nil {
		t.Fatalf("newMaintenance disabled: %v", err)
	}
	if got := len(c.Entries()); got != 0 {
		t.Fatalf("expected no entries, got %d", got)
	}

	if _, err := newMaintenance(scheduleConfig{CleanupSchedule: "every tuesday", RunTimeout: time.Minute}, svc, nil, logger); err == nil {
		t.Fatalf("expected invalid schedule error")
	}
}
