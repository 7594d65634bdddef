package ledger

import (
	"context"
	"testing"
)

func TestGetLedgerHistoryRelabelsRefunds(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	clock := &fakeClock{nowUnixUTC: testEpochUnixUTC}
	service := newTestService(test, store, clock)
	userID := mustUserID(test, "history-user")
	correlationID := mustCorrelationID(test, "hist-job")

	if _, err := service.IssueCredits(context.Background(), userID, mustPositiveCredits(test, 50), BatchAdditional, clock.now(), 0, true, mustMetadata(test, "")); err != nil {
		test.Fatalf("issue: %v", err)
	}
	if err := service.PendingCredit(context.Background(), userID, mustPositiveCredits(test, 30), correlationID); err != nil {
		test.Fatalf("pending credit: %v", err)
	}
	if err := service.RefundCredit(context.Background(), correlationID); err != nil {
		test.Fatalf("refund: %v", err)
	}

	history, err := service.GetLedgerHistory(context.Background(), userID, 10, 0, 7)
	if err != nil {
		test.Fatalf("history: %v", err)
	}
	if len(history) != 3 {
		test.Fatalf("expected issue, hold, and reversal entries, got %d", len(history))
	}
	// Newest first: the reversal leads.
	if history[0].Cause != displayCauseRefund {
		test.Fatalf("expected refund relabeled %q, got %q", displayCauseRefund, history[0].Cause)
	}
	if history[0].Amount != 30 {
		test.Fatalf("unexpected reversal amount: %d", history[0].Amount)
	}
	for _, entry := range history[1:] {
		if entry.Cause == displayCauseRefund {
			test.Fatalf("only the reversal entry is relabeled")
		}
	}
}

func TestGetLedgerHistoryPagination(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	clock := &fakeClock{nowUnixUTC: testEpochUnixUTC}
	service := newTestService(test, store, clock)
	userID := mustUserID(test, "page-user")

	for index := 0; index < 5; index++ {
		if _, err := service.IssueCredits(context.Background(), userID, mustPositiveCredits(test, 10), BatchAdditional, clock.now(), 0, true, mustMetadata(test, "")); err != nil {
			test.Fatalf("issue %d: %v", index, err)
		}
		clock.advanceDays(1)
	}

	firstPage, err := service.GetLedgerHistory(context.Background(), userID, 2, 0, 30)
	if err != nil {
		test.Fatalf("first page: %v", err)
	}
	if len(firstPage) != 2 {
		test.Fatalf("expected two entries, got %d", len(firstPage))
	}
	secondPage, err := service.GetLedgerHistory(context.Background(), userID, 2, 2, 30)
	if err != nil {
		test.Fatalf("second page: %v", err)
	}
	if len(secondPage) != 2 {
		test.Fatalf("expected two entries, got %d", len(secondPage))
	}
	if firstPage[0].EntryID == secondPage[0].EntryID {
		test.Fatalf("pages must not overlap")
	}
	if firstPage[0].CreatedUnixUTC < secondPage[0].CreatedUnixUTC {
		test.Fatalf("history must be newest first")
	}
}

func TestGetLedgerHistoryWindowExcludesOldEntries(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	clock := &fakeClock{nowUnixUTC: testEpochUnixUTC}
	service := newTestService(test, store, clock)
	userID := mustUserID(test, "window-history-user")

	if _, err := service.IssueCredits(context.Background(), userID, mustPositiveCredits(test, 10), BatchAdditional, clock.now(), 0, true, mustMetadata(test, "")); err != nil {
		test.Fatalf("old issue: %v", err)
	}
	clock.advanceDays(20)
	if _, err := service.IssueCredits(context.Background(), userID, mustPositiveCredits(test, 15), BatchAdditional, clock.now(), 0, true, mustMetadata(test, "")); err != nil {
		test.Fatalf("recent issue: %v", err)
	}

	history, err := service.GetLedgerHistory(context.Background(), userID, 10, 0, 7)
	if err != nil {
		test.Fatalf("history: %v", err)
	}
	if len(history) != 1 {
		test.Fatalf("expected only the recent entry, got %d", len(history))
	}
	if history[0].Amount != 15 {
		test.Fatalf("unexpected windowed entry: %+v", history[0])
	}
}
