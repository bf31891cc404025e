package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pointgrid/ledger-service/internal/domain"
)

func TestGrantRegistrationBonus_OncePerAccount(t *testing.T) {
	repo := newLedgerRepoStub()
	accountID := repo.addAccount("user", 0)
	svc := NewService(repo, nil, testRewardConfig())

	first, err := svc.GrantRegistrationBonus(context.Background(), svc.Rewards(), accountID)
	if err != nil {
		t.Fatalf("first grant failed: %v", err)
	}
	second, err := svc.GrantRegistrationBonus(context.Background(), svc.Rewards(), accountID)
	if err != nil {
		t.Fatalf("second grant failed: %v", err)
	}
	if first.ID != second.ID {
		t.Fatal("expected repeated registration grant to replay the original transaction")
	}

	account, _ := repo.FindAccountByID(context.Background(), accountID)
	if account.Balance != 100 {
		t.Fatalf("expected balance 100, got %d", account.Balance)
	}
}

func TestGrantDailyCheckin_OncePerDay(t *testing.T) {
	repo := newLedgerRepoStub()
	accountID := repo.addAccount("user", 0)
	svc := NewService(repo, nil, testRewardConfig())

	today := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	if _, err := svc.GrantDailyCheckin(context.Background(), svc.Rewards(), accountID, today); err != nil {
		t.Fatalf("checkin failed: %v", err)
	}
	// Same calendar day, later hour: replay.
	if _, err := svc.GrantDailyCheckin(context.Background(), svc.Rewards(), accountID, today.Add(8*time.Hour)); err != nil {
		t.Fatalf("same-day checkin failed: %v", err)
	}
	// Next day: a fresh grant.
	if _, err := svc.GrantDailyCheckin(context.Background(), svc.Rewards(), accountID, today.AddDate(0, 0, 1)); err != nil {
		t.Fatalf("next-day checkin failed: %v", err)
	}

	account, _ := repo.FindAccountByID(context.Background(), accountID)
	if account.Balance != 10 {
		t.Fatalf("expected two checkin credits totalling 10, got %d", account.Balance)
	}
}

func TestGrantInvitationReward_CreditsBothSides(t *testing.T) {
	repo := newLedgerRepoStub()
	inviterID := repo.addAccount("user", 0)
	inviteeID := repo.addAccount("user", 0)
	svc := NewService(repo, nil, testRewardConfig())

	inviterTx, inviteeTx, err := svc.GrantInvitationReward(context.Background(), svc.Rewards(), inviterID, inviteeID)
	if err != nil {
		t.Fatalf("invitation reward failed: %v", err)
	}
	if inviterTx.AccountID != inviterID || inviterTx.Amount != 50 {
		t.Fatalf("unexpected inviter leg: account=%s amount=%d", inviterTx.AccountID, inviterTx.Amount)
	}
	if inviteeTx.AccountID != inviteeID || inviteeTx.Amount != 30 {
		t.Fatalf("unexpected invitee leg: account=%s amount=%d", inviteeTx.AccountID, inviteeTx.Amount)
	}
	if inviterTx.RelatedAccountID == nil || *inviterTx.RelatedAccountID != inviteeID {
		t.Fatal("expected inviter leg to reference the invitee")
	}
}

func TestGrantInvitationReward_Replay(t *testing.T) {
	repo := newLedgerRepoStub()
	inviterID := repo.addAccount("user", 0)
	inviteeID := repo.addAccount("user", 0)
	svc := NewService(repo, nil, testRewardConfig())

	if _, _, err := svc.GrantInvitationReward(context.Background(), svc.Rewards(), inviterID, inviteeID); err != nil {
		t.Fatalf("first invitation failed: %v", err)
	}
	if _, _, err := svc.GrantInvitationReward(context.Background(), svc.Rewards(), inviterID, inviteeID); err != nil {
		t.Fatalf("replayed invitation failed: %v", err)
	}

	inviter, _ := repo.FindAccountByID(context.Background(), inviterID)
	invitee, _ := repo.FindAccountByID(context.Background(), inviteeID)
	if inviter.Balance != 50 || invitee.Balance != 30 {
		t.Fatalf("expected single grant per side, got inviter=%d invitee=%d", inviter.Balance, invitee.Balance)
	}
}

func TestGrantInvitationReward_RejectsSelfInvitation(t *testing.T) {
	repo := newLedgerRepoStub()
	accountID := repo.addAccount("user", 0)
	svc := NewService(repo, nil, testRewardConfig())

	_, _, err := svc.GrantInvitationReward(context.Background(), svc.Rewards(), accountID, accountID)
	if !errors.Is(err, ErrSelfInvitation) {
		t.Fatalf("expected ErrSelfInvitation, got %v", err)
	}
}

// invitationFailRepoStub lets the first invitation leg commit and fails the
// second, exercising the compensation path.
type invitationFailRepoStub struct {
	*ledgerRepoStub
	failAccount uuid.UUID
}

func (s *invitationFailRepoStub) ApplyTransaction(ctx context.Context, req domain.ApplyRequest) (*domain.Transaction, error) {
	if req.AccountID == s.failAccount && req.Type != domain.TypeInvitationReversal {
		return nil, errors.New("account row gone")
	}
	return s.ledgerRepoStub.ApplyTransaction(ctx, req)
}

func TestGrantInvitationReward_SecondLegFailureReversesFirst(t *testing.T) {
	inner := newLedgerRepoStub()
	inviterID := inner.addAccount("user", 0)
	inviteeID := inner.addAccount("user", 0)

	// Fail whichever account sorts second in canonical order.
	firstAccount, secondAccount := inviterID, inviteeID
	if inviteeID.String() < inviterID.String() {
		firstAccount, secondAccount = inviteeID, inviterID
	}
	repo := &invitationFailRepoStub{ledgerRepoStub: inner, failAccount: secondAccount}
	svc := NewService(repo, nil, testRewardConfig())

	_, _, err := svc.GrantInvitationReward(context.Background(), svc.Rewards(), inviterID, inviteeID)
	if err == nil {
		t.Fatal("expected invitation to fail when second leg cannot commit")
	}

	first, _ := repo.FindAccountByID(context.Background(), firstAccount)
	second, _ := repo.FindAccountByID(context.Background(), secondAccount)
	if first.Balance != 0 {
		t.Fatalf("expected first leg reversed to balance 0, got %d", first.Balance)
	}
	if second.Balance != 0 {
		t.Fatalf("expected failed second account untouched, got %d", second.Balance)
	}

	history := repo.transactionsFor(firstAccount)
	if len(history) != 2 {
		t.Fatalf("expected grant plus reversal on first account, got %d transactions", len(history))
	}
	if history[1].Type != domain.TypeInvitationReversal {
		t.Fatalf("expected reversal transaction, got %s", history[1].Type)
	}
	if history[1].Amount != -history[0].Amount {
		t.Fatalf("expected reversal to negate the grant, got %d and %d", history[0].Amount, history[1].Amount)
	}
}

// transientInvitationRepoStub fails apply calls against one account a fixed
// number of times, then behaves normally. A retried invitation therefore finds
// the second account healthy but the compensation already on record.
type transientInvitationRepoStub struct {
	*ledgerRepoStub
	failAccount  uuid.UUID
	failuresLeft int
}

func (s *transientInvitationRepoStub) ApplyTransaction(ctx context.Context, req domain.ApplyRequest) (*domain.Transaction, error) {
	if req.AccountID == s.failAccount && req.Type != domain.TypeInvitationReversal && s.failuresLeft > 0 {
		s.failuresLeft--
		return nil, errors.New("connection reset by peer")
	}
	return s.ledgerRepoStub.ApplyTransaction(ctx, req)
}

func TestGrantInvitationReward_RetryAfterReversalRefused(t *testing.T) {
	inner := newLedgerRepoStub()
	inviterID := inner.addAccount("user", 0)
	inviteeID := inner.addAccount("user", 0)

	// Fail whichever account sorts second in canonical order, once only.
	secondAccount := inviteeID
	if inviteeID.String() < inviterID.String() {
		secondAccount = inviterID
	}
	repo := &transientInvitationRepoStub{ledgerRepoStub: inner, failAccount: secondAccount, failuresLeft: 1}
	svc := NewService(repo, nil, testRewardConfig())

	if _, _, err := svc.GrantInvitationReward(context.Background(), svc.Rewards(), inviterID, inviteeID); err == nil {
		t.Fatal("expected first attempt to fail and compensate")
	}

	// The outage has cleared; a blind replay would commit the second leg and
	// hand back the reversed first leg as if it were live.
	inviterTx, inviteeTx, err := svc.GrantInvitationReward(context.Background(), svc.Rewards(), inviterID, inviteeID)
	if !errors.Is(err, ErrInvitationCompensated) {
		t.Fatalf("expected ErrInvitationCompensated on retry, got %v", err)
	}
	if inviterTx != nil || inviteeTx != nil {
		t.Fatal("expected no transactions for a compensated invitation")
	}

	inviter, _ := repo.FindAccountByID(context.Background(), inviterID)
	invitee, _ := repo.FindAccountByID(context.Background(), inviteeID)
	if inviter.Balance != 0 || invitee.Balance != 0 {
		t.Fatalf("expected both balances to stay 0 after compensation, got inviter=%d invitee=%d", inviter.Balance, invitee.Balance)
	}
	if got := len(repo.transactionsFor(secondAccount)); got != 0 {
		t.Fatalf("expected retry to leave the second account untouched, got %d transactions", got)
	}
}

func TestSpendContactView_ChargesOncePerMerchant(t *testing.T) {
	repo := newLedgerRepoStub()
	accountID := repo.addAccount("user", 100)
	svc := NewService(repo, nil, testRewardConfig())
	merchantID := uuid.New()

	if _, err := svc.SpendContactView(context.Background(), svc.Rewards(), accountID, merchantID); err != nil {
		t.Fatalf("first view failed: %v", err)
	}
	if _, err := svc.SpendContactView(context.Background(), svc.Rewards(), accountID, merchantID); err != nil {
		t.Fatalf("repeat view failed: %v", err)
	}

	account, _ := repo.FindAccountByID(context.Background(), accountID)
	if account.Balance != 90 {
		t.Fatalf("expected a single charge of 10, got balance %d", account.Balance)
	}
}

func TestAdminAdjustment_DebitAndCredit(t *testing.T) {
	repo := newLedgerRepoStub()
	accountID := repo.addAccount("user", 50)
	svc := NewService(repo, nil, testRewardConfig())

	tx, err := svc.AdminAdjustment(context.Background(), domain.AdminAdjustmentRequest{
		AccountID:   accountID,
		Amount:      -20,
		Description: "support correction",
	})
	if err != nil {
		t.Fatalf("adjustment failed: %v", err)
	}
	if tx.BalanceAfter != 30 {
		t.Fatalf("expected balance_after 30, got %d", tx.BalanceAfter)
	}
	if tx.Type != domain.TypeAdminAdjustment {
		t.Fatalf("expected admin_adjustment type, got %s", tx.Type)
	}
}
