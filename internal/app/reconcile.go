/**
 * @description
 * Reconciliation auditor. The append-only transaction log is the ground
 * truth; the stored balance column is a cache of it. The auditor re-derives
 * each account's balance from its history, reports drift and broken
 * balance-after chains, and corrects drift by writing a compensating
 * system adjustment through the normal apply path, never by editing the
 * balance column or the log directly.
 */

package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/pointgrid/ledger-service/internal/domain"
)

// Reconcile audits a single account. When correct is true and the stored
// balance has drifted from the log, a system adjustment is applied to bring
// the stored balance back to the derived value. The correction's idempotency
// key binds it to the exact history it was derived from, so two concurrent
// audits of the same account cannot both correct.
func (s *Service) Reconcile(ctx context.Context, accountID uuid.UUID, correct bool) (*domain.ReconcileResult, error) {
	account, err := s.repo.FindAccountByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	history, err := s.repo.ListTransactionHistory(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction history: %w", err)
	}

	derived, chainBroken := deriveBalance(history)
	result := &domain.ReconcileResult{
		AccountID:      accountID,
		StoredBalance:  account.Balance,
		DerivedBalance: derived,
		Drift:          absInt64(account.Balance - derived),
		ChainBroken:    chainBroken,
	}

	if chainBroken {
		log.Printf("level=error component=service flow=reconcile msg=\"balance-after chain broken\" account_id=%s", accountID)
	}
	if result.Drift == 0 {
		return result, nil
	}

	log.Printf("level=warn component=service flow=reconcile msg=\"balance drift detected\" account_id=%s stored=%d derived=%d", accountID, account.Balance, derived)
	if !correct {
		return result, nil
	}
	if derived < 0 {
		// The log itself is inconsistent; a correction would drive the balance
		// negative. Needs operator attention, not an automated write.
		return result, fmt.Errorf("derived balance for account %s is negative (%d); refusing automatic correction", accountID, derived)
	}

	key := fmt.Sprintf("reconcile:%s:%d:%d:%d", accountID, len(history), account.Balance, derived)
	correction, err := s.ApplyTransaction(ctx, domain.ApplyRequest{
		AccountID:      accountID,
		Amount:         derived - account.Balance,
		Type:           domain.TypeSystemAdjustment,
		Description:    "Reconciliation balance correction",
		IdempotencyKey: &key,
		Metadata: map[string]interface{}{
			"stored_balance":  account.Balance,
			"derived_balance": derived,
		},
	})
	if err != nil {
		return result, fmt.Errorf("failed to apply reconciliation correction: %w", err)
	}
	result.Corrected = true
	result.CorrectionID = &correction.ID
	log.Printf("level=info component=service flow=reconcile msg=\"balance corrected\" account_id=%s correction_id=%s amount=%d", accountID, correction.ID, derived-account.Balance)
	return result, nil
}

// ReconcileAll audits every account. Per-account failures are counted and
// logged but never abort the sweep.
func (s *Service) ReconcileAll(ctx context.Context, correct bool) (*domain.ReconcileReport, error) {
	accountIDs, err := s.repo.ListAccountIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}

	report := &domain.ReconcileReport{StartedAt: time.Now().UTC()}
	for _, accountID := range accountIDs {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		result, err := s.Reconcile(ctx, accountID, correct)
		report.Checked++
		if err != nil {
			report.Failed++
			log.Printf("level=error component=service flow=reconcile msg=\"account audit failed\" account_id=%s err=%v", accountID, err)
			if result == nil {
				continue
			}
		}
		if result.Drift != 0 || result.ChainBroken {
			report.Drifted++
			report.Results = append(report.Results, *result)
		}
		if result.Corrected {
			report.Corrected++
		}
	}
	report.Duration = time.Since(report.StartedAt)
	log.Printf("level=info component=service flow=reconcile msg=\"reconciliation sweep finished\" checked=%d drifted=%d corrected=%d failed=%d duration=%s", report.Checked, report.Drifted, report.Corrected, report.Failed, report.Duration)
	return report, nil
}

// deriveBalance replays an ascending history. A system adjustment re-anchors
// the running sum at its recorded balance-after, since its purpose is to
// reset the cache to the log; every other entry must extend the chain. When a
// snapshot disagrees with the running sum the chain is flagged broken and the
// amounts, not the snapshots, remain the source of truth.
func deriveBalance(history []domain.Transaction) (derived int64, chainBroken bool) {
	for _, tx := range history {
		if tx.Type == domain.TypeSystemAdjustment {
			derived = tx.BalanceAfter
			continue
		}
		derived += tx.Amount
		if derived != tx.BalanceAfter {
			chainBroken = true
		}
	}
	return derived, chainBroken
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
