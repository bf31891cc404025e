/**
 * @description
 * Reward orchestration: the named business flows composed from the ledger's
 * atomic apply primitive. Single-account flows are one ApplyTransaction call
 * with a deterministic idempotency key built from the triggering event, so a
 * duplicate webhook or retried request never double-grants. The invitation
 * flow touches two accounts and is the only flow that needs lock-order and
 * compensation handling.
 *
 * Reward amounts are taken from the RewardConfig snapshot passed by the
 * caller, never from ambient mutable state.
 */

package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/pointgrid/ledger-service/internal/domain"
	"github.com/pointgrid/ledger-service/internal/store"
)

// GrantRegistrationBonus credits the signup bonus exactly once per account.
// Invoked synchronously after the identity collaborator creates the account,
// replacing the source system's opaque signup trigger with a step whose
// failure is visible and retryable.
func (s *Service) GrantRegistrationBonus(ctx context.Context, cfg domain.RewardConfig, accountID uuid.UUID) (*domain.Transaction, error) {
	key := fmt.Sprintf("registration:%s", accountID)
	return s.ApplyTransaction(ctx, domain.ApplyRequest{
		AccountID:      accountID,
		Amount:         cfg.RegistrationBonus,
		Type:           domain.TypeRegistration,
		Description:    "Registration bonus",
		IdempotencyKey: &key,
	})
}

// GrantDailyCheckin credits the daily check-in bonus at most once per account
// per calendar day (UTC).
func (s *Service) GrantDailyCheckin(ctx context.Context, cfg domain.RewardConfig, accountID uuid.UUID, day time.Time) (*domain.Transaction, error) {
	key := fmt.Sprintf("daily_checkin:%s:%s", accountID, day.UTC().Format("2006-01-02"))
	return s.ApplyTransaction(ctx, domain.ApplyRequest{
		AccountID:      accountID,
		Amount:         cfg.DailyCheckinBonus,
		Type:           domain.TypeDailyCheckin,
		Description:    "Daily check-in bonus",
		IdempotencyKey: &key,
	})
}

// GrantMerchantRegisterBonus credits the bonus for registering a merchant
// listing, keyed to the merchant so re-submission never double-grants.
func (s *Service) GrantMerchantRegisterBonus(ctx context.Context, cfg domain.RewardConfig, accountID, merchantID uuid.UUID) (*domain.Transaction, error) {
	key := fmt.Sprintf("merchant_register:%s", merchantID)
	return s.ApplyTransaction(ctx, domain.ApplyRequest{
		AccountID:      accountID,
		Amount:         cfg.MerchantRegisterBonus,
		Type:           domain.TypeMerchantRegister,
		Description:    "Merchant registration bonus",
		IdempotencyKey: &key,
		Metadata:       map[string]interface{}{"merchant_id": merchantID.String()},
	})
}

// AdminAdjustment applies a manual credit or debit on behalf of an operator.
// The caller may supply its own idempotency key to make the action retry-safe.
func (s *Service) AdminAdjustment(ctx context.Context, req domain.AdminAdjustmentRequest) (*domain.Transaction, error) {
	var key *string
	if req.IdempotencyKey != "" {
		k := fmt.Sprintf("admin_adjustment:%s", req.IdempotencyKey)
		key = &k
	}
	description := req.Description
	if description == "" {
		description = "Manual adjustment"
	}
	return s.ApplyTransaction(ctx, domain.ApplyRequest{
		AccountID:      req.AccountID,
		Amount:         req.Amount,
		Type:           domain.TypeAdminAdjustment,
		Description:    description,
		IdempotencyKey: key,
	})
}

// invitationLeg describes one half of the paired invitation flow.
type invitationLeg struct {
	accountID uuid.UUID
	amount    int64
	txType    domain.TransactionType
	key       string
	related   uuid.UUID
}

// GrantInvitationReward credits both sides of an invitation. The two legs are
// applied in canonical account-id order, independent of request order, so two
// concurrent flows over the same pair can never deadlock on each other's row
// locks. If the second leg fails after the first committed, a compensating
// reversal restores the first account; the flow then reports failure with the
// reversal on record rather than leaving an unexplainable half-grant.
//
// Once a reversal has been written the invitation is dead: a retried event
// would otherwise replay the reversed first leg by its idempotency key and
// present it as a live grant while only the second side gets credited. Such
// retries fail with ErrInvitationCompensated and need operator review.
func (s *Service) GrantInvitationReward(ctx context.Context, cfg domain.RewardConfig, inviterID, inviteeID uuid.UUID) (inviterTx, inviteeTx *domain.Transaction, err error) {
	if inviterID == uuid.Nil || inviteeID == uuid.Nil {
		return nil, nil, ErrInvalidAccount
	}
	if inviterID == inviteeID {
		return nil, nil, ErrSelfInvitation
	}

	reversalKey := fmt.Sprintf("invitation:%s:reversal", inviteeID)
	if _, lookupErr := s.repo.FindTransactionByIdempotencyKey(ctx, reversalKey); lookupErr == nil {
		return nil, nil, ErrInvitationCompensated
	} else if !errors.Is(lookupErr, store.ErrTransactionNotFound) {
		return nil, nil, fmt.Errorf("invitation reversal lookup failed: %w", lookupErr)
	}

	inviterLeg := invitationLeg{
		accountID: inviterID,
		amount:    cfg.InviterReward,
		txType:    domain.TypeInvitationReward,
		key:       fmt.Sprintf("invitation:%s:inviter", inviteeID),
		related:   inviteeID,
	}
	inviteeLeg := invitationLeg{
		accountID: inviteeID,
		amount:    cfg.InviteeReward,
		txType:    domain.TypeInvitedReward,
		key:       fmt.Sprintf("invitation:%s:invitee", inviteeID),
		related:   inviterID,
	}

	first, second := inviterLeg, inviteeLeg
	if bytes.Compare(inviteeID[:], inviterID[:]) < 0 {
		first, second = inviteeLeg, inviterLeg
	}

	firstTx, err := s.applyInvitationLeg(ctx, first)
	if err != nil {
		return nil, nil, fmt.Errorf("invitation first leg failed: %w", err)
	}

	secondTx, err := s.applyInvitationLeg(ctx, second)
	if err != nil {
		_, reversalErr := s.ApplyTransaction(ctx, domain.ApplyRequest{
			AccountID:        first.accountID,
			Amount:           -firstTx.Amount,
			Type:             domain.TypeInvitationReversal,
			Description:      "Invitation reward reversal",
			IdempotencyKey:   &reversalKey,
			RelatedAccountID: &first.related,
		})
		if reversalErr != nil {
			log.Printf("level=error component=service flow=invitation msg=\"compensating reversal failed; manual reconciliation required\" account_id=%s invitee_id=%s err=%v", first.accountID, inviteeID, reversalErr)
			return nil, nil, fmt.Errorf("invitation second leg failed (%v) and reversal failed: %w", err, reversalErr)
		}
		log.Printf("level=warn component=service flow=invitation msg=\"second leg failed; first leg reversed\" inviter_id=%s invitee_id=%s err=%v", inviterID, inviteeID, err)
		return nil, nil, fmt.Errorf("invitation second leg failed: %w", err)
	}

	if first.accountID == inviterID {
		return firstTx, secondTx, nil
	}
	return secondTx, firstTx, nil
}

func (s *Service) applyInvitationLeg(ctx context.Context, leg invitationLeg) (*domain.Transaction, error) {
	related := leg.related
	return s.ApplyTransaction(ctx, domain.ApplyRequest{
		AccountID:        leg.accountID,
		Amount:           leg.amount,
		Type:             leg.txType,
		Description:      "Invitation reward",
		IdempotencyKey:   &leg.key,
		RelatedAccountID: &related,
	})
}

// SpendContactView debits the cost of revealing a merchant's contact details.
// One charge per account/merchant pair; repeat views are free replays.
func (s *Service) SpendContactView(ctx context.Context, cfg domain.RewardConfig, accountID, merchantID uuid.UUID) (*domain.Transaction, error) {
	if err := s.checkSpendRateLimit(ctx, "spend:contact_view", accountID); err != nil {
		return nil, err
	}
	key := fmt.Sprintf("contact_view:%s:%s", accountID, merchantID)
	return s.ApplyTransaction(ctx, domain.ApplyRequest{
		AccountID:      accountID,
		Amount:         -cfg.ContactViewCost,
		Type:           domain.TypeSpendContactView,
		Description:    "Contact details view",
		IdempotencyKey: &key,
		Metadata:       map[string]interface{}{"merchant_id": merchantID.String()},
	})
}

// SpendMerchantEdit debits the cost of editing a merchant listing. The caller
// supplies a request id so retries of one edit are charged once.
func (s *Service) SpendMerchantEdit(ctx context.Context, cfg domain.RewardConfig, accountID, merchantID uuid.UUID, requestID string) (*domain.Transaction, error) {
	if err := s.checkSpendRateLimit(ctx, "spend:merchant_edit", accountID); err != nil {
		return nil, err
	}
	var key *string
	if requestID != "" {
		k := fmt.Sprintf("merchant_edit:%s:%s", merchantID, requestID)
		key = &k
	}
	return s.ApplyTransaction(ctx, domain.ApplyRequest{
		AccountID:      accountID,
		Amount:         -cfg.MerchantEditCost,
		Type:           domain.TypeSpendMerchantEdit,
		Description:    "Merchant listing edit",
		IdempotencyKey: key,
		Metadata:       map[string]interface{}{"merchant_id": merchantID.String()},
	})
}

// SpendMerchantTop debits the cost of topping a merchant listing.
func (s *Service) SpendMerchantTop(ctx context.Context, cfg domain.RewardConfig, accountID, merchantID uuid.UUID, requestID string) (*domain.Transaction, error) {
	if err := s.checkSpendRateLimit(ctx, "spend:merchant_top", accountID); err != nil {
		return nil, err
	}
	var key *string
	if requestID != "" {
		k := fmt.Sprintf("merchant_top:%s:%s", merchantID, requestID)
		key = &k
	}
	return s.ApplyTransaction(ctx, domain.ApplyRequest{
		AccountID:      accountID,
		Amount:         -cfg.MerchantTopCost,
		Type:           domain.TypeSpendMerchantTop,
		Description:    "Merchant listing top placement",
		IdempotencyKey: key,
		Metadata:       map[string]interface{}{"merchant_id": merchantID.String()},
	})
}
