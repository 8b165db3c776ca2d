package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/checkout/session"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/digkill/screencopy/internal/config"
	"github.com/digkill/screencopy/internal/models"
	"github.com/digkill/screencopy/internal/repository"
)

const (
	providerStripe           = "stripe"
	eventCheckoutCompleted   = "checkout.session.completed"
	eventAsyncPaymentSuccess = "checkout.session.async_payment_succeeded"
)

var errAlreadyProcessed = errors.New("payment already processed")

type PaymentService struct {
	cfg      config.Config
	db       *sql.DB
	log      *slog.Logger
	payments *repository.PaymentRepository
	ledger   *LedgerService
	plans    *PlanService
	checkout func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

func NewPaymentService(cfg config.Config, db *sql.DB, log *slog.Logger, payments *repository.PaymentRepository, ledger *LedgerService, plans *PlanService) *PaymentService {
	client := session.Client{B: stripe.GetBackend(stripe.APIBackend), Key: cfg.StripeSecretKey}
	return &PaymentService{
		cfg:      cfg,
		db:       db,
		log:      log,
		payments: payments,
		ledger:   ledger,
		plans:    plans,
		checkout: client.New,
	}
}

type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// CreateCheckout opens a hosted Stripe checkout for planID (or the default
// plan when zero). Credits are granted only by the webhook.
func (s *PaymentService) CreateCheckout(ctx context.Context, userID, email string, planID int64) (*CheckoutSession, error) {
	if userID == "" {
		return nil, ErrUnauthenticated
	}
	plan, err := s.plans.Resolve(ctx, planID)
	if err != nil {
		return nil, fmt.Errorf("resolve plan: %w", err)
	}
	if !plan.IsActive {
		return nil, fmt.Errorf("%w: plan is not available", ErrInvalidInput)
	}

	item := &stripe.CheckoutSessionLineItemParams{Quantity: stripe.Int64(1)}
	if plan.StripePriceID != "" {
		item.Price = stripe.String(plan.StripePriceID)
	} else {
		item.PriceData = &stripe.CheckoutSessionLineItemPriceDataParams{
			Currency:   stripe.String(plan.Currency),
			UnitAmount: stripe.Int64(int64(plan.PriceMinorUnits)),
			ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
				Name: stripe.String(plan.Title),
			},
		}
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(s.cfg.AppURL + "/dashboard?success=true"),
		CancelURL:         stripe.String(s.cfg.AppURL + "/dashboard?canceled=true"),
		ClientReferenceID: stripe.String(userID),
		LineItems:         []*stripe.CheckoutSessionLineItemParams{item},
	}
	if email != "" {
		params.CustomerEmail = stripe.String(email)
	}
	params.Context = ctx
	params.AddMetadata("user_id", userID)
	params.AddMetadata("plan_id", strconv.FormatInt(plan.ID, 10))
	params.AddMetadata("credits", strconv.Itoa(plan.Credits))

	cs, err := s.checkout(params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	s.log.Info("checkout session created", "user_id", userID, "plan_id", plan.ID, "session_id", cs.ID)
	return &CheckoutSession{ID: cs.ID, URL: cs.URL}, nil
}

// HandleStripeWebhook verifies and applies a Stripe event. A checkout
// credits the plan's pack exactly once per session: when it completes paid,
// or, for delayed payment methods, when the async payment succeeds. Other
// events are ignored.
func (s *PaymentService) HandleStripeWebhook(ctx context.Context, payload []byte, signature string) error {
	event, err := webhook.ConstructEventWithOptions(payload, signature, s.cfg.StripeWebhookSecret, webhook.ConstructEventOptions{
		Tolerance:                webhook.DefaultTolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return fmt.Errorf("%w: webhook signature: %v", ErrInvalidInput, err)
	}
	if event.Type != eventCheckoutCompleted && event.Type != eventAsyncPaymentSuccess {
		s.log.Debug("ignoring stripe event", "type", event.Type, "event_id", event.ID)
		return nil
	}

	var cs stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
		return fmt.Errorf("%w: parse checkout session: %v", ErrInvalidInput, err)
	}
	if cs.ID == "" {
		return fmt.Errorf("%w: event %s has no checkout session id", ErrInvalidInput, event.ID)
	}
	if cs.PaymentStatus == stripe.CheckoutSessionPaymentStatusUnpaid {
		s.log.Info("checkout completed without payment, waiting", "session_id", cs.ID, "event_id", event.ID)
		return nil
	}

	userID := cs.Metadata["user_id"]
	if userID == "" {
		userID = cs.ClientReferenceID
	}
	if userID == "" {
		return fmt.Errorf("%w: checkout session %s has no user", ErrInvalidInput, cs.ID)
	}
	planID, _ := strconv.ParseInt(cs.Metadata["plan_id"], 10, 64)
	plan, err := s.plans.Resolve(ctx, planID)
	if err != nil {
		return fmt.Errorf("resolve plan for %s: %w", cs.ID, err)
	}

	existing, err := s.payments.FindBySessionID(ctx, providerStripe, cs.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	paymentID := cs.ID
	if cs.PaymentIntent != nil && cs.PaymentIntent.ID != "" {
		paymentID = cs.PaymentIntent.ID
	}
	record := &models.Payment{
		UserID:            userID,
		PlanID:            &plan.ID,
		Provider:          providerStripe,
		ProviderSessionID: cs.ID,
		ProviderPaymentID: paymentID,
		Currency:          string(cs.Currency),
		Amount:            int(cs.AmountTotal),
		Credits:           plan.Credits,
		Status:            "paid",
		RawPayload:        string(payload),
	}

	err = repository.InTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := s.payments.WithTx(tx).Create(ctx, record); err != nil {
			if repository.IsDuplicate(err) {
				return errAlreadyProcessed
			}
			return err
		}
		return s.ledger.CreditTx(ctx, tx, userID, plan.Credits, models.TransactionPurchase, fmt.Sprintf("Purchased %d credits", plan.Credits))
	})
	if errors.Is(err, errAlreadyProcessed) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("apply payment %s: %w", cs.ID, err)
	}
	s.log.Info("credits purchased", "user_id", userID, "credits", plan.Credits, "session_id", cs.ID, "event_id", event.ID)
	return nil
}
