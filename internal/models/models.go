package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type TransactionType string

const (
	TransactionGeneration TransactionType = "generation"
	TransactionRefund     TransactionType = "refund"
	TransactionPurchase   TransactionType = "purchase"
	TransactionAdjustment TransactionType = "adjustment"
)

const (
	PlatformAppStore = "app_store"
	DefaultLanguage  = "English"
)

type Profile struct {
	ID        string    `json:"id"`
	Email     string    `json:"email,omitempty"`
	Credits   int       `json:"credits"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Transaction is an append-only ledger row. Amount is signed.
type Transaction struct {
	ID        int64           `json:"id"`
	UserID    string          `json:"user_id"`
	Amount    int             `json:"amount"`
	Type      TransactionType `json:"type"`
	Reason    *string         `json:"reason,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type InputContext struct {
	AppName        string `json:"appName"`
	Category       string `json:"category"`
	TargetAudience string `json:"targetAudience"`
	Tone           string `json:"tone"`
	Description    string `json:"description"`
	Keywords       string `json:"keywords"`
	Language       string `json:"language"`
	Platform       string `json:"platform"`
}

// IsAppStore reports whether the context asks for ranked headline variants.
func (c InputContext) IsAppStore() bool {
	return c.Platform == PlatformAppStore
}

type CopyVariant struct {
	Headline     string `json:"headline"`
	Subtext      string `json:"subtext"`
	Style        string `json:"style,omitempty"`
	Layout       string `json:"layout,omitempty"`
	ColorHex     string `json:"color_hex,omitempty"`
	ASOScore     int    `json:"aso_score"`
	BenchmarkRef string `json:"benchmark_ref,omitempty"`
	Reasoning    string `json:"reasoning,omitempty"`
}

type DesignConfig struct {
	AccentColor     string `json:"accent_color,omitempty"`
	SuggestedLayout string `json:"suggested_layout,omitempty"`
}

type DayThread struct {
	Day        string   `json:"day"`
	Theme      string   `json:"theme"`
	Hook       string   `json:"hook"`
	KeyMessage string   `json:"key_message,omitempty"`
	Thread     []string `json:"thread"`
}

type WeeklySchedule struct {
	DesignConfig DesignConfig `json:"design_config"`
	WeeklyBatch  []DayThread  `json:"weekly_batch"`
}

// Day returns the thread scheduled for the given weekday name, if any.
func (s *WeeklySchedule) Day(name string) (DayThread, bool) {
	for _, d := range s.WeeklyBatch {
		if strings.EqualFold(d.Day, name) {
			return d, true
		}
	}
	return DayThread{}, false
}

type OutputKind string

const (
	OutputVariants       OutputKind = "variants"
	OutputWeeklySchedule OutputKind = "weekly_schedule"
)

var ErrInvalidOutput = errors.New("invalid copy output")

// CopyOutput holds exactly one of the two generation shapes, selected by Kind.
// On the wire it is the bare variant array or the bare schedule object.
type CopyOutput struct {
	Kind     OutputKind
	Variants []CopyVariant
	Schedule *WeeklySchedule
}

func NewVariantsOutput(variants []CopyVariant) *CopyOutput {
	return &CopyOutput{Kind: OutputVariants, Variants: variants}
}

func NewScheduleOutput(schedule *WeeklySchedule) *CopyOutput {
	return &CopyOutput{Kind: OutputWeeklySchedule, Schedule: schedule}
}

// Validate checks that the populated shape matches Kind and is non-empty.
func (o *CopyOutput) Validate() error {
	if o == nil {
		return fmt.Errorf("%w: empty", ErrInvalidOutput)
	}
	switch o.Kind {
	case OutputVariants:
		if len(o.Variants) == 0 {
			return fmt.Errorf("%w: no variants", ErrInvalidOutput)
		}
		for i, v := range o.Variants {
			if strings.TrimSpace(v.Headline) == "" {
				return fmt.Errorf("%w: variant %d has no headline", ErrInvalidOutput, i)
			}
		}
	case OutputWeeklySchedule:
		if o.Schedule == nil || len(o.Schedule.WeeklyBatch) == 0 {
			return fmt.Errorf("%w: empty weekly_batch", ErrInvalidOutput)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOutput, o.Kind)
	}
	return nil
}

func (o CopyOutput) MarshalJSON() ([]byte, error) {
	switch o.Kind {
	case OutputVariants:
		if o.Variants == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(o.Variants)
	case OutputWeeklySchedule:
		return json.Marshal(o.Schedule)
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidOutput, o.Kind)
	}
}

func (o *CopyOutput) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidOutput)
	}
	switch trimmed[0] {
	case '[':
		var variants []CopyVariant
		if err := json.Unmarshal(trimmed, &variants); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidOutput, err)
		}
		*o = CopyOutput{Kind: OutputVariants, Variants: variants}
		return nil
	case '{':
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &fields); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidOutput, err)
		}
		if _, ok := fields["weekly_batch"]; !ok {
			return fmt.Errorf("%w: object without weekly_batch", ErrInvalidOutput)
		}
		var schedule WeeklySchedule
		if err := json.Unmarshal(trimmed, &schedule); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidOutput, err)
		}
		*o = CopyOutput{Kind: OutputWeeklySchedule, Schedule: &schedule}
		return nil
	default:
		return fmt.Errorf("%w: unexpected token %q", ErrInvalidOutput, trimmed[0])
	}
}

type Generation struct {
	ID           string       `json:"id"`
	UserID       string       `json:"user_id"`
	ImageURL     string       `json:"image_url"`
	InputContext InputContext `json:"input_context"`
	OutputCopy   CopyOutput   `json:"output_copy"`
	IsFavorite   bool         `json:"is_favorite"`
	CreatedAt    time.Time    `json:"created_at"`
}

type ImageAnalysis struct {
	AppName         string `json:"appName"`
	Category        string `json:"category"`
	TargetAudience  string `json:"targetAudience"`
	Tone            string `json:"tone"`
	Description     string `json:"description"`
	Keywords        string `json:"keywords"`
	AccentColor     string `json:"accentColor"`
	SuggestedLayout string `json:"suggestedLayout"`
}

type Plan struct {
	ID              int64     `json:"id"`
	Title           string    `json:"title"`
	Description     string    `json:"description"`
	StripePriceID   string    `json:"stripe_price_id"`
	Currency        string    `json:"currency"`
	PriceMinorUnits int       `json:"price_minor_units"`
	Credits         int       `json:"credits"`
	IsActive        bool      `json:"is_active"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type Payment struct {
	ID                int64
	UserID            string
	PlanID            *int64
	Provider          string
	ProviderSessionID string
	ProviderPaymentID string
	Currency          string
	Amount            int
	Credits           int
	Status            string
	RawPayload        string
	CreatedAt         time.Time
}

type RefundStatus string

const (
	RefundPending RefundStatus = "pending"
	RefundDone    RefundStatus = "done"
)

// RefundIntent is a durable record of a compensating refund that could not be
// applied inline.
type RefundIntent struct {
	ID        int64
	UserID    string
	Amount    int
	Reason    string
	Status    RefundStatus
	Attempts  int
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}
