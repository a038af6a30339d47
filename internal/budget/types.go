// Package budget evaluates spend against tiered budget thresholds and keeps
// at most one active alert per scope and level.
package budget

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lvonguyen/cost-optimizer/internal/normalizer"
)

// Level of a budget alert
type Level string

const (
	LevelWarning   Level = "warning"
	LevelCritical  Level = "critical"
	LevelEmergency Level = "emergency"
)

// AlertStatus of a budget alert
type AlertStatus string

const (
	StatusActive   AlertStatus = "active"
	StatusResolved AlertStatus = "resolved"
)

// Scope selects the spend a budget covers. Empty fields match everything.
type Scope struct {
	Department string              `yaml:"department" json:"department,omitempty"`
	Provider   normalizer.Provider `yaml:"provider" json:"provider,omitempty"`
	Service    string              `yaml:"service" json:"service,omitempty"`
}

// Key is the stable identity of a scope
func (s Scope) Key() string {
	parts := make([]string, 0, 3)
	if s.Department != "" {
		parts = append(parts, "department="+s.Department)
	}
	if s.Provider != "" {
		parts = append(parts, "provider="+string(s.Provider))
	}
	if s.Service != "" {
		parts = append(parts, "service="+s.Service)
	}
	if len(parts) == 0 {
		return "all"
	}
	return strings.Join(parts, ";")
}

func (s Scope) String() string { return s.Key() }

// Matches reports whether a record attributed to department falls in the scope
func (s Scope) Matches(r normalizer.CostRecord, department string) bool {
	if s.Provider != "" && r.Provider != s.Provider {
		return false
	}
	if s.Service != "" && r.Service != s.Service {
		return false
	}
	if s.Department != "" && department != s.Department {
		return false
	}
	return true
}

// Threshold is a percentage of the budget that raises an alert at Level
type Threshold struct {
	Level      Level   `yaml:"level" json:"level" validate:"required,oneof=warning critical emergency"`
	Percentage float64 `yaml:"percentage" json:"percentage" validate:"gt=0"`
}

// DefaultThresholds are the warning, critical and emergency tiers
func DefaultThresholds() []Threshold {
	return []Threshold{
		{Level: LevelWarning, Percentage: 80},
		{Level: LevelCritical, Percentage: 95},
		{Level: LevelEmergency, Percentage: 100},
	}
}

// Budget is a monthly spend limit for a scope
type Budget struct {
	Name       string
	Scope      Scope
	Amount     decimal.Decimal
	Thresholds []Threshold
}

// Alert is a threshold crossing for one scope and level
type Alert struct {
	ID                  string          `json:"alert_id"`
	BudgetName          string          `json:"budget_name"`
	Scope               Scope           `json:"scope"`
	ScopeKey            string          `json:"scope_key"`
	BudgetAmount        decimal.Decimal `json:"budget_amount"`
	CurrentSpend        decimal.Decimal `json:"current_spend"`
	ThresholdPercentage float64         `json:"threshold_percentage"`
	Level               Level           `json:"level"`
	Status              AlertStatus     `json:"status"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
	ResolvedAt          *time.Time      `json:"resolved_at,omitempty"`
}

func (a *Alert) String() string {
	return fmt.Sprintf("%s %s: %s of %s (%.0f%% threshold)",
		a.Level, a.ScopeKey, a.CurrentSpend.StringFixed(2), a.BudgetAmount.StringFixed(2), a.ThresholdPercentage)
}

// Clone returns a copy
func (a *Alert) Clone() *Alert {
	c := *a
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

// AlertFilter narrows ListAlerts. Zero fields match everything.
type AlertFilter struct {
	Status AlertStatus
	Scope  *Scope
}

// AlertStore persists alerts. ActiveAlert returns errs.ErrNotFound when there
// is no active alert for the scope and level.
type AlertStore interface {
	ActiveAlert(ctx context.Context, scopeKey string, level Level) (*Alert, error)
	SaveAlert(ctx context.Context, alert *Alert) error
	ListAlerts(ctx context.Context, filter AlertFilter) ([]*Alert, error)
}
