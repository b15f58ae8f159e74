package models

import "time"

type MemorySource string

const (
	MemorySourceAuto   MemorySource = "auto"
	MemorySourceManual MemorySource = "manual"
)

type MemoryEntry struct {
	ID        string       `json:"id"`
	Content   string       `json:"content"`
	Source    MemorySource `json:"source"`
	CreatedAt time.Time    `json:"createdAt"`
	Category  string       `json:"category"` // location, contact, preference, history, other
}

type BannedOperationType string

const (
	BannedApp     BannedOperationType = "app"
	BannedAction  BannedOperationType = "action"
	BannedKeyword BannedOperationType = "keyword"
)

type BannedOperation struct {
	ID          string              `json:"id"`
	Type        BannedOperationType `json:"type"`
	Value       string              `json:"value"`
	Description string              `json:"description"`
	Enabled     bool                `json:"enabled"`
}

type RuleAction string

const (
	RuleActionPause  RuleAction = "pause"
	RuleActionStop   RuleAction = "stop"
	RuleActionNotify RuleAction = "notify"
	RuleActionSkip   RuleAction = "skip"
)

type ExecutionRule struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Condition string     `json:"condition"`
	Action    RuleAction `json:"action"`
	Enabled   bool       `json:"enabled"`
}

// AppData is the operator's memory and rule lists.
type AppData struct {
	Memories         []MemoryEntry     `json:"memories"`
	BannedOperations []BannedOperation `json:"bannedOperations"`
	ExecutionRules   []ExecutionRule   `json:"executionRules"`
}

func DefaultAppData() AppData {
	return AppData{
		Memories: []MemoryEntry{},
		BannedOperations: []BannedOperation{
			{ID: "ban-alipay", Type: BannedApp, Value: "支付宝", Description: "Never launch Alipay"},
			{ID: "ban-bank", Type: BannedKeyword, Value: "银行", Description: "Never launch banking apps"},
			{ID: "ban-delete", Type: BannedAction, Value: "delete", Description: "Never perform delete operations"},
		},
		ExecutionRules: []ExecutionRule{
			{ID: "rule-captcha", Name: "Pause on captcha", Condition: "captcha or image verification detected", Action: RuleActionPause, Enabled: true},
			{ID: "rule-login", Name: "Wait on login page", Condition: "login page or password prompt detected", Action: RuleActionPause, Enabled: true},
			{ID: "rule-payment", Name: "Confirm before paying", Condition: "payment or order confirmation detected", Action: RuleActionPause, Enabled: true},
			{ID: "rule-error", Name: "Stop after repeated failures", Condition: "3 consecutive failed operations", Action: RuleActionStop, Enabled: true},
		},
	}
}

// EnabledRules returns the execution rules that are switched on.
func (d AppData) EnabledRules() []ExecutionRule {
	var out []ExecutionRule
	for _, r := range d.ExecutionRules {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out
}
