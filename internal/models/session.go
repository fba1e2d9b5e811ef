// Package models defines conversation session structures for the purchase flow.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// State is a conversation state of the purchase flow.
type State string

const (
	StateMenu              State = "MENU"
	StatePrepaidMeterInfo  State = "PREPAID_METER_INFO"
	StatePostpaidMeterInfo State = "POSTPAID_METER_INFO"
	StatePrepaidEnquiry    State = "PREPAID_ENQUIRY"
	StatePostpaidEnquiry   State = "POSTPAID_ENQUIRY"
	StateConfirmCharge     State = "CONFIRM_CHARGE"
)

// IsValidState reports whether s is one of the known conversation states.
func IsValidState(s State) bool {
	switch s {
	case StateMenu, StatePrepaidMeterInfo, StatePostpaidMeterInfo,
		StatePrepaidEnquiry, StatePostpaidEnquiry, StateConfirmCharge:
		return true
	default:
		return false
	}
}

// IsMeterInfo reports whether s is one of the field collection states.
func (s State) IsMeterInfo() bool {
	return s == StatePrepaidMeterInfo || s == StatePostpaidMeterInfo
}

// IsEnquiry reports whether s is one of the states where the enquiry pipeline runs.
func (s State) IsEnquiry() bool {
	return s == StatePrepaidEnquiry || s == StatePostpaidEnquiry
}

// MeterType distinguishes prepaid from postpaid meters.
type MeterType string

const (
	MeterTypePrepaid  MeterType = "Prepaid"
	MeterTypePostpaid MeterType = "Postpaid"
)

// EnquiryState returns the enquiry state matching the meter type.
func (m MeterType) EnquiryState() State {
	if m == MeterTypePostpaid {
		return StatePostpaidEnquiry
	}
	return StatePrepaidEnquiry
}

// MeterInfo is the meter sub-object returned by the meter-info lookup.
type MeterInfo struct {
	MeterNumber   string `json:"meterNumber"`
	AccountNumber string `json:"accountNumber,omitempty"`
	CustomerName  string `json:"customerName,omitempty"`
	Address       string `json:"address,omitempty"`
	Tariff        string `json:"tariff,omitempty"`
}

// EnquiryRecord is a single result row of an account enquiry.
type EnquiryRecord struct {
	AccountNumber string  `json:"accountNumber"`
	MeterNumber   string  `json:"meterNumber,omitempty"`
	CustomerName  string  `json:"customerName,omitempty"`
	Balance       float64 `json:"balance"`
	AmountDue     float64 `json:"amountDue"`
	Currency      string  `json:"currency,omitempty"`
}

// EnquiryResult is the cached response of the enquiry endpoint.
type EnquiryResult struct {
	RequestID string          `json:"requestId"`
	Records   []EnquiryRecord `json:"records"`
}

// SessionData holds everything collected or cached during one purchase attempt.
// Every field is optional; a patch only carries the keys it sets.
type SessionData struct {
	MeterType         MeterType      `json:"meterType,omitempty"`
	CurrentFieldIndex *int           `json:"currentFieldIndex,omitempty"`
	PhoneNumber       string         `json:"phoneNumber,omitempty"`
	MeterNumber       string         `json:"meterNumber,omitempty"`
	AccountNumber     string         `json:"accountNumber,omitempty"`
	RequestID         string         `json:"requestId,omitempty"`
	MachineSignature  string         `json:"machineSignature,omitempty"`
	MeterInfo         *MeterInfo     `json:"meterInfo,omitempty"`
	Enquiry           *EnquiryResult `json:"enquiry,omitempty"`
}

// FieldIndex returns the collection cursor, treating a missing cursor as 0.
func (d SessionData) FieldIndex() int {
	if d.CurrentFieldIndex == nil || *d.CurrentFieldIndex < 0 {
		return 0
	}
	return *d.CurrentFieldIndex
}

// IsEmpty reports whether no key is set.
func (d SessionData) IsEmpty() bool {
	raw, err := json.Marshal(d)
	return err == nil && string(raw) == "{}"
}

// IntPtr is a helper for building patches that set currentFieldIndex.
func IntPtr(i int) *int {
	return &i
}

// MergeSessionData applies patch on top of base. The merge is shallow and
// key-wise: a key present in patch replaces the same key in base, other keys
// of base are kept.
func MergeSessionData(base SessionData, patch *SessionData) (SessionData, error) {
	if patch == nil {
		return base, nil
	}
	baseMap, err := toRawMap(base)
	if err != nil {
		return base, err
	}
	patchMap, err := toRawMap(*patch)
	if err != nil {
		return base, err
	}
	for k, v := range patchMap {
		baseMap[k] = v
	}
	merged, err := json.Marshal(baseMap)
	if err != nil {
		return base, fmt.Errorf("failed to marshal merged session data: %w", err)
	}
	var out SessionData
	if err := json.Unmarshal(merged, &out); err != nil {
		return base, fmt.Errorf("failed to unmarshal merged session data: %w", err)
	}
	return out, nil
}

func toRawMap(d SessionData) (map[string]json.RawMessage, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session data: %w", err)
	}
	m := make(map[string]json.RawMessage)
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to decode session data: %w", err)
	}
	return m, nil
}

// Session is the persisted conversation state of one user.
type Session struct {
	ID          string      `json:"id"`
	PhoneNumber string      `json:"phone_number"`
	State       State       `json:"state"`
	Data        SessionData `json:"data"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// NewSession builds a fresh session in the MENU state.
func NewSession(id, phone string, now time.Time) *Session {
	return &Session{
		ID:          id,
		PhoneNumber: phone,
		State:       StateMenu,
		Data:        SessionData{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
