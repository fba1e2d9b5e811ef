package flow

import (
	"fmt"
	"strings"

	"github.com/Nimako/WhatAppBot/internal/models"
)

const (
	menuBody = "Welcome to the utility credit service.\n" +
		"1. Buy prepaid credit\n" +
		"2. Pay postpaid bill\n" +
		"3. Check transaction status\n" +
		"Reply with 1, 2 or 3. Send MENU at any time to start over or CANCEL to end the session."

	cancelledText       = "Your session has been cancelled."
	featureStubText     = "Transaction status checks are coming soon."
	processingText      = "Thank you. We are processing your request, you will receive an update shortly."
	stillProcessingText = "Your enquiry is still being processed. Please wait, or send MENU to start over."
	retrievingText      = "Retrieving meter information..."
	enquiringText       = "Processing account enquiry..."
	confirmPromptText   = "Reply YES to confirm the charge or NO to cancel."
	purchaseSuccessText = "Your purchase has been confirmed. Thank you!"
	purchaseDeclineText = "Your purchase has been cancelled."
	fieldRequiredText   = "This field is required."

	serviceUnavailableText = "The service is temporarily unavailable. Please try again later or send MENU to start over."
	genericErrorText       = "Something went wrong while processing your request. Send MENU to start over."
	timeoutErrorText       = "The request timed out. Please try again later. Send MENU to start over."
	connectionErrorText    = "We could not reach the payment service. Please try again later. Send MENU to start over."
)

// menuText renders the main menu, with the web chat link when one is configured.
func (e *Engine) menuText(sessionID string) string {
	if e.webBaseURL == "" || sessionID == "" {
		return menuBody
	}
	return fmt.Sprintf("%s\n\nContinue on the web: %s/chat/%s", menuBody, e.webBaseURL, sessionID)
}

func fieldPrompt(meterType models.MeterType, idx int) string {
	f := meterFields[idx]
	prompt := fmt.Sprintf("%s meter details (%d/%d): %s", meterType, idx+1, len(meterFields), f.Prompt)
	if f.Optional {
		prompt += " Reply SKIP to leave it out."
	}
	return prompt
}

// formatEnquiry renders the stored enquiry result for the confirmation step.
func formatEnquiry(res *models.EnquiryResult) string {
	var b strings.Builder
	b.WriteString("Account enquiry result")
	if res.RequestID != "" {
		fmt.Fprintf(&b, " (ref %s)", res.RequestID)
	}
	b.WriteString(":\n")
	for i, r := range res.Records {
		fmt.Fprintf(&b, "%d. Account %s", i+1, r.AccountNumber)
		if r.CustomerName != "" {
			fmt.Fprintf(&b, ", %s", r.CustomerName)
		}
		if r.MeterNumber != "" {
			fmt.Fprintf(&b, ", meter %s", r.MeterNumber)
		}
		currency := r.Currency
		if currency == "" {
			currency = "GHS"
		}
		fmt.Fprintf(&b, "\n   Balance: %s %.2f, amount due: %s %.2f\n", currency, r.Balance, currency, r.AmountDue)
	}
	b.WriteString(confirmPromptText)
	return b.String()
}
