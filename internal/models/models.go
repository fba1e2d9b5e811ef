// Package models defines the core data structures for WhatAppBot.
//
// It includes conversation sessions, inbound messages, delivery receipts and
// the JSON payloads of the HTTP API, which are shared across modules.
package models

import (
	"errors"
	"strings"
)

// Validation constants for input validation
const (
	// MaxMessageLength defines the maximum accepted length of an inbound message body
	MaxMessageLength = 4096
	// MaxMessageIDLength defines the maximum accepted length of a client supplied message ID
	MaxMessageIDLength = 128
)

// Error variables for better error handling and testability
var (
	ErrEmptyPhone       = errors.New("phone is required")
	ErrEmptyMessage     = errors.New("message is required")
	ErrMessageTooLong   = errors.New("message exceeds maximum length")
	ErrMessageIDTooLong = errors.New("messageId exceeds maximum length")
)

// MessageStatus represents the delivery status of a message.
type MessageStatus string

const (
	// MessageStatusSent indicates the message was sent.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusDelivered indicates the message was delivered.
	MessageStatusDelivered MessageStatus = "delivered"
	// MessageStatusRead indicates the message was read.
	MessageStatusRead MessageStatus = "read"
	// MessageStatusFailed indicates the message failed to send.
	MessageStatusFailed MessageStatus = "failed"
)

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusDuplicate indicates an inbound message was already processed.
	APIStatusDuplicate APIStatus = "duplicate"
)

// Receipt is a delivery status update for an outbound message.
type Receipt struct {
	To     string        `json:"to"`
	Status MessageStatus `json:"status"`
	Time   int64         `json:"time"`
}

// InboundMessage is a text message received from a user on any channel.
type InboundMessage struct {
	ID       string `json:"id,omitempty"` // provider message ID, used for dedup
	From     string `json:"from"`
	Body     string `json:"body"`
	Time     int64  `json:"time"`
	Provider string `json:"provider,omitempty"`
}

// ChatMessageRequest is the payload of POST /api/messages.
type ChatMessageRequest struct {
	Phone     string `json:"phone"`
	Message   string `json:"message"`
	MessageID string `json:"messageId,omitempty"`
}

// Validate checks the request before it reaches the conversation engine.
func (r *ChatMessageRequest) Validate() error {
	if strings.TrimSpace(r.Phone) == "" {
		return ErrEmptyPhone
	}
	if strings.TrimSpace(r.Message) == "" {
		return ErrEmptyMessage
	}
	if len(r.Message) > MaxMessageLength {
		return ErrMessageTooLong
	}
	if len(r.MessageID) > MaxMessageIDLength {
		return ErrMessageIDTooLong
	}
	return nil
}

// Reply is what the conversation engine answers to one inbound message. State
// is pushed explicitly so web clients never parse the reply text.
type Reply struct {
	Text      string
	SessionID string
	State     State
}

// ChatMessageResponse is the result of POST /api/messages.
type ChatMessageResponse struct {
	Reply     string `json:"reply"`
	SessionID string `json:"sessionId"`
	State     State  `json:"state"`
}

// API Response types for consistent JSON responses

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{
		response: APIResponse{},
	}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Duplicate creates a response for an inbound message that was already handled.
func Duplicate() APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusDuplicate).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}
