// Package util provides utility functions for the WhatAppBot application.
package util

import (
	"math/rand/v2"
	"strings"

	"github.com/google/uuid"
)

// NewSessionID returns a fresh session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// NewCorrelationID returns a fresh enquiry correlation ID. One is generated per
// purchase attempt and reused for the meter lookup and the enquiry.
func NewCorrelationID() string {
	return uuid.NewString()
}

// GenerateRandomID generates a random ID with the specified prefix and hex length.
// The returned ID will be in the format: "{prefix}{hex_string}".
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random hexadecimal string of the specified length.
// Not suitable for secrets.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length)

	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.IntN(16)])
	}

	return builder.String()
}

// GenerateWebMessageID generates an inbound message ID for web chat messages
// that arrive without one.
func GenerateWebMessageID() string {
	return GenerateRandomID("web_", 32)
}
