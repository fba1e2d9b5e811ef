package flow

import "github.com/Nimako/WhatAppBot/internal/models"

// meterField is one step of the meter details collection.
type meterField struct {
	Key      string
	Prompt   string
	Optional bool
	set      func(d *models.SessionData, value string)
}

// meterFields is the fixed, ordered collection draft. currentFieldIndex in
// the session data points into it.
var meterFields = []meterField{
	{
		Key:    "phoneNumber",
		Prompt: "Please enter the phone number linked to the meter.",
		set:    func(d *models.SessionData, v string) { d.PhoneNumber = v },
	},
	{
		Key:    "meterNumber",
		Prompt: "Please enter the meter number.",
		set:    func(d *models.SessionData, v string) { d.MeterNumber = v },
	},
	{
		Key:      "accountNumber",
		Prompt:   "Please enter the account number.",
		Optional: true,
		set:      func(d *models.SessionData, v string) { d.AccountNumber = v },
	},
}
