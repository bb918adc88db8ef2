package models

import "time"

// RawEvent is one carrier event after field extraction, before status mapping.
type RawEvent struct {
	Status      string
	SubStatus   string
	Description string
	Time        time.Time
	City        Opt
	Country     Opt
}
