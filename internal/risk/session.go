package risk

import (
	"time"
)

// Session selects which limit set applies to a signal.
type Session string

const (
	SessionRegular  Session = "regular_hours"
	SessionExtended Session = "extended_hours"
)

var newYork = loadNewYork()

func loadNewYork() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		// Fallback for minimal containers
		return time.FixedZone("ET", -5*60*60)
	}
	return loc
}

// sessionFor classifies a moment for one symbol. Crypto always trades on
// extended-hours limits. Equities are regular-hours inside [09:30, 16:00)
// Eastern, computed by real datetime comparison, not hour fractions.
func sessionFor(isCrypto bool, now time.Time) Session {
	if isCrypto {
		return SessionExtended
	}
	et := now.In(newYork)
	open := time.Date(et.Year(), et.Month(), et.Day(), 9, 30, 0, 0, newYork)
	close := time.Date(et.Year(), et.Month(), et.Day(), 16, 0, 0, 0, newYork)
	if !et.Before(open) && et.Before(close) {
		return SessionRegular
	}
	return SessionExtended
}

// minutesIntoOpen returns how far et is past the 09:30 open, or a negative
// duration before it.
func minutesIntoOpen(now time.Time) time.Duration {
	et := now.In(newYork)
	open := time.Date(et.Year(), et.Month(), et.Day(), 9, 30, 0, 0, newYork)
	return et.Sub(open)
}

// minutesToClose returns how long until the 16:00 close, negative after it.
func minutesToClose(now time.Time) time.Duration {
	et := now.In(newYork)
	close := time.Date(et.Year(), et.Month(), et.Day(), 16, 0, 0, 0, newYork)
	return close.Sub(et)
}
