package server

import "log/slog"

// EventSink receives human-readable operator events. Implementations must
// not block the caller; the server emits events from handler goroutines.
type EventSink interface {
	Record(text string)
}

// RosterSink receives the roster of registered nicknames after every change.
type RosterSink interface {
	Update(nicknames []string)
}

type slogEventSink struct{}

func (slogEventSink) Record(text string) {
	slog.Info("event", "text", text)
}

// SlogEventSink returns an EventSink that writes events to the default
// structured logger.
func SlogEventSink() EventSink { return slogEventSink{} }

type slogRosterSink struct{}

func (slogRosterSink) Update(nicknames []string) {
	slog.Info("roster", "users", nicknames)
}

// SlogRosterSink returns a RosterSink that logs roster changes.
func SlogRosterSink() RosterSink { return slogRosterSink{} }

type multiEventSink []EventSink

func (m multiEventSink) Record(text string) {
	for _, s := range m {
		s.Record(text)
	}
}

// MultiEvent fans events out to several sinks.
func MultiEvent(sinks ...EventSink) EventSink { return multiEventSink(sinks) }

type multiRosterSink []RosterSink

func (m multiRosterSink) Update(nicknames []string) {
	for _, s := range m {
		s.Update(nicknames)
	}
}

// MultiRoster fans roster updates out to several sinks.
func MultiRoster(sinks ...RosterSink) RosterSink { return multiRosterSink(sinks) }
