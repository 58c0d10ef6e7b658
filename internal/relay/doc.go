// ABOUTME: Package relay bridges a push socket and a pull event queue into one backend sink
// ABOUTME: A session negotiates both transports, forwards their events and tears both down together

// Package relay runs a relay session: it negotiates a push connection and a
// pull queue through a Negotiator, then forwards qualifying events from both
// to a Sink until an operator stops it or either side fails.
//
// Within a session the two channels share one cancellation signal. A fatal
// error on either side, or a push connection closed by the remote, stops the
// whole session. A negotiation failure only disables its own side.
//
// Forward calls are detached from the signal and bounded by their own
// timeout, so stopping a session never interrupts a forward already in flight.
package relay
