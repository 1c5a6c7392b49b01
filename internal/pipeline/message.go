package pipeline

import (
	"github.com/drieger/lineup-harvester/internal/guide"
	"github.com/drieger/lineup-harvester/internal/store"
)

// Kind identifies the type of a queue message
type Kind int

const (
	KindMarketData Kind = iota
	KindEnhancement
	KindMarketError
	kindFlush
	kindShutdown
)

// Message is a single unit of work sent from fetch workers to the
// storage writer. Exactly one payload field is set depending on Kind.
type Message struct {
	Kind    Kind
	Country string
	Postal  string
	Index   int
	Bundle  *guide.MarketBundle
	Station *store.Station
	Err     error

	// reply carries the commit result back for flush and shutdown
	reply chan error
}

// MarketMessage wraps a fetched market bundle
func MarketMessage(country, postal string, index int, bundle *guide.MarketBundle) Message {
	return Message{
		Kind:    KindMarketData,
		Country: country,
		Postal:  postal,
		Index:   index,
		Bundle:  bundle,
	}
}

// EnhancementMessage wraps an enhanced station record
func EnhancementMessage(st *store.Station) Message {
	return Message{
		Kind:    KindEnhancement,
		Station: st,
	}
}

// ErrorMessage records a market fetch failure
func ErrorMessage(country, postal string, index int, err error) Message {
	return Message{
		Kind:    KindMarketError,
		Country: country,
		Postal:  postal,
		Index:   index,
		Err:     err,
	}
}

func flushMessage(reply chan error) Message {
	return Message{Kind: kindFlush, reply: reply}
}

func shutdownMessage() Message {
	return Message{Kind: kindShutdown}
}
