package record

import "fmt"

// Kind identifies which upstream event produced a record.
type Kind string

const (
	KindAmountRecorded  Kind = "amount-recorded"
	KindBatchFulfilled  Kind = "batch-fulfilled"
	KindEntryRegistered Kind = "entry-registered"
	KindRepeatCount     Kind = "repeat-count"
)

// KindSpec binds a kind to its contract event and the collection its records land in.
type KindSpec struct {
	Kind       Kind
	Event      string
	Collection string
}

var registry = []KindSpec{
	{Kind: KindAmountRecorded, Event: "TokensBurned", Collection: "burns"},
	{Kind: KindBatchFulfilled, Event: "RequestFulfilled", Collection: "requests"},
	{Kind: KindEntryRegistered, Event: "EntryRegistered", Collection: "participants"},
	{Kind: KindRepeatCount, Event: "EntriesPurchased", Collection: "tickets"},
}

func Lookup(k Kind) (KindSpec, bool) {
	for _, s := range registry {
		if s.Kind == k {
			return s, true
		}
	}
	return KindSpec{}, false
}

// LookupEvent finds the kind registered for a contract event name.
func LookupEvent(event string) (KindSpec, bool) {
	for _, s := range registry {
		if s.Event == event {
			return s, true
		}
	}
	return KindSpec{}, false
}

// Kinds returns every known kind in registry order.
func Kinds() []Kind {
	out := make([]Kind, 0, len(registry))
	for _, s := range registry {
		out = append(out, s.Kind)
	}
	return out
}

func ParseKind(s string) (Kind, error) {
	if _, ok := Lookup(Kind(s)); !ok {
		return "", fmt.Errorf("unknown event kind %q", s)
	}
	return Kind(s), nil
}

// Collections lists the collection names, one per event domain.
func Collections() []string {
	out := make([]string, 0, len(registry))
	for _, s := range registry {
		out = append(out, s.Collection)
	}
	return out
}
