package contact

import "fmt"

// Route is one direction of a logical connection. The From side may be
// unknown until the sender specifier has been read off the wire.
type Route struct {
	From    string
	To      string
	Carrier string
}

func NewRoute(from, to, carrier string) Route {
	return Route{From: from, To: to, Carrier: carrier}
}

func (r Route) WithFrom(from string) Route {
	r.From = from
	return r
}

func (r Route) WithTo(to string) Route {
	r.To = to
	return r
}

func (r Route) WithCarrier(carrier string) Route {
	r.Carrier = carrier
	return r
}

// Reverse swaps the endpoints, keeping the carrier.
func (r Route) Reverse() Route {
	return Route{From: r.To, To: r.From, Carrier: r.Carrier}
}

func (r Route) String() string {
	from, to := r.From, r.To
	if from == "" {
		from = "?"
	}
	if to == "" {
		to = "?"
	}
	if r.Carrier == "" {
		return fmt.Sprintf("%s->%s", from, to)
	}
	return fmt.Sprintf("%s->%s/%s", from, to, r.Carrier)
}
