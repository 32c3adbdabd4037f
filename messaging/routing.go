package messaging

import (
	"maps"
	"strings"

	"github.com/glimte/henchman-go/internal/rabbitmq"
)

// HeaderRoute carries the remaining hops of a forwarding chain
const HeaderRoute = "route"

// FieldNextQueue in a mapping result names the queue the merged message is enqueued on
const FieldNextQueue = "next_queue"

// Method is how a hop forwards a message
type Method string

const (
	// MethodDefault lets the forwarding worker's exchange kind decide
	MethodDefault Method = ""
	// MethodEnqueue sends to a named queue through the default exchange
	MethodEnqueue Method = "enqueue"
	// MethodPublish broadcasts on a fanout exchange
	MethodPublish Method = "publish"
)

// Hop is one step of a route: a queue or exchange name and how to reach it
type Hop struct {
	Queue  string
	Method Method
}

// Resolve returns the hop's method, falling back to enqueue for a direct
// worker and publish for a fanout worker
func (h Hop) Resolve(kind rabbitmq.ExchangeKind) Method {
	if h.Method != MethodDefault {
		return h.Method
	}
	if kind == rabbitmq.KindFanout {
		return MethodPublish
	}
	return MethodEnqueue
}

func (h Hop) String() string {
	if h.Method == MethodDefault {
		return h.Queue
	}
	return h.Queue + ":" + string(h.Method)
}

// Route is an ordered hop list, written as "q1,q2:publish,q3:enqueue"
type Route []Hop

// ParseRoute parses the textual form of a route. An empty string is an
// empty route.
func ParseRoute(s string) (Route, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}

	parts := strings.Split(s, ",")
	route := make(Route, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, &RouteError{Route: s, Reason: "empty hop"}
		}

		name, method, hasMethod := strings.Cut(part, ":")
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, &RouteError{Route: s, Reason: "hop without queue name"}
		}

		hop := Hop{Queue: name}
		if hasMethod {
			switch m := Method(strings.ToLower(strings.TrimSpace(method))); m {
			case MethodEnqueue, MethodPublish:
				hop.Method = m
			default:
				return nil, &RouteError{Route: s, Reason: "unknown method " + method}
			}
		}
		route = append(route, hop)
	}
	return route, nil
}

// MustParseRoute is like ParseRoute but panics on error
func MustParseRoute(s string) Route {
	r, err := ParseRoute(s)
	if err != nil {
		panic(err)
	}
	return r
}

func (r Route) String() string {
	hops := make([]string, len(r))
	for i, hop := range r {
		hops[i] = hop.String()
	}
	return strings.Join(hops, ",")
}

// Head returns the first hop
func (r Route) Head() (Hop, bool) {
	if len(r) == 0 {
		return Hop{}, false
	}
	return r[0], true
}

// Tail returns every hop after the first
func (r Route) Tail() Route {
	if len(r) <= 1 {
		return nil
	}
	return r[1:]
}

// forward is one message the engine sends on after a task succeeded
type forward struct {
	Target  string
	Method  Method
	Message any
	// hops left for the receiving worker
	Route Route
}

// planForwards computes what a successful task sends on. It returns the
// result minus next_queue, the forwards, and a route parse error if the
// route header was malformed. A malformed route header does not suppress
// the next_queue forward.
func planForwards(kind rabbitmq.ExchangeKind, message, result any, headers Headers) (any, []forward, error) {
	var forwards []forward

	if res, ok := result.(map[string]any); ok {
		if next, ok := res[FieldNextQueue].(string); ok {
			stripped := maps.Clone(res)
			delete(stripped, FieldNextQueue)
			result = stripped

			if msg, ok := message.(map[string]any); ok && next != "" {
				merged := maps.Clone(msg)
				if merged == nil {
					merged = make(map[string]any, len(stripped))
				}
				maps.Copy(merged, stripped)
				forwards = append(forwards, forward{Target: next, Method: MethodEnqueue, Message: merged})
			}
		}
	}

	if result == nil {
		return result, forwards, nil
	}

	raw, ok := headers.Route()
	if !ok {
		return result, forwards, nil
	}
	route, err := ParseRoute(raw)
	if err != nil {
		return result, forwards, err
	}
	if head, ok := route.Head(); ok {
		forwards = append(forwards, forward{
			Target:  head.Queue,
			Method:  head.Resolve(kind),
			Message: result,
			Route:   route.Tail(),
		})
	}

	return result, forwards, nil
}
