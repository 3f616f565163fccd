package sandbox

import (
	"fmt"
	"strings"
)

// Debugger watches Proxies as they are created and destroyed, and is
// able to provide a snapshot of the live population at any time.
type Debugger chan any

// NewDebugger returns a running Debugger; feed it Events via Notify as
// proxies are created (the pool is responsible for calling Notify from
// the EventFunc it passes to Proxy.StartNotifying).
func NewDebugger() Debugger {
	var d Debugger = make(chan any, 64)
	go d.run()
	return d
}

// Notify is the EventFunc the pool wires into every Proxy it creates.
func (d Debugger) Notify(ev Event) {
	d <- ev
}

func (d Debugger) run() {
	proxies := make(map[string]*Proxy)

	for raw := range d {
		switch msg := raw.(type) {
		case Event:
			switch msg.Type {
			case EvCreate:
				proxies[msg.Proxy.ID()] = msg.Proxy
			case EvDestroy:
				delete(proxies, msg.Proxy.ID())
			}
		case chan string:
			var sb strings.Builder
			for _, p := range proxies {
				sb.WriteString(fmt.Sprintf("%s\n--------\n", p.DebugString()))
			}
			msg <- sb.String()
		}
	}
}

// Dump renders every live proxy's DebugString.
func (d Debugger) Dump() string {
	ch := make(chan string)
	d <- ch
	return <-ch
}
