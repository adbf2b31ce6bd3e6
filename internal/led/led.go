// Package led drives activity indicators. Calls never block and may come
// from interrupt context.
package led

import (
	"sync/atomic"

	"github.com/kstaniek/go-can-node/internal/metrics"
)

// Indicator is an on/off light.
type Indicator interface {
	On()
	Off()
}

// Nop ignores every call.
type Nop struct{}

func (Nop) On()  {}
func (Nop) Off() {}

// Activity is a software indicator exported as the led_state gauge.
type Activity struct {
	name    string
	on      atomic.Bool
	toggles atomic.Uint64
}

// NewActivity creates an indicator reported under name.
func NewActivity(name string) *Activity {
	a := &Activity{name: name}
	metrics.SetLED(name, false)
	return a
}

func (a *Activity) On()  { a.set(true) }
func (a *Activity) Off() { a.set(false) }

func (a *Activity) set(v bool) {
	if a.on.Swap(v) != v {
		a.toggles.Add(1)
		metrics.SetLED(a.name, v)
	}
}

// Lit reports the current state.
func (a *Activity) Lit() bool { return a.on.Load() }

// Toggles counts state changes; each activity burst adds two.
func (a *Activity) Toggles() uint64 { return a.toggles.Load() }

func (a *Activity) Name() string { return a.name }
