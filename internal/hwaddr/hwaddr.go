// Package hwaddr implements the physical-to-hardware address translator
// (spec §4.4): a thin, stateless wrapper around whichever placement
// policy the controller was configured with.
//
// Grounded on _examples/original_source/inc/cameo.h's two
// physical_to_hardware_address overloads (one for a full memory packet,
// one for a bare address) — both route through the same translate call
// here, since this simulator has no packet type of its own to overload on.
package hwaddr

import "github.com/hybridmem/hmsim/internal/policy"

// Translator resolves physical addresses to hardware addresses through a
// placement policy, and separately exposes its co-located metadata
// address when the policy maintains one.
type Translator struct {
	p policy.Policy
}

// New returns a Translator bound to p.
func New(p policy.Policy) *Translator { return &Translator{p: p} }

// Translate maps a physical address to its current hardware address.
func (t *Translator) Translate(pa uint64) (uint64, error) {
	return t.p.Translate(pa)
}

// TranslateMeta returns the hardware address of pa's co-located metadata
// entry, if the bound policy maintains one.
func (t *Translator) TranslateMeta(pa uint64) (ha uint64, ok bool, err error) {
	return t.p.TranslateMeta(pa)
}

// Access runs the full demand-access path: track the access against the
// policy (which may enqueue a remapping request) and translate its
// address in one call, the shape every memory request takes through the
// controller (spec §4.5).
func (t *Translator) Access(pa uint64, kind policy.Kind, queueBusy float64) (ha uint64, issued bool, err error) {
	issued, err = t.p.Track(pa, kind, queueBusy)
	if err != nil {
		return 0, false, err
	}
	ha, err = t.p.Translate(pa)
	return ha, issued, err
}
