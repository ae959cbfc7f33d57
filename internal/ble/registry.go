package ble

// DeviceRecord is a peripheral seen while scanning.
type DeviceRecord struct {
	Address           string
	Name              string
	LastSeenIteration uint64
}

// registry holds the devices of the current scan cycle plus the snapshot
// of the cycle before it. All methods require the manager's state lock.
type registry struct {
	live      map[string]*DeviceRecord
	order     []string // live addresses in discovery order
	previous  map[string]*DeviceRecord
	prevOrder []string
}

func newRegistry() *registry {
	return &registry{
		live:     make(map[string]*DeviceRecord),
		previous: make(map[string]*DeviceRecord),
	}
}

// observe folds one discovery event into the live set and reports whether
// the device list changed.
func (r *registry) observe(adv Advertisement, iteration uint64) bool {
	rec, ok := r.live[adv.Address]
	if !ok {
		r.live[adv.Address] = &DeviceRecord{
			Address:           adv.Address,
			Name:              adv.Name,
			LastSeenIteration: iteration,
		}
		r.order = append(r.order, adv.Address)
		return true
	}

	changed := false
	if adv.Name != "" && adv.Name != rec.Name {
		rec.Name = adv.Name
		changed = true
	}
	if rec.LastSeenIteration < iteration {
		rec.LastSeenIteration = iteration
		changed = true
	}
	return changed
}

// resolve looks address up in the live set, then in the previous snapshot.
func (r *registry) resolve(address string) (*DeviceRecord, bool) {
	if rec, ok := r.live[address]; ok {
		return rec, true
	}
	rec, ok := r.previous[address]
	return rec, ok
}

func (r *registry) snapshot() []DeviceRecord {
	return records(r.live, r.order)
}

func (r *registry) previousSnapshot() []DeviceRecord {
	return records(r.previous, r.prevOrder)
}

func records(set map[string]*DeviceRecord, order []string) []DeviceRecord {
	out := make([]DeviceRecord, 0, len(order))
	for _, addr := range order {
		out = append(out, *set[addr])
	}
	return out
}

func (r *registry) infos() []DeviceInfo {
	out := make([]DeviceInfo, 0, len(r.order))
	for _, addr := range r.order {
		rec := r.live[addr]
		out = append(out, DeviceInfo{Name: rec.Name, Address: rec.Address})
	}
	return out
}

// roll moves the live set into the previous snapshot and clears it.
// An empty live set keeps the older snapshot resolvable.
func (r *registry) roll() {
	if len(r.live) == 0 {
		return
	}
	r.previous, r.prevOrder = r.live, r.order
	r.live = make(map[string]*DeviceRecord)
	r.order = nil
}
