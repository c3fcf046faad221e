package protocol

import (
	"slices"

	"github.com/kabili207/pktserial-go/core"
	"github.com/kabili207/pktserial-go/core/codec"
)

// unbind returns the device to its unallocated state. A pinned remote
// proxy keeps the serial it is waiting for.
func (b *Base) unbind() {
	b.dev.Reset()
	if b.dev.IsRemote() {
		b.dev.SerialNumber = b.pinned
	}
}

// tickLocked runs one pass of the control logic over every slot. Lifecycle
// callbacks go to q; drivers owing a HELLO go to hellos in slot order.
func (p *Protocol) tickLocked(q, hellos *pending) {
	for i, d := range p.drivers {
		if d == nil {
			continue
		}
		b := d.base()
		dev := &b.dev

		switch {
		case dev.IsLocal():
			switch {
			case !dev.IsBound():
				dev.Address = p.pickAddressLocked(i)
				dev.RollingCounter = 0
				dev.Flags |= core.FlagInitialising
				p.emit(q, EventClaiming, d)
				hellos.add(queueHello(p, d))

			case dev.IsInitialising():
				dev.RollingCounter++
				if int(dev.RollingCounter) >= p.cfg.AddressAllocTime {
					dev.Flags &^= core.FlagInitialising
					dev.Flags |= core.FlagInitialised
					dev.RollingCounter = 0
					p.emit(q, EventConnected, d)
					q.add(connected(p, d, *dev))
					hellos.add(queueHello(p, d))
				}

			default:
				dev.RollingCounter++
				if int(dev.RollingCounter) >= p.cfg.CtrlPacketTime {
					dev.RollingCounter = 0
					hellos.add(queueHello(p, d))
				}
			}

		case dev.IsRemote() && dev.IsInitialised():
			if dev.Flags&core.FlagCPSeen != 0 {
				dev.Flags &^= core.FlagCPSeen
				dev.RollingCounter = 0
				continue
			}
			dev.RollingCounter++
			if int(dev.RollingCounter) >= p.cfg.DriverTimeout {
				p.counters.Timeouts.Add(1)
				p.emit(q, EventDisconnected, d)
				b.unbind()
				q.add(removed(p, d))
			}
		}
	}
}

// pickAddressLocked returns a random address in 1..255 not held by another
// local driver on this node.
func (p *Protocol) pickAddressLocked(self int) uint8 {
	for {
		addr := uint8(1 + p.cfg.Random.IntN(255))
		taken := false
		for i, d := range p.drivers {
			if d == nil || i == self {
				continue
			}
			dev := d.base().dev
			if dev.IsLocal() && dev.IsBound() && dev.Address == addr {
				taken = true
				break
			}
		}
		if !taken {
			return addr
		}
	}
}

// handleControlLocked applies one received control packet.
func (p *Protocol) handleControlLocked(cp *codec.ControlPacket, q *pending) {
	if cp.Address == codec.ControlAddress {
		p.counters.Malformed.Add(1)
		return
	}

	if d := p.findLocked(cp.Address, true); d != nil {
		p.localClaimLocked(d, cp, q)
		return
	}
	if d := p.findLocked(cp.Address, false); d != nil {
		dev := &d.base().dev
		if dev.SerialNumber != cp.SerialNumber {
			p.log.Debug("address reused by another serial", "address", cp.Address, "serial", cp.SerialNumber)
			return
		}
		dev.Flags = dev.Flags&^0x00FF | cp.Flags&0x00FF | core.FlagCPSeen
		q.add(forward(p, d, cp))
		return
	}

	if cp.Has(codec.ControlFlagPaired) {
		p.addFilterLocked(cp.Address)
		return
	}
	if p.filteredLocked(cp.Address) {
		if !cp.Has(codec.ControlFlagBroadcast) {
			p.counters.Filtered.Add(1)
			return
		}
		p.removeFilterLocked(cp.Address)
	}
	if cp.Flags&(codec.ControlFlagUncertain|codec.ControlFlagConflict) != 0 {
		return
	}
	p.bindLocked(cp, q)
}

// findLocked returns the driver holding address, local or remote.
func (p *Protocol) findLocked(address uint8, local bool) Driver {
	for _, d := range p.drivers {
		if d == nil {
			continue
		}
		dev := d.base().dev
		if dev.IsLocal() != local || !dev.IsBound() || dev.Address != address {
			continue
		}
		return d
	}
	return nil
}

// localClaimLocked resolves a control packet for an address one of our
// local drivers holds or is probing.
//
// A settled holder objects to an uncertain claimant by echoing its packet
// with the conflict flag. A tentative claimant gives up on any conflict for
// its address. Two settled holders, or two tentative claimants,
// fall back to the lower serial number keeping the address.
func (p *Protocol) localClaimLocked(d Driver, cp *codec.ControlPacket, q *pending) {
	dev := &d.base().dev

	if cp.SerialNumber == dev.SerialNumber {
		if cp.Has(codec.ControlFlagConflict) {
			p.yieldLocked(d, q)
			return
		}
		// Our own HELLO looped back, e.g. through a bridge.
		dev.Flags |= core.FlagCPSeen
		q.add(forward(p, d, cp))
		return
	}

	if cp.Has(codec.ControlFlagConflict) {
		// Any objection to the address ends a tentative claim.
		if dev.IsInitialising() {
			p.yieldLocked(d, q)
			return
		}
		q.add(forward(p, d, cp))
		return
	}
	if cp.Type != codec.ControlTypeHello {
		q.add(forward(p, d, cp))
		return
	}

	uncertain := cp.Has(codec.ControlFlagUncertain)
	var keep bool
	switch {
	case dev.IsInitialised():
		keep = uncertain || dev.SerialNumber < cp.SerialNumber
	default:
		keep = uncertain && dev.SerialNumber < cp.SerialNumber
	}
	if !keep {
		p.yieldLocked(d, q)
		return
	}

	p.counters.Conflicts.Add(1)
	p.log.Debug("objecting to address claim", "address", cp.Address, "serial", cp.SerialNumber)
	reply := *cp
	reply.Flags |= codec.ControlFlagConflict
	q.add(func() {
		if err := p.SendControl(&reply); err != nil {
			p.log.Warn("failed to send conflict", "address", reply.Address, "error", err)
		}
	})
}

// yieldLocked gives up a local driver's address. The driver picks a new one
// on the next tick.
func (p *Protocol) yieldLocked(d Driver, q *pending) {
	b := d.base()
	settled := b.dev.IsInitialised()
	p.counters.Conflicts.Add(1)
	p.log.Debug("yielding address", "address", b.dev.Address, "slot", b.slot, "error", core.ErrConflict)
	p.emit(q, EventConflict, d)
	if settled {
		p.emit(q, EventDisconnected, d)
	}
	b.unbind()
	if settled {
		q.add(removed(p, d))
	}
}

// bindLocked attaches the first unbound remote proxy matching the
// advertisement.
func (p *Protocol) bindLocked(cp *codec.ControlPacket, q *pending) {
	for _, d := range p.drivers {
		if d == nil {
			continue
		}
		b := d.base()
		dev := &b.dev
		if !dev.IsRemote() || dev.IsBound() || b.class != cp.DeviceClass {
			continue
		}
		if b.pinned != 0 && b.pinned != cp.SerialNumber {
			continue
		}
		dev.Address = cp.Address
		dev.SerialNumber = cp.SerialNumber
		dev.RollingCounter = 0
		dev.Flags = core.FlagRemote | core.FlagInitialised | core.FlagCPSeen | cp.Flags&0x00FF
		p.emit(q, EventConnected, d)
		q.add(connected(p, d, *dev))
		return
	}
	p.counters.Unhandled.Add(1)
}

// IsFiltered reports whether frames for address are being ignored because
// the address is paired to another node.
func (p *Protocol) IsFiltered(address uint8) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.filteredLocked(address)
}

// Filters returns the filtered addresses.
func (p *Protocol) Filters() []uint8 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.filters)
}

func (p *Protocol) filteredLocked(address uint8) bool {
	return slices.Contains(p.filters, address)
}

func (p *Protocol) addFilterLocked(address uint8) {
	if p.filteredLocked(address) {
		return
	}
	if len(p.filters) >= MaxFilters {
		p.log.Warn("filter table full", "address", address)
		return
	}
	p.filters = append(p.filters, address)
	p.log.Debug("filtering paired address", "address", address)
}

func (p *Protocol) removeFilterLocked(address uint8) {
	if i := slices.Index(p.filters, address); i >= 0 {
		p.filters = slices.Delete(p.filters, i, i+1)
		p.log.Debug("address unpaired", "address", address)
	}
}

func queueHello(p *Protocol, d Driver) func() {
	return func() {
		if err := d.QueueControlPacket(); err != nil {
			p.log.Warn("failed to queue control packet", "slot", d.base().Slot(), "error", err)
		}
	}
}

func connected(p *Protocol, d Driver, dev core.Device) func() {
	return func() {
		if err := d.DeviceConnected(dev); err != nil {
			p.log.Debug("device connected handler failed", "error", err)
		}
	}
}

func removed(p *Protocol, d Driver) func() {
	return func() {
		if err := d.DeviceRemoved(); err != nil {
			p.log.Debug("device removed handler failed", "error", err)
		}
	}
}

func forward(p *Protocol, d Driver, cp *codec.ControlPacket) func() {
	return func() {
		if err := d.HandleControlPacket(cp); err != nil {
			p.log.Debug("control packet handler failed", "error", err)
		}
	}
}
