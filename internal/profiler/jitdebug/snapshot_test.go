// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package jitdebug

import "testing"

func TestTakeSnapshot_DetectsSeqlockChange(t *testing.T) {
	mem := newFakeMemory()
	p := newProcessState(7)
	p.Is64Bit = true
	p.JITDescriptorAddr = 0x1000
	p.BytecodeDescriptorAddr = 0x2000

	mem.put(p.JITDescriptorAddr, buildRawDescriptor(true, MagicAndroid1, 2, 1000, 0))
	mem.put(p.BytecodeDescriptorAddr, buildRawDescriptor(true, MagicAndroid1, 0, 0, 0))

	snap, err := TakeSnapshot(mem, p)
	if err != nil {
		t.Fatalf("TakeSnapshot() error = %v", err)
	}
	if !snap.JITChanged {
		t.Error("JITChanged = false on first-ever snapshot, want true")
	}
	if !snap.BytecodeChanged {
		t.Error("BytecodeChanged = false on first-ever snapshot, want true (no cached baseline yet)")
	}

	AcceptSnapshot(p, DescriptorJIT, snap.JIT)
	AcceptSnapshot(p, DescriptorBytecode, snap.Bytecode)

	snap2, err := TakeSnapshot(mem, p)
	if err != nil {
		t.Fatalf("TakeSnapshot() second call error = %v", err)
	}
	if snap2.JITChanged || snap2.BytecodeChanged {
		t.Error("unchanged seqlocks after acceptance should report no change")
	}
}

// countingMemory wraps fakeMemory to count calls to each RemoteMemory
// method, so tests can assert TakeSnapshot uses the scatter-read path
// instead of two independent single-region reads.
type countingMemory struct {
	*fakeMemory
	readAtCalls      int
	readAtMultiCalls int
}

func (m *countingMemory) ReadAt(pid int, addr uint64, size int) ([]byte, error) {
	m.readAtCalls++
	return m.fakeMemory.ReadAt(pid, addr, size)
}

func (m *countingMemory) ReadAtMulti(pid int, regions []Region) ([][]byte, error) {
	m.readAtMultiCalls++
	return m.fakeMemory.ReadAtMulti(pid, regions)
}

func TestTakeSnapshot_UsesOneScatterReadForBothDescriptors(t *testing.T) {
	mem := &countingMemory{fakeMemory: newFakeMemory()}
	p := newProcessState(7)
	p.Is64Bit = true
	p.JITDescriptorAddr = 0x1000
	p.BytecodeDescriptorAddr = 0x2000

	mem.put(p.JITDescriptorAddr, buildRawDescriptor(true, MagicAndroid1, 2, 1000, 0))
	mem.put(p.BytecodeDescriptorAddr, buildRawDescriptor(true, MagicAndroid1, 0, 0, 0))

	if _, err := TakeSnapshot(mem, p); err != nil {
		t.Fatalf("TakeSnapshot() error = %v", err)
	}
	if mem.readAtMultiCalls != 1 {
		t.Errorf("ReadAtMulti called %d times, want 1", mem.readAtMultiCalls)
	}
	if mem.readAtCalls != 0 {
		t.Errorf("ReadAt called %d times, want 0 (TakeSnapshot must use the scatter-read path)", mem.readAtCalls)
	}
}

func TestTakeSnapshot_MarksDiedOnReadFailure(t *testing.T) {
	mem := newFakeMemory() // no regions registered -> every ReadAt fails
	p := newProcessState(7)
	p.Is64Bit = true

	if _, err := TakeSnapshot(mem, p); err == nil {
		t.Fatal("TakeSnapshot() error = nil, want error on failed read")
	}
	if !p.Died {
		t.Error("Died = false, want true after a failed cross-process read")
	}
}

// TestAcceptSnapshot_P2SeqlockNonDecreasingAndEven covers P2: the
// cached action_seqlock only ever advances to even values.
func TestAcceptSnapshot_P2SeqlockNonDecreasingAndEven(t *testing.T) {
	p := newProcessState(1)
	seqlocks := []uint32{2, 4, 10}
	var prev uint32
	for _, s := range seqlocks {
		d := Descriptor{Kind: DescriptorJIT, ActionSeqlock: s}
		AcceptSnapshot(p, DescriptorJIT, d)
		if p.LastJIT.ActionSeqlock < prev {
			t.Fatalf("accepted seqlock %d < previous %d, want non-decreasing", p.LastJIT.ActionSeqlock, prev)
		}
		if p.LastJIT.ActionSeqlock%2 != 0 {
			t.Fatalf("accepted seqlock %d is odd, want even", p.LastJIT.ActionSeqlock)
		}
		prev = p.LastJIT.ActionSeqlock
	}
}

// TestRereadDescriptor_S2DiscardOnConcurrentModification covers the
// detection half of S2: when the descriptor's seqlock advances again
// after the initial snapshot, the post-walk re-read reports the new
// seqlock, which tickProcess compares against the snapshot's to
// discard the pass.
func TestRereadDescriptor_S2DiscardOnConcurrentModification(t *testing.T) {
	mem := newFakeMemory()
	p := newProcessState(1)
	p.Is64Bit = true
	p.JITDescriptorAddr = 0x1000

	mem.put(p.JITDescriptorAddr, buildRawDescriptor(true, MagicAndroid1, 4, 2000, 0))

	fresh := Descriptor{Kind: DescriptorJIT, ActionSeqlock: 2}
	reread, err := RereadDescriptor(mem, p, DescriptorJIT)
	if err != nil {
		t.Fatalf("RereadDescriptor() error = %v", err)
	}
	if reread.ActionSeqlock == fresh.ActionSeqlock {
		t.Fatal("reread seqlock unexpectedly matches the stale snapshot; test setup is wrong")
	}
}
