/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package shm

import (
	"fmt"
	"os"
	"strings"
	"unsafe"
)

// DebugPoolDetail prints the header and claimed slots of the pool segment at path.
func DebugPoolDetail(path string) {
	mem, err := os.ReadFile(path)
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Print(formatPoolDetail(path, mem))
}

func formatPoolDetail(path string, mem []byte) string {
	var b strings.Builder
	if len(mem) < poolHeaderSize {
		fmt.Fprintf(&b, "path:%s too small for a pool header: %d bytes\n", path, len(mem))
		return b.String()
	}
	// os.ReadFile gives no alignment guarantee; copy into word storage first
	words := make([]uint64, (len(mem)+7)/8)
	aligned := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(mem))
	copy(aligned, mem)

	hdr := poolHeader(aligned[:poolHeaderSize])
	state, attached := hdr.lifecycle()
	fmt.Fprintf(&b, "path:%s magic:%#x version:%d size:%d slotSize:%d slots:%d state:%s attached:%d creator:%d\n",
		path, hdr.magic(), hdr.version(), hdr.size(), hdr.slotSize(), hdr.slotCount(), poolStateName(state), attached, hdr.creatorPid())
	if hdr.magic() != poolMagic || hdr.slotSize() < slotHeaderSize {
		return b.String()
	}
	l := layout{slotSize: hdr.slotSize(), slotCount: hdr.slotCount()}
	for id := uint32(0); id < l.slotCount; id++ {
		off := l.slotOffset(id)
		if off+slotHeaderSize > len(aligned) {
			break
		}
		slot := slotHeader(aligned[off : off+slotHeaderSize])
		if slot.state() != slotClaimed {
			continue
		}
		fmt.Fprintf(&b, "  block:%d offset:%d length:%d version:%d holder:%d\n",
			id, off+slotHeaderSize, slot.length(), slot.version(), slot.holder())
	}
	return b.String()
}

func poolStateName(state uint32) string {
	switch state {
	case poolStateInit:
		return "init"
	case poolStateReady:
		return "ready"
	case poolStateDestroyed:
		return "destroyed"
	}
	return fmt.Sprintf("unknown(%d)", state)
}
