/*
Copyright 2026 The Compactus Authors
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
you may obtain a copy of the License at

                http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package pipeline

import "sync"

// blockOrder lets a pool of concurrent block tasks take turns writing to (or
// reading from) a single shared bitstream in strict block ID order, while the
// CPU heavy transform and entropy steps of each task still run in parallel.
//
// A task calls waitTurn with its own block ID and blocks until the previous
// ID has been recorded, does its sequential bitstream work, then calls
// advance to let the next task in line proceed. Any task that fails calls
// cancel, which wakes every other waiter immediately instead of leaving them
// parked until their turn (which would never come).
type blockOrder struct {
	mu        sync.Mutex
	cond      *sync.Cond
	processed int32
}

func newBlockOrder(firstProcessed int32) *blockOrder {
	b := &blockOrder{processed: firstProcessed}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// waitTurn blocks until the task immediately preceding 'blockID' has
// completed its sequential bitstream work. Returns false if the stream was
// cancelled while waiting, in which case the caller must not touch the
// shared bitstream.
func (b *blockOrder) waitTurn(blockID int32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.processed != blockID-1 {
		if b.processed == _CANCEL_TASKS_ID {
			return false
		}

		b.cond.Wait()
	}

	return b.processed != _CANCEL_TASKS_ID
}

// advance records that 'blockID' has completed its turn and wakes every
// task waiting on this order.
func (b *blockOrder) advance(blockID int32) {
	b.mu.Lock()

	if b.processed == blockID-1 {
		b.processed = blockID
	}

	b.mu.Unlock()
	b.cond.Broadcast()
}

// cancel unblocks every waiter; none of them may proceed past waitTurn again.
func (b *blockOrder) cancel() {
	b.mu.Lock()
	b.processed = _CANCEL_TASKS_ID
	b.mu.Unlock()
	b.cond.Broadcast()
}

// load returns the last recorded block ID, or _CANCEL_TASKS_ID.
func (b *blockOrder) load() int32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.processed
}
