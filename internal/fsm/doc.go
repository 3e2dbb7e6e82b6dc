// Package fsm implements the free space manager: a persistent queue of
// reclaimable block ranges rooted at a well-known block.
//
// Each FSM page holds a queue of [Range] values; pages chain through the page
// trailer and the root records the tail page that receives pushes. Drain
// takes from the front of the chain, so blocks are reused roughly in the
// order they were freed. Every operation loads the chain under the root's
// exclusive lock and writes all pages it changed with one [page.Modify], so a
// crash leaves the FSM either before or after the operation.
package fsm
