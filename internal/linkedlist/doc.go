// Package linkedlist stores data as chains of pages inside a relation.
//
// A list is identified by its header block, which doubles as the lock anchor
// for the whole chain. Content pages are linked through the page trailer.
// [Bytes] holds an arbitrary byte stream; [Items] holds fixed-size records
// encoded by a [Codec], with removed slots reused by later appends.
//
// Writers hold the header exclusively for the duration of an append. Readers
// share-lock the header only long enough to snapshot the chain's terminal
// pointer and then read content pages one at a time, so they observe exactly
// the data that was complete when they started.
package linkedlist
