// Package page is the buffer-manager collaborator every storage component is
// built on.
//
// A relation is a sequence of fixed-size blocks. Each [Page] carries a header
// (LSN, kind, payload length, special offset), a payload area, and an 8 byte
// trailer holding the next block of the page's chain and an optional xmax.
// Typed accessors read and write those fields at fixed offsets; [Page.Validate]
// checks the declared trailer length before a page is trusted.
//
// Components obtain pages through a [Manager]: Get/TryGet pin and lock, Extend
// grows the relation, and every mutation goes through [Modify], the crash-safe
// modify-and-log wrapper. Modify works on private copies of the pages and
// installs them only once the manager has flushed them as a single unit.
//
// Two managers are provided:
//
//   - [MemoryManager]: an in-memory relation for tests and embedding
//   - [FileManager]: a file-backed relation with a redo journal of full page images
package page
