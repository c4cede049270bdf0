// Package buffercache is the mirrored buffer cache: a page map, free list,
// randomized replacement policy, write-back, and a two-tier patch log sit
// behind a small public surface (Cache, Transaction, Handle) that hides all
// of it. The pieces below are friends of each other the way the original
// cache's inner_buf/writeback_buf/page_repl_buf/page_map_buf quartet were —
// reimplemented here as plain fields of one InnerBuf rather than a cluster
// of cross-pointers, and as narrow host interfaces passed at construction
// rather than C++-style friend declarations. None of that internal wiring
// is exported; callers only ever see Cache, Transaction and Handle.
package buffercache
