// Package id provides 128-bit, lexicographically sortable identifiers.
//
// An ID is 16 bytes big-endian: [8 bytes ms timestamp][8 bytes sequence], so
// byte order is chronological order. The Generator is monotonic per process
// even when the wall clock steps backwards.
//
//	g := id.NewGenerator()
//	snap := g.Next()
//	s := snap.String() // 32 hex chars
//	back, _ := id.Parse(s)
package id
