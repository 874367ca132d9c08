// Package pebblestore wraps pebble with an fsync policy, metrics hooks and
// logging through pkg/log. The journal is its only user.
//
//	db, err := pebblestore.Open(pebblestore.Options{
//	    DataDir: dir,
//	    Fsync:   pebblestore.FsyncModeInterval,
//	})
//	if err != nil { /* handle */ }
//	defer db.Close()
//
//	b := db.NewBatch()
//	_ = b.Set([]byte("k"), []byte("v"), nil)
//	_ = db.Commit(ctx, b)
//	b.Close()
package pebblestore
