package ingest

import "go.uber.org/zap/zapcore"

// Stats tracks what one tile build read and wrote
type Stats struct {
	Nodes        int64 // nodes read
	Ways         int64 // ways read
	NodesEmitted int64
	WaysEmitted  int64
	WaysSkipped  int64 // ways without a single resolvable node
	DanglingRefs int64 // way node refs to nodes not in the response
	WrappedIDs   int64 // ids that did not fit 32 bits
	BytesRead    int64 // upstream bytes consumed
	BytesWritten int64 // record bytes produced
}

// Total returns the number of elements read
func (s Stats) Total() int64 {
	return s.Nodes + s.Ways
}

// MarshalLogObject lets a zap logger print the stats as one field
func (s Stats) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddInt64("nodes", s.Nodes)
	enc.AddInt64("ways", s.Ways)
	enc.AddInt64("nodes_emitted", s.NodesEmitted)
	enc.AddInt64("ways_emitted", s.WaysEmitted)
	enc.AddInt64("ways_skipped", s.WaysSkipped)
	enc.AddInt64("dangling_refs", s.DanglingRefs)
	enc.AddInt64("wrapped_ids", s.WrappedIDs)
	enc.AddInt64("bytes_read", s.BytesRead)
	enc.AddInt64("bytes_written", s.BytesWritten)
	return nil
}
