// Package blocksync streams a file that another process rewrites in place.
//
// The Sender rereads the file in fixed-size blocks, fingerprints each block and
// emits only blocks whose content changed since they were last sent. Completion
// is signalled out of band, because EOF of a file under construction says nothing
// about whether the writer is done. The Receiver applies records at their
// offsets and truncates to the final size carried by the terminating record.
//
// Wire format, repeated until EOF:
//
//	uint32 BE length | offset (uint64 BE)
//	uint32 BE length | data
//
// A record with empty data terminates the stream; its offset is the final size.
package blocksync
