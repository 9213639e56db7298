// Package j1939 implements the SAE J1939-21 data link layer on top of the
// canbus frame layer.
//
// The package covers:
//   - 29-bit identifier decomposition (priority, PGN, destination, source)
//   - Packet, the envelope shared by single-frame and reassembled messages
//   - Link, the frame-level Bus with deadline-bounded, duplicable reads
//   - Transport, the TP.CM/TP.DT engine: BAM and RTS/CTS reassembly on a
//     bounded session pool, and segmented sends in both modes
//   - Acknowledgment (PGN 0xE800) and the Response sum type
//   - Decoder, the PGN to message type table
//
// Request orchestration (global and destination-specific requests, BUSY
// retries, timing checks) lives in the request package.
package j1939
