// Package resp provides a low-level implementation of the RESP wire protocol
// (RESP2 and RESP3) spoken by Redis-compatible servers.
//
// This package serves as a foundation for the pooled client in the parent
// package. It focuses on byte-exact framing and parsing, without imposing
// connection management or command semantics.
//
// # Core Types
//
//   - Rawable: an immutable, protocol-ready argument (see Int, Float, Bytes, String)
//   - Reply: a parsed server reply of any RESP2/RESP3 kind
//
// # Serialization and Parsing
//
// WriteCommand frames a command as an array of bulk strings:
//
//	bw := bufio.NewWriter(conn)
//	err := resp.WriteCommand(bw, "SET", resp.String("key"), resp.Int(42))
//	err = bw.Flush()
//
// ReadReply parses exactly one reply frame:
//
//	reply, err := resp.ReadReply(bufio.NewReader(conn))
//	if err != nil {
//	    if resp.ShouldCloseConnection(err) {
//	        conn.Close()
//	    }
//	    return err
//	}
//	if reply.HasError() {
//	    // server error reply (e.g. WRONGTYPE), the connection is still usable
//	}
//
// # Error Handling
//
//   - ServerError: error reply from the server, connection can be REUSED
//   - ParseError: malformed reply framing, CLOSE connection
//   - ConnectionError: network/I/O error, connection already broken
//
// Use ShouldCloseConnection to pick the strategy.
//
// # Thread Safety
//
// Rawable values are immutable and safe to share. Reply values are not
// synchronized. WriteCommand and ReadReply are safe as long as different
// writers/readers are used per goroutine.
package resp
