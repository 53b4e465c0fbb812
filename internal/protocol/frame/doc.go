// Package frame assembles inbound text blocks and encodes outbound actions.
//
// Inbound blocks are "Key: Value" lines closed by a blank line, or follows
// blocks whose verbatim body ends with a sentinel line and one blank line.
package frame
