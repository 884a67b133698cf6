// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package conn implements the non-blocking transport connection used by the
// stream engine.
//
// # Overview
//
// A Conn owns one socket descriptor and a fixed 65535 byte buffer. Every
// primitive is non-blocking and reports progress with a Result instead of an
// error, so the engine can map each outcome to relay, retry or teardown:
//
//	Read         socket  → buffer            Success | TryAgain | FDClosed | Error | FullBuffer
//	WriteTo      buffer  → other socket      unsent bytes stay at the front of the buffer
//	WriteVectored IOVec  → socket            resumes from the IOVec cursor
//	SpliceIn     socket  → kernel pipe       zero-copy, plain TCP only
//	SpliceOut    pipe    → other socket
//
// # Scatter-gather cursor
//
// IOVec never mutates the segments it was built from. Progress is a cursor of
// {element index, byte offset}; each successful write advances it by the
// number of bytes the kernel accepted, so a later call resumes exactly where
// the previous one stopped.
//
// # Sockets
//
// Connect issues a non-blocking connect and returns OpSuccess, OpInProgress
// (wait for writability, then call ConnectError) or OpError. With async set
// to false it waits up to the timeout, which is what maintenance checks use.
// Listen and Accept wrap accept4 with SOCK_NONBLOCK; peers whose address
// family is not IPv4 or IPv6 are closed immediately.
package conn
