// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package certs loads listener certificates and swaps them in place when the
// PEM files change on disk. Selection follows the client's SNI.
package certs
