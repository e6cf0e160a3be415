// Event Processor - Horizontally-Scaled Event Ingestion and Processing
// Copyright 2026 lausan029
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lausan029/event-processor

package event

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// IDPrefix is the literal prefix of server-generated event ids.
const IDPrefix = "evt_"

// NewID generates a server-side event id in the form
// evt_<base36_timestamp_ms>_<hex_random64>.
func NewID() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failing means the process is in serious trouble;
		// fall back to a time-derived suffix rather than panic on the
		// ingest hot path.
		binary.BigEndian.PutUint64(buf[:], uint64(time.Now().UnixNano()))
	}
	return IDPrefix + strconv.FormatInt(time.Now().UnixMilli(), 36) + "_" + hex.EncodeToString(buf[:])
}

// NewConsumerID builds the unique consumer identity
// worker-<hostname>-<pid>-<6 hex chars>. The random suffix makes
// collisions between restarted workers negligible; duplicate consumer ids
// would corrupt pending-entry ownership.
func NewConsumerID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "unknown"
	}
	// Hostnames with dots are common in containers; keep the id flat.
	hostname = strings.ReplaceAll(hostname, ".", "-")

	var buf [3]byte
	if _, err := rand.Read(buf[:]); err != nil {
		binary.BigEndian.PutUint16(buf[:2], uint16(time.Now().UnixNano()))
	}
	return fmt.Sprintf("worker-%s-%d-%s", hostname, os.Getpid(), hex.EncodeToString(buf[:]))
}
