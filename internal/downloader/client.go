// Package downloader wires client adapters to stored client configurations.
package downloader

import (
	"github.com/slipstream/dlsync/internal/downloader/types"
)

// Re-export types for convenience.
// This allows external packages to use downloader.Adapter instead of types.Adapter.

type (
	Protocol        = types.Protocol
	ClientType      = types.ClientType
	ClientConfig    = types.ClientConfig
	Adapter         = types.Adapter
	HistoryProvider = types.HistoryProvider
	AddRequest      = types.AddRequest
	QueueItem       = types.QueueItem
	HistoryItem     = types.HistoryItem
	Status          = types.Status
)

// Re-export constants.
const (
	ProtocolTorrent = types.ProtocolTorrent
	ProtocolUsenet  = types.ProtocolUsenet

	ClientTypeQBittorrent  = types.ClientTypeQBittorrent
	ClientTypeTransmission = types.ClientTypeTransmission
	ClientTypeSABnzbd      = types.ClientTypeSABnzbd
	ClientTypeNZBGet       = types.ClientTypeNZBGet
)

// Re-export errors.
var (
	ErrNotConnected      = types.ErrNotConnected
	ErrAuthFailed        = types.ErrAuthFailed
	ErrNotFound          = types.ErrNotFound
	ErrUnsupportedClient = types.ErrUnsupportedClient
)

// Re-export functions.
var (
	ProtocolForClient = types.ProtocolForClient
	CorrelationKey    = types.CorrelationKey
)
