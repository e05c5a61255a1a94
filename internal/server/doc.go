// Package server implements the real-time chat and presence coordinator:
// WebSocket connection handling, presence tracking, message routing for
// public, private, room, and clan scopes, chat room lifecycle, voice room
// signaling relay, and offline notifications.
//
// The implementation is organized into specialized files for configuration,
// hub management, clients, dispatch, routing, and HTTP handlers to keep the
// codebase maintainable and testable as the project grows.
package server
