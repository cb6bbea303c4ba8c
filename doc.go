// # Realtime concierge sessions
//
// Package realtime bridges a client's live audio and text stream with an
// OpenAI realtime model and lets the model call tools (place search, flight
// search, pricing and booking) in the middle of the conversation.
//
// A Server accepts one websocket per conversation and runs a Session for it.
// The Session forwards client frames to the model and model output to the
// client, intercepts function calls, runs them through a capability
// Dispatcher and feeds the results back to the model. Tool results update the
// session's slots (intent, search results, selection, hold) through Bindings.
//
// The model peer is reached over a websocket (DialModel) or a WebRTC data
// channel (DialWebRTC).
package realtime
