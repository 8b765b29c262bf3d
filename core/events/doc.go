// Package events defines the messages exchanged with speakers and listeners.
//
// Every message travels inside an [Envelope] whose type is the event kind.
// Kinds are grouped by namespace:
//
//   - session.*: commands sent by clients and session lifecycle notifications
//     sent by the server.
//   - translation.*: translated utterances delivered to listeners.
//   - heartbeat and error are namespace free.
//
// Client commands
//
//   - session.create: a speaker opens a session.
//   - session.start, session.pause, session.resume, session.end: speaker
//     lifecycle controls.
//   - session.audioChunk: speaker audio, base64 encoded. Binary websocket
//     frames are accepted as an alternative.
//   - session.join, session.leave, session.changeLanguage: listener
//     membership.
//   - heartbeat: keeps a speaker or listener connection alive.
//
// Server events
//
//   - session.created: the session exists and the sender is its speaker.
//   - session.joined: the sender is a listener of the session.
//   - session.statusChanged: the session moved to another state.
//   - session.listenerStats: aggregate audience view, speaker only.
//   - translation.broadcast: one utterance in the listener's language. Audio
//     is null when synthesis degraded to text-only.
//   - error: a command failed, carries a stable code.
package events
