// Package relay bridges browser terminal windows to remote shells.
//
// A [Manager] owns every live window. Each window couples one [Transport]
// (the browser side, normally a WebSocket) with at most one
// sshterminal.Session and runs two goroutines: the control loop, which
// applies connect, input, resize and disconnect messages in order, and the
// output pump, which relays shell output as base64 ssh_output messages.
//
// # Lifecycle
//
// A window moves idle -> connecting -> active -> closing -> terminated,
// tracked by a [StateTracker]. A failed connect returns to idle so the user
// can retry. Every message is checked against the windows.Registry first;
// a window whose registration no longer matches its owner is closed with
// [ClosePolicyViolation]. Teardown runs each release step on its own, so a
// failing step never leaks the others.
//
// # Close Codes
//
// Windows end with a WebSocket close code describing why: [CloseNormal] for
// a disconnect or an exited shell, [CloseWindowReopened] when the same owner
// opens the window again, [CloseTryAgainLater] at capacity, [CloseGoingAway]
// on shutdown and [CloseInternalError] for malformed input.
package relay
