// Package playback holds the shared vocabulary of the read-along engine:
// chunk and word timing types, the session state machine, the error
// taxonomy, configuration, and the interfaces of the external collaborators
// (asset service, calibration persistence, audio output, UI listener).
//
// The engine itself lives in the sub-packages:
//
//	timing      word lookup over a chunk's timing array
//	calibration per-book playback offset learning
//	sync        frame-driven highlight resolution
//	scroll      auto-scroll with user-scroll suppression
//	transition  prefetch, retry and crossfade between chunks
//	session     the controller tying everything together
package playback
