// Package audio provides playback elements: a speaker output built on
// oto/v3 and a simulated output driven by a clock function.
package audio
