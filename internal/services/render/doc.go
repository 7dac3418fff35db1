// Package render wraps the external renderer CLI used by the video stage.
//
// The renderer receives a script file and optional image prompt, emits JSON
// progress lines on stdout, and produces a video file. The subprocess runs
// in its own process group so cancellation can terminate renderer-spawned
// children as well.
package render
