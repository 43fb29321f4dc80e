// Package profile implements 'wallprof profile': it runs the simulated host
// workload under the wall profiler, writes the sessions as one merged pprof
// file and optionally archives each session.
package profile
