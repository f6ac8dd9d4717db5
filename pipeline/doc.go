// Package pipeline wires stateflow to a video-on-demand ingest pipeline.
//
// A storage event for a new source object starts an ingest run: the source is
// validated, probed, assigned an encoding profile and encoded to MP4 and HLS,
// then a record is published and the source archived. Encoding either runs
// inside the ingest run as a Parallel state, or as separate asynchronous jobs
// whose completions rendezvous through a stateflow.Joiner that starts the
// publish workflow exactly once per asset.
//
// Key types:
//   - Pipeline: assembles steps, embedded definitions, engine and joiner
//   - ObjectStore, Prober, Transcoder, RecordStore, Queue: side-effect clients
//   - StartRequest: a run to start, derived from a storage event
//
// Local implementations are provided for each client: a directory-backed
// object store, ffprobe and ffmpeg wrappers, and Redis-backed record store
// and queue.
package pipeline
