// Package artifacts stores immutable run artifacts as content-addressed blobs.
//
// Blobs live in a Backend (local filesystem or MinIO) under their sha256
// digest, while the (run, phase, name) index lives in the run store. An
// artifact key is write-once: rewriting identical content returns the
// existing artifact, rewriting different content fails with
// orchestrator.ErrArtifactExists. Readers verify the digest at EOF.
package artifacts
