// Package blob stores content addressed binary objects in the backend.
//
// Content is split into chunks under its sha256 hash. A reference record keeps
// the number of documents pointing at the blob. Unreferenced blobs are removed
// lazily by the Sweeper, never in the write path.
package blob
