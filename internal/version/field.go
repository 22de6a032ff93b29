package version

// Field is one independently versioned component of a document.
type Field[T any] struct {
	Version Version `json:"version"`
	Payload T       `json:"payload"`
}

// MergeResult is the outcome of merging a remote field into a local one.
type MergeResult[T any] struct {
	// Result is the field to keep.
	Result Field[T]
	// LocalIsStale is set when the remote field won. The caller must
	// propagate Result to the other replicas.
	LocalIsStale bool
	// RemoteIsStale is set when the local field won. The caller must send
	// the local state back to the remote sender.
	RemoteIsStale bool
}

// Merge applies last-writer-wins: the higher version is kept. Equal versions
// are a no-op. A remote version that is not Valid loses to any local one.
// Merge never fails.
func Merge[T any](local, remote Field[T]) MergeResult[T] {
	if !remote.Version.Valid() && remote.Version != local.Version {
		return MergeResult[T]{Result: local, RemoteIsStale: true}
	}
	switch remote.Version.Compare(local.Version) {
	case 1:
		return MergeResult[T]{Result: remote, LocalIsStale: true}
	case -1:
		return MergeResult[T]{Result: local, RemoteIsStale: true}
	default:
		return MergeResult[T]{Result: local}
	}
}
