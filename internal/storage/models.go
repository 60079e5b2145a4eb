package storage

// CommitResult summarises the commit created by a write.
type CommitResult struct {
	Commit  string `json:"commit"`
	Message string `json:"message"`
	// Paths lists the logical paths the write touched.
	Paths []string `json:"paths,omitempty"`
}

const (
	commitKindFile   = "file"
	commitKindUpload = "upload"
)
