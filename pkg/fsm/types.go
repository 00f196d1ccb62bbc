package fsm

// FetchRequest is the FSM input
type FetchRequest struct {
	S3Key    string
	S3Bucket string
}

// FetchResponse is the FSM output, accumulated across transitions
type FetchResponse struct {
	// From CheckCache
	PackageID int64
	Cached    bool

	// From Download
	SHA256    string
	LocalPath string
	Size      int64

	// From Inspect
	ManifestID      string
	ManifestVersion string
	Machine         string

	// From Complete/Failed
	Status       string
	ErrorMessage string
}

// State names
const (
	StateCheckCache = "check_cache"
	StateDownload   = "download"
	StateInspect    = "inspect"
	StateComplete   = "complete"
	StateFailed     = "failed"
)

// MachineName is the name the fetch workflow is registered under.
const MachineName = "package-fetch"
