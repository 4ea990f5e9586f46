package domain

// OutputStream tags the origin of an output chunk.
type OutputStream string

const (
	StreamStdout OutputStream = "stdout"
	StreamStderr OutputStream = "stderr"
)

// OutputChunk is one read from a process pipe. Data is byte-exact and may
// contain partial lines or control characters.
type OutputChunk struct {
	Stream OutputStream `json:"stream"`
	Data   []byte       `json:"data"`
	Seq    uint64       `json:"seq,omitempty"` // assigned on publish, starts at 1
}
