// Package httpapi exposes the transfer protocol over HTTP+JSON: three
// boundary operations (init, put chunk, finalize) served with chi, and a
// client that speaks them and plugs into the transfer scheduler as its
// upload target.
package httpapi

type initRequest struct {
	ObjectName   string `json:"object_name"`
	DeclaredSize int64  `json:"declared_size"`
	MimeType     string `json:"mime_type"`
}

type initResponse struct {
	SessionID            string   `json:"session_id"`
	RecommendedChunkSize int64    `json:"recommended_chunk_size"`
	AlreadyReceived      []uint32 `json:"already_received_indices"`
}

type putChunkResponse struct {
	OK             bool   `json:"ok"`
	StoredLocation string `json:"stored_location"`
	ByteLength     int64  `json:"byte_length"`
}

type finalizeRequest struct {
	TotalChunks uint32 `json:"total_chunks"`
	ObjectName  string `json:"object_name"`
}

type finalizeResponse struct {
	OK            bool   `json:"ok"`
	FinalPath     string `json:"final_path"`
	OriginalName  string `json:"original_name"`
	SanitizedName string `json:"sanitized_name"`
}

type errorResponse struct {
	Error        string  `json:"error"`
	MissingIndex *uint32 `json:"missing_index,omitempty"`
}
