package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/tabtuner/tabtuner/internal/status"
	"github.com/tabtuner/tabtuner/internal/stream"
)

// StreamsHandler exposes the JSON API over the stream manager: listing,
// termination, and system status.
type StreamsHandler struct {
	manager *stream.Manager
	emitter *status.Emitter
	logger  *slog.Logger
}

// NewStreamsHandler creates a new streams API handler.
func NewStreamsHandler(manager *stream.Manager, emitter *status.Emitter, logger *slog.Logger) *StreamsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamsHandler{
		manager: manager,
		emitter: emitter,
		logger:  logger,
	}
}

// Register registers the stream API operations.
func (h *StreamsHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listStreams",
		Method:      http.MethodGet,
		Path:        "/api/streams",
		Summary:     "List active streams",
		Description: "Returns the status of every active stream including health, memory usage, and connected clients.",
		Tags:        []string{"Streams"},
	}, h.ListStreams)

	huma.Register(api, huma.Operation{
		OperationID: "terminateStream",
		Method:      http.MethodDelete,
		Path:        "/streams/{id}",
		Summary:     "Terminate a stream",
		Description: "Stops the stream's capture pipeline and closes its page. Connected clients are disconnected.",
		Tags:        []string{"Streams"},
	}, h.TerminateStream)

	huma.Register(api, huma.Operation{
		OperationID: "getSystemStatus",
		Method:      http.MethodGet,
		Path:        "/api/status/system",
		Summary:     "Get system status",
		Description: "Returns browser connectivity, stream occupancy, and process memory usage.",
		Tags:        []string{"System"},
	}, h.SystemStatus)
}

// ListStreamsInput is the input for the stream list endpoint.
type ListStreamsInput struct{}

// ListStreamsOutput is the output for the stream list endpoint.
type ListStreamsOutput struct {
	Body ListStreamsResponse
}

// ListStreamsResponse is the stream list payload.
type ListStreamsResponse struct {
	Streams          []status.StreamStatus `json:"streams"`
	Count            int                   `json:"count"`
	Limit            int                   `json:"limit"`
	TotalMemoryBytes int64                 `json:"totalMemoryBytes"`
}

// ListStreams returns the status of every active stream.
func (h *StreamsHandler) ListStreams(ctx context.Context, input *ListStreamsInput) (*ListStreamsOutput, error) {
	streams := h.emitter.Streams()
	return &ListStreamsOutput{
		Body: ListStreamsResponse{
			Streams:          streams,
			Count:            len(streams),
			Limit:            h.manager.Limit(),
			TotalMemoryBytes: h.manager.TotalMemory(),
		},
	}, nil
}

// TerminateStreamInput is the input for the stream termination endpoint.
type TerminateStreamInput struct {
	ID int64 `path:"id" doc:"Stream id"`
}

// TerminateStreamOutput is the output for the stream termination endpoint.
type TerminateStreamOutput struct {
	Body TerminateStreamResponse
}

// TerminateStreamResponse reports the termination outcome.
type TerminateStreamResponse struct {
	ID         int64 `json:"id"`
	Terminated bool  `json:"terminated"`
}

// TerminateStream stops a stream by id.
func (h *StreamsHandler) TerminateStream(ctx context.Context, input *TerminateStreamInput) (*TerminateStreamOutput, error) {
	if !h.manager.Terminate(input.ID, "api request") {
		return nil, huma.Error404NotFound("stream not found")
	}
	return &TerminateStreamOutput{
		Body: TerminateStreamResponse{ID: input.ID, Terminated: true},
	}, nil
}

// SystemStatusInput is the input for the system status endpoint.
type SystemStatusInput struct{}

// SystemStatusOutput is the output for the system status endpoint.
type SystemStatusOutput struct {
	Body status.SystemStatus
}

// SystemStatus returns the cached system status.
func (h *StreamsHandler) SystemStatus(ctx context.Context, input *SystemStatusInput) (*SystemStatusOutput, error) {
	return &SystemStatusOutput{Body: h.emitter.System()}, nil
}
